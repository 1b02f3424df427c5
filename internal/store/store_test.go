package store

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CREVIOS/agentloop/pkg/models"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Job{}, &models.Delivery{}, &models.Iteration{}, &models.ReviewKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestFetchNextPriorityOrdersFixBeforeIssue(t *testing.T) {
	s := newTestDB(t)
	issueID, err := s.Enqueue(models.JobKindIssue, "{}", models.JobKeys{Repo: "o/r"}, 0, nil)
	if err != nil {
		t.Fatalf("enqueue issue: %v", err)
	}
	pr := 3
	fixID, err := s.Enqueue(models.JobKindFix, "{}", models.JobKeys{Repo: "o/r", PRNumber: &pr}, 1, nil)
	if err != nil {
		t.Fatalf("enqueue fix: %v", err)
	}
	if fixID <= issueID {
		t.Fatalf("expected fix id > issue id, got fix=%d issue=%d", fixID, issueID)
	}

	job, err := s.FetchNext()
	if err != nil {
		t.Fatalf("fetchNext: %v", err)
	}
	if job == nil || job.ID != fixID {
		t.Fatalf("expected fix job %d to dequeue first, got %+v", fixID, job)
	}
}

func TestFetchNextFIFOWithinKind(t *testing.T) {
	s := newTestDB(t)
	first, err := s.Enqueue(models.JobKindIssue, "{}", models.JobKeys{Repo: "o/r", IssueNumber: intp(1)}, 0, nil)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if _, err := s.Enqueue(models.JobKindIssue, "{}", models.JobKeys{Repo: "o/r", IssueNumber: intp(2)}, 0, nil); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	job, err := s.FetchNext()
	if err != nil {
		t.Fatalf("fetchNext: %v", err)
	}
	if job == nil || job.ID != first {
		t.Fatalf("expected oldest issue job %d to dequeue first, got %+v", first, job)
	}
}

func TestDeliveryDedup(t *testing.T) {
	s := newTestDB(t)
	seen, err := s.DeliverySeen("d1")
	if err != nil {
		t.Fatalf("deliverySeen: %v", err)
	}
	if seen {
		t.Fatal("expected delivery not yet seen")
	}
	if err := s.MarkDelivery("d1"); err != nil {
		t.Fatalf("markDelivery: %v", err)
	}
	seen, err = s.DeliverySeen("d1")
	if err != nil {
		t.Fatalf("deliverySeen: %v", err)
	}
	if !seen {
		t.Fatal("expected delivery to be seen after marking")
	}
	// Marking twice must not fail.
	if err := s.MarkDelivery("d1"); err != nil {
		t.Fatalf("markDelivery again: %v", err)
	}
}

func TestReviewDedup(t *testing.T) {
	s := newTestDB(t)
	seen, err := s.ReviewSeen("o/r", 9, "sha1")
	if err != nil {
		t.Fatalf("reviewSeen: %v", err)
	}
	if seen {
		t.Fatal("expected review not yet seen")
	}
	if err := s.MarkReview("o/r", 9, "sha1"); err != nil {
		t.Fatalf("markReview: %v", err)
	}
	seen, err = s.ReviewSeen("o/r", 9, "sha1")
	if err != nil {
		t.Fatalf("reviewSeen: %v", err)
	}
	if !seen {
		t.Fatal("expected review to be seen after marking")
	}
}

func TestSetStatusEnforcesTerminalLifecycle(t *testing.T) {
	s := newTestDB(t)
	id, err := s.Enqueue(models.JobKindIssue, "{}", models.JobKeys{Repo: "o/r", IssueNumber: intp(1)}, 0, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.SetStatus(id, models.JobStatusRunning, ""); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if err := s.SetStatus(id, models.JobStatusDone, ""); err != nil {
		t.Fatalf("running->done: %v", err)
	}
	// A terminal job must never transition again.
	if err := s.SetStatus(id, models.JobStatusFailed, "late"); err == nil {
		t.Fatal("expected error transitioning out of a terminal status")
	}
}

func TestHasActiveJobNullAwareEquality(t *testing.T) {
	s := newTestDB(t)
	pr := 7
	if _, err := s.Enqueue(models.JobKindFix, "{}", models.JobKeys{Repo: "o/r", PRNumber: &pr}, 1, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	active, err := s.HasActiveJob(models.JobKindFix, "o/r", &pr, nil)
	if err != nil {
		t.Fatalf("hasActiveJob: %v", err)
	}
	if !active {
		t.Fatal("expected active fix job for pr 7")
	}

	otherPR := 8
	active, err = s.HasActiveJob(models.JobKindFix, "o/r", &otherPR, nil)
	if err != nil {
		t.Fatalf("hasActiveJob (other pr): %v", err)
	}
	if active {
		t.Fatal("expected no active fix job for a different pr")
	}
}

func TestIterationCountMonotone(t *testing.T) {
	s := newTestDB(t)
	pr := 11
	if err := s.SetIterationStatus("o/r", nil, &pr, 1, models.IterationDone); err != nil {
		t.Fatalf("seed iter 1: %v", err)
	}
	count, err := s.IterationCount("o/r", nil, &pr)
	if err != nil {
		t.Fatalf("iterationCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if err := s.SetIterationStatus("o/r", nil, &pr, 2, models.IterationBlocked); err != nil {
		t.Fatalf("seed iter 2: %v", err)
	}
	count, err = s.IterationCount("o/r", nil, &pr)
	if err != nil {
		t.Fatalf("iterationCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 (blocked rows must still count)", count)
	}
}

func intp(n int) *int { return &n }
