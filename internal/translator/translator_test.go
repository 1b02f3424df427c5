package translator

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
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
	return store.NewStore(db)
}

func TestHandleIssuesOpenedEnqueues(t *testing.T) {
	tr := New(newTestStore(t), nil)
	payload := map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "acme/widgets"},
		"issue":      map[string]any{"number": float64(42)},
	}

	jobID, err := tr.Handle("issues", payload, "delivery-1")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID == nil {
		t.Fatal("expected a job to be enqueued")
	}

	job, err := tr.store.GetJob(*jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != models.JobKindIssue {
		t.Errorf("kind = %q, want issue", job.Kind)
	}
	if job.Repo != "acme/widgets" {
		t.Errorf("repo = %q", job.Repo)
	}
	if job.IssueNumber == nil || *job.IssueNumber != 42 {
		t.Errorf("issue number = %v, want 42", job.IssueNumber)
	}
}

func TestHandleIssuesIgnoresOtherActions(t *testing.T) {
	tr := New(newTestStore(t), nil)
	payload := map[string]any{
		"action":     "closed",
		"repository": map[string]any{"full_name": "acme/widgets"},
		"issue":      map[string]any{"number": float64(1)},
	}

	jobID, err := tr.Handle("issues", payload, "delivery-2")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID != nil {
		t.Fatalf("expected no job, got %v", *jobID)
	}
}

func TestHandlePullRequestRetryLabelEnqueuesFix(t *testing.T) {
	tr := New(newTestStore(t), []string{"retry-fix"})
	payload := map[string]any{
		"action":     "labeled",
		"label":      map[string]any{"name": "retry-fix"},
		"repository": map[string]any{"full_name": "acme/widgets"},
		"pull_request": map[string]any{
			"number": float64(7),
			"head":   map[string]any{"sha": "abc123"},
		},
	}

	jobID, err := tr.Handle("pull_request", payload, "delivery-3")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID == nil {
		t.Fatal("expected a fix job to be enqueued")
	}

	job, err := tr.store.GetJob(*jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != models.JobKindFix {
		t.Errorf("kind = %q, want fix", job.Kind)
	}
	if job.Iter != 1 {
		t.Errorf("iter = %d, want 1", job.Iter)
	}
	if job.HeadSHA != "abc123" {
		t.Errorf("head sha = %q", job.HeadSHA)
	}
}

func TestHandlePullRequestIgnoresUnconfiguredLabel(t *testing.T) {
	tr := New(newTestStore(t), []string{"retry-fix"})
	payload := map[string]any{
		"action":     "labeled",
		"label":      map[string]any{"name": "bug"},
		"repository": map[string]any{"full_name": "acme/widgets"},
		"pull_request": map[string]any{
			"number": float64(7),
			"head":   map[string]any{"sha": "abc123"},
		},
	}

	jobID, err := tr.Handle("pull_request", payload, "delivery-4")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID != nil {
		t.Fatalf("expected no job, got %v", *jobID)
	}
}

func TestHandlePullRequestSuppressedByActiveFixJob(t *testing.T) {
	s := newTestStore(t)
	tr := New(s, []string{"retry-fix"})
	prNumber := 7
	if _, err := s.Enqueue(models.JobKindFix, "{}", models.JobKeys{
		Repo: "acme/widgets", PRNumber: &prNumber, HeadSHA: "prior",
	}, 1, nil); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	payload := map[string]any{
		"action":     "labeled",
		"label":      map[string]any{"name": "retry-fix"},
		"repository": map[string]any{"full_name": "acme/widgets"},
		"pull_request": map[string]any{
			"number": float64(7),
			"head":   map[string]any{"sha": "def456"},
		},
	}

	jobID, err := tr.Handle("pull_request", payload, "delivery-5")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID != nil {
		t.Fatalf("expected suppression, got job %v", *jobID)
	}
}

func TestHandleCheckSuiteEnqueuesReviewOnce(t *testing.T) {
	tr := New(newTestStore(t), nil)
	payload := map[string]any{
		"action":     "completed",
		"repository": map[string]any{"full_name": "acme/widgets"},
		"check_suite": map[string]any{
			"head_sha": "sha-1",
		},
		"pull_requests": []any{
			map[string]any{"number": float64(9)},
		},
	}

	first, err := tr.Handle("check_suite", payload, "delivery-6")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if first == nil {
		t.Fatal("expected a review job")
	}

	second, err := tr.Handle("check_suite", payload, "delivery-7")
	if err != nil {
		t.Fatalf("Handle (dup): %v", err)
	}
	if second != nil {
		t.Fatalf("expected duplicate review to be suppressed, got %v", *second)
	}
}

func TestHandleCICompletedEnqueuesReview(t *testing.T) {
	tr := New(newTestStore(t), nil)
	payload := map[string]any{
		"repository": map[string]any{"full_name": "acme/widgets"},
		"pr_number":  float64(3),
		"sha":        "sha-ci",
	}

	jobID, err := tr.Handle("ci_completed", payload, "delivery-8")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if jobID == nil {
		t.Fatal("expected a review job")
	}
}
