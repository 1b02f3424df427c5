package store

import (
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/CREVIOS/agentloop/internal/apperr"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// Store wraps the Job Store's GORM handle. One writer (the worker loop)
// plus many short readers (ingress handlers) share it; every operation
// below is a single-row or single-statement commit.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an already-migrated GORM handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// DeliverySeen reports whether a delivery with this id has already been
// recorded. Presence alone is the dedup signal (invariant 1, §3).
func (s *Store) DeliverySeen(deliveryID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Delivery{}).Where("delivery_id = ?", deliveryID).Count(&count).Error
	if err != nil {
		return false, apperr.NewStorageError("deliverySeen", err)
	}
	return count > 0, nil
}

// MarkDelivery records delivery as consumed. Safe to call more than once.
func (s *Store) MarkDelivery(deliveryID string) error {
	d := &models.Delivery{DeliveryID: deliveryID, ReceivedAt: time.Now().UTC()}
	err := s.db.Clauses(onConflictDoNothing("delivery_id")).Create(d).Error
	return apperr.NewStorageError("markDelivery", err)
}

// ReviewSeen reports whether a review has already been requested for this
// exact commit of this pull request.
func (s *Store) ReviewSeen(repo string, prNumber int, headSHA string) (bool, error) {
	var count int64
	err := s.db.Model(&models.ReviewKey{}).
		Where("repo = ? AND pr_number = ? AND head_sha = ?", repo, prNumber, headSHA).
		Count(&count).Error
	if err != nil {
		return false, apperr.NewStorageError("reviewSeen", err)
	}
	return count > 0, nil
}

// MarkReview records that a review job has been enqueued for this commit.
// This is the commit point invariant 2 (§3) refers to.
func (s *Store) MarkReview(repo string, prNumber int, headSHA string) error {
	rk := &models.ReviewKey{Repo: repo, PRNumber: prNumber, HeadSHA: headSHA, CreatedAt: time.Now().UTC()}
	err := s.db.Clauses(onConflictDoNothing("repo", "pr_number", "head_sha")).Create(rk).Error
	return apperr.NewStorageError("markReview", err)
}

// Enqueue inserts a new queued Job row and returns its id.
func (s *Store) Enqueue(kind models.JobKind, payload string, keys models.JobKeys, iter int, deliveryID *string) (int64, error) {
	if !kind.Valid() {
		return 0, apperr.NewStorageError("enqueue", fmt.Errorf("%w: %s", apperr.ErrUnknownJobKind, kind))
	}
	now := time.Now().UTC()
	job := &models.Job{
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.JobStatusQueued,
		Kind:        kind,
		Payload:     payload,
		Repo:        keys.Repo,
		IssueNumber: keys.IssueNumber,
		PRNumber:    keys.PRNumber,
		HeadSHA:     keys.HeadSHA,
		Iter:        iter,
		DeliveryID:  deliveryID,
	}
	if err := s.db.Create(job).Error; err != nil {
		return 0, apperr.NewStorageError("enqueue", err)
	}
	return job.ID, nil
}

// FetchNext returns the single oldest queued job ordered by
// (kind_priority, id ASC): fix=0, review=1, issue=2. Returns nil, nil when
// the queue is empty.
func (s *Store) FetchNext() (*models.Job, error) {
	var job models.Job
	err := s.db.
		Where("status = ?", models.JobStatusQueued).
		Order(`CASE kind WHEN 'fix' THEN 0 WHEN 'review' THEN 1 WHEN 'issue' THEN 2 ELSE 3 END ASC, id ASC`).
		First(&job).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewStorageError("fetchNext", err)
	}
	return &job, nil
}

// GetJob loads one job row by id.
func (s *Store) GetJob(id int64) (*models.Job, error) {
	var job models.Job
	err := s.db.First(&job, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewStorageError("getJob", err)
	}
	return &job, nil
}

// ListJobs returns all jobs, optionally filtered by status, oldest first.
func (s *Store) ListJobs(statusFilter string) ([]models.Job, error) {
	var jobs []models.Job
	q := s.db.Order("id ASC")
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, apperr.NewStorageError("listJobs", err)
	}
	return jobs, nil
}

// SetStatus transitions a job's status, enforcing the strictly sequential
// queued -> running -> {done|failed} lifecycle (invariant 3, §3). Jobs
// already in a terminal state are never updated again.
func (s *Store) SetStatus(jobID int64, status models.JobStatus, errMsg string) error {
	if !status.Valid() {
		return apperr.NewStorageError("setStatus", fmt.Errorf("invalid status %q", status))
	}

	var expected models.JobStatus
	switch status {
	case models.JobStatusRunning:
		expected = models.JobStatusQueued
	case models.JobStatusDone, models.JobStatusFailed:
		expected = models.JobStatusRunning
	default:
		return apperr.NewStorageError("setStatus", fmt.Errorf("cannot transition into status %q", status))
	}

	result := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, expected).
		Updates(map[string]any{
			"status":     status,
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return apperr.NewStorageError("setStatus", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NewStorageError("setStatus", fmt.Errorf("job %d not in expected status %q for transition to %q", jobID, expected, status))
	}
	return nil
}

// ResetStaleRunning marks every job still in status running as failed at
// startup, before the poll loop begins. A running row with no live worker
// behind it means the process died mid-job; the job is not resumed.
func (s *Store) ResetStaleRunning(reason string) (int64, error) {
	result := s.db.Model(&models.Job{}).
		Where("status = ?", models.JobStatusRunning).
		Updates(map[string]any{
			"status":     models.JobStatusFailed,
			"error":      reason,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, apperr.NewStorageError("resetStaleRunning", result.Error)
	}
	return result.RowsAffected, nil
}

// HasActiveJob reports whether a job of this kind, for this repo, matching
// pr/issue with SQL-NULL-aware equality, is currently queued or running.
func (s *Store) HasActiveJob(kind models.JobKind, repo string, prNumber, issueNumber *int) (bool, error) {
	q := s.db.Model(&models.Job{}).
		Where("kind = ? AND repo = ? AND status IN ?", kind, repo, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning})
	q = nullAwareEquals(q, "pr_number", prNumber)
	q = nullAwareEquals(q, "issue_number", issueNumber)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, apperr.NewStorageError("hasActiveJob", err)
	}
	return count > 0, nil
}

// IterationCount returns max(iter) over all Iteration rows matching
// (repo, issue?, pr?), or 0 if none. Every row counts regardless of
// status, including blocked rows — see SPEC_FULL.md §9 resolved open
// question: this mirrors the source's behavior exactly.
func (s *Store) IterationCount(repo string, issueNumber, prNumber *int) (int, error) {
	q := s.db.Model(&models.Iteration{}).Where("repo = ?", repo)
	q = nullAwareEquals(q, "pr_number", prNumber)
	q = nullAwareEquals(q, "issue_number", issueNumber)

	var maxIter sql.NullInt64
	row := q.Select("MAX(iter)").Row()
	if err := row.Scan(&maxIter); err != nil {
		return 0, apperr.NewStorageError("iterationCount", err)
	}
	if !maxIter.Valid {
		return 0, nil
	}
	return int(maxIter.Int64), nil
}

// SetIterationStatus appends a new row to the append-only iteration
// ledger. Rows are never updated or deleted; a status change is a new row.
func (s *Store) SetIterationStatus(repo string, issueNumber, prNumber *int, iter int, status models.IterationStatus) error {
	row := &models.Iteration{
		Repo:        repo,
		IssueNumber: issueNumber,
		PRNumber:    prNumber,
		Iter:        iter,
		Status:      status,
		UpdatedAt:   time.Now().UTC(),
	}
	err := s.db.Create(row).Error
	return apperr.NewStorageError("setIterationStatus", err)
}

// nullAwareEquals adds a WHERE clause for column matching v, where a nil v
// matches only NULL columns (the §4.A "NULL matches NULL" active-job rule).
func nullAwareEquals(q *gorm.DB, column string, v *int) *gorm.DB {
	if v == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *v)
}
