// Package models holds the data shapes shared across the job pipeline:
// the persisted Job/Delivery/Iteration/ReviewKey rows, the process
// configuration, and the small result shapes the agent runner and hosting
// client hand back to job handlers.
package models

import "time"

// JobKind is a sum type over the three kinds of work the pipeline runs.
type JobKind string

const (
	JobKindIssue  JobKind = "issue"
	JobKindFix    JobKind = "fix"
	JobKindReview JobKind = "review"
)

// Valid reports whether k is one of the known job kinds. Loading a job with
// an unrecognized kind from storage is a corruption bug, not a runtime
// condition to tolerate silently.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindIssue, JobKindFix, JobKindReview:
		return true
	default:
		return false
	}
}

// Priority returns the dequeue priority for the kind: lower runs first.
func (k JobKind) Priority() int {
	switch k {
	case JobKindFix:
		return 0
	case JobKindReview:
		return 1
	case JobKindIssue:
		return 2
	default:
		return 99
	}
}

// JobStatus is a sum type over the strictly sequential job lifecycle.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// IterationStatus is a sum type over fix-iteration ledger rows.
type IterationStatus string

const (
	IterationQueued  IterationStatus = "queued"
	IterationRunning IterationStatus = "running"
	IterationDone    IterationStatus = "done"
	IterationBlocked IterationStatus = "blocked"
)

// Job is one row of the durable queue.
type Job struct {
	ID          int64     `gorm:"primarykey" db:"id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	Status      JobStatus `gorm:"index;not null" db:"status"`
	Kind        JobKind   `gorm:"index;not null" db:"kind"`
	Payload     string    `gorm:"type:text;not null" db:"payload"` // verbatim decoded event, as JSON
	Repo        string    `gorm:"index" db:"repo"`
	IssueNumber *int      `db:"issue_number"`
	PRNumber    *int      `gorm:"index" db:"pr_number"`
	HeadSHA     string    `db:"head_sha"`
	Iter        int       `gorm:"default:0" db:"iter"`
	DeliveryID  *string   `gorm:"index" db:"delivery_id"`
	Error       string    `gorm:"type:text" db:"error"`
}

func (Job) TableName() string { return "jobs" }

// Delivery records that an inbound event with this id has already been
// processed to completion; its presence alone is the dedup signal.
type Delivery struct {
	DeliveryID string    `gorm:"primarykey;column:delivery_id" db:"delivery_id"`
	ReceivedAt time.Time `db:"received_at"`
}

func (Delivery) TableName() string { return "deliveries" }

// ReviewKey records that a review has already been requested for this
// exact commit of this pull request, to suppress duplicate review jobs.
type ReviewKey struct {
	Repo      string    `gorm:"primaryKey;column:repo" db:"repo"`
	PRNumber  int       `gorm:"primaryKey;column:pr_number" db:"pr_number"`
	HeadSHA   string    `gorm:"primaryKey;column:head_sha" db:"head_sha"`
	CreatedAt time.Time `db:"created_at"`
}

func (ReviewKey) TableName() string { return "review_keys" }

// Iteration is one append-only row in the fix-cycle ledger. Rows are never
// updated or deleted; a new status is recorded as a new row.
type Iteration struct {
	ID          int64           `gorm:"primarykey" db:"id"`
	Repo        string          `gorm:"index" db:"repo"`
	IssueNumber *int            `db:"issue_number"`
	PRNumber    *int            `gorm:"index" db:"pr_number"`
	Iter        int             `db:"iter"`
	Status      IterationStatus `db:"status"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (Iteration) TableName() string { return "iterations" }

// JobKeys are the denormalized lookup keys carried on a Job row and used by
// hasActiveJob / iterationCount for matching.
type JobKeys struct {
	Repo        string
	IssueNumber *int
	PRNumber    *int
	HeadSHA     string
}

// Config is the fully-resolved process configuration, loaded once at
// startup from the environment (see internal/config).
type Config struct {
	DatabasePath string
	ArtifactsDir string
	WorkdirRoot  string

	CodeAppID                 int64
	CodeAppPrivateKeyPath     string
	CodeWebhookSecret         string
	ReviewerAppID             int64
	ReviewerAppPrivateKeyPath string
	ReviewerWebhookSecret     string

	OpenRouterAPIKey string
	OpenRouterModel  string

	GitHubAPIBase    string
	GitHubAPIVersion string
	GitUserName      string
	GitUserEmail     string

	AgentCLIPath            string
	AgentMaxSteps           int
	AgentMaxIters           int
	AgentRetryLabels        []string
	AgentAllowShell         bool
	AgentToolTimeoutSec     int
	AgentMaxToolOutputChars int

	RateLimitMaxTokens  int
	RateLimitRefillSec  int
	RetryMaxAttempts    int
	RetryInitialDelayMS int
	RetryMaxDelayMS     int

	CacheEnabled bool
	CacheMaxSize int
	CacheTTLMin  int

	CircuitBreakerThreshold   int
	CircuitBreakerCooldownSec int

	MirrorRetentionDays   int
	WorkdirRetentionHours int

	Port      string
	LogLevel  string
	LogFormat string
}

// HasRetryLabel reports whether label is configured as a retry label.
func (c *Config) HasRetryLabel(label string) bool {
	for _, l := range c.AgentRetryLabels {
		if l == label {
			return true
		}
	}
	return false
}

// AgentRole selects which configured GitHub App identity a job handler
// authenticates as: the coding agent's app, or the reviewing agent's app.
type AgentRole string

const (
	RoleCode     AgentRole = "code"
	RoleReviewer AgentRole = "reviewer"
)

// RoleForKind returns which App identity a job of this kind authenticates
// as: issue/fix jobs write code, review jobs only read and comment.
func RoleForKind(k JobKind) AgentRole {
	if k == JobKindReview {
		return RoleReviewer
	}
	return RoleCode
}

// AgentCodeResult is what the coding-agent runner hands back to the Issue
// and Fix handlers.
type AgentCodeResult struct {
	Summary     string
	TestsRan    string
	MaxStepsHit bool
}

// Decision is the reviewer-agent's sum type over outcomes.
type Decision string

const (
	DecisionOK  Decision = "ok"
	DecisionFix Decision = "fix"
)

// CIStatus mirrors the hosting provider's combined-status/check-run outcome
// as reported back by the reviewer agent.
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIPassed  CIStatus = "passed"
	CIOK      CIStatus = "ok"
	CIFailed  CIStatus = "failed"
	CIError   CIStatus = "error"
	CIUnknown CIStatus = "unknown"
)

func (c CIStatus) Green() bool {
	return c == CISuccess || c == CIPassed || c == CIOK
}

func (c CIStatus) Red() bool {
	return c == CIFailed || c == CIError
}

// Finding is one reviewer-reported issue in the diff.
type Finding struct {
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body"`
}

// AgentReviewResult is what the reviewer-agent runner hands back to the
// Review handler.
type AgentReviewResult struct {
	Decision Decision
	Summary  string
	Findings []Finding
	CI       CIStatus
}
