// Package translator maps inbound hosting-provider webhook events to queued
// jobs. Classification is pure except for the store lookups it needs to
// enforce dedup and iteration bookkeeping (reviewSeen/markReview,
// hasActiveJob, iterationCount, setIterationStatus).
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// Translator turns one decoded webhook event into at most one enqueued job.
type Translator struct {
	store       *store.Store
	retryLabels []string
}

// New builds a Translator backed by store, configured with the set of
// pull_request label names that should trigger a forced fix iteration.
func New(s *store.Store, retryLabels []string) *Translator {
	return &Translator{store: s, retryLabels: retryLabels}
}

// Handle classifies one event and enqueues the resulting job, if any. It
// returns the new job id, or nil if nothing was enqueued. payload is the
// raw decoded event body; it is re-encoded as JSON and stored on the Job
// row, after any mutation (agent_force_retry on the retry-label path) has
// been applied to it.
func (t *Translator) Handle(event string, payload map[string]any, deliveryID string) (*int64, error) {
	switch event {
	case "issues":
		return t.handleIssues(payload, deliveryID)
	case "pull_request":
		return t.handlePullRequest(payload, deliveryID)
	case "check_suite":
		return t.handleCheckSuite(payload, deliveryID)
	case "workflow_run":
		return t.handleWorkflowRun(payload, deliveryID)
	case "ci_completed":
		return t.handleCICompleted(payload, deliveryID)
	default:
		return nil, nil
	}
}

func (t *Translator) handleIssues(payload map[string]any, deliveryID string) (*int64, error) {
	action, _ := payload["action"].(string)
	if action != "opened" && action != "labeled" {
		return nil, nil
	}
	repo := repoFullName(payload)
	issue, _ := payload["issue"].(map[string]any)
	issueNumber := intField(issue, "number")
	if repo == "" || issueNumber == nil {
		return nil, nil
	}

	raw, err := encode(payload)
	if err != nil {
		return nil, err
	}
	id, err := t.store.Enqueue(models.JobKindIssue, raw, models.JobKeys{
		Repo:        repo,
		IssueNumber: issueNumber,
	}, 0, strPtr(deliveryID))
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (t *Translator) handlePullRequest(payload map[string]any, deliveryID string) (*int64, error) {
	action, _ := payload["action"].(string)
	if action != "labeled" {
		return nil, nil
	}
	label, _ := payload["label"].(map[string]any)
	labelName, _ := label["name"].(string)
	if !hasLabel(t.retryLabels, labelName) {
		return nil, nil
	}

	pr, _ := payload["pull_request"].(map[string]any)
	prNumber := intField(pr, "number")
	head, _ := pr["head"].(map[string]any)
	headSHA, _ := head["sha"].(string)
	repo := repoFullName(payload)
	if repo == "" || prNumber == nil || headSHA == "" {
		return nil, nil
	}

	active, err := t.store.HasActiveJob(models.JobKindFix, repo, prNumber, nil)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}

	count, err := t.store.IterationCount(repo, nil, prNumber)
	if err != nil {
		return nil, err
	}
	iter := count + 1
	if err := t.store.SetIterationStatus(repo, nil, prNumber, iter, models.IterationQueued); err != nil {
		return nil, err
	}

	payload["agent_force_retry"] = true
	raw, err := encode(payload)
	if err != nil {
		return nil, err
	}
	id, err := t.store.Enqueue(models.JobKindFix, raw, models.JobKeys{
		Repo:     repo,
		PRNumber: prNumber,
		HeadSHA:  headSHA,
	}, iter, strPtr(deliveryID))
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (t *Translator) handleCheckSuite(payload map[string]any, deliveryID string) (*int64, error) {
	action, _ := payload["action"].(string)
	if action != "completed" {
		return nil, nil
	}
	prs, _ := payload["pull_requests"].([]any)
	if len(prs) == 0 {
		return nil, nil
	}
	pr, _ := prs[0].(map[string]any)
	return t.enqueueReviewFromPR(payload, pr, deliveryID)
}

func (t *Translator) handleWorkflowRun(payload map[string]any, deliveryID string) (*int64, error) {
	action, _ := payload["action"].(string)
	if action != "completed" {
		return nil, nil
	}
	wfRun, _ := payload["workflow_run"].(map[string]any)
	prs, _ := wfRun["pull_requests"].([]any)
	if len(prs) == 0 {
		return nil, nil
	}
	pr, _ := prs[0].(map[string]any)
	return t.enqueueReviewFromPR(payload, pr, deliveryID)
}

func (t *Translator) enqueueReviewFromPR(payload, pr map[string]any, deliveryID string) (*int64, error) {
	prNumber := intField(pr, "number")
	headSHA := resolveHeadSHA(payload, pr)
	repo := repoFullName(payload)
	if repo == "" || prNumber == nil || headSHA == "" {
		return nil, nil
	}
	return t.enqueueReview(payload, repo, *prNumber, headSHA, deliveryID)
}

func (t *Translator) handleCICompleted(payload map[string]any, deliveryID string) (*int64, error) {
	repo := repoFullName(payload)
	if repo == "" {
		if r, ok := payload["repo"].(string); ok {
			repo = r
		}
	}
	prNumber := extractPRNumber(payload)
	headSHA := resolveHeadSHA(payload, nil)
	if repo == "" || prNumber == nil || headSHA == "" {
		return nil, nil
	}
	return t.enqueueReview(payload, repo, *prNumber, headSHA, deliveryID)
}

// enqueueReview is the shared review-job commit sequence: reviewSeen guards
// against a duplicate enqueue, and markReview is written only after the
// enqueue succeeds, so a crash between the two just means one redundant
// review next time rather than a lost one.
func (t *Translator) enqueueReview(payload map[string]any, repo string, prNumber int, headSHA, deliveryID string) (*int64, error) {
	seen, err := t.store.ReviewSeen(repo, prNumber, headSHA)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, nil
	}

	raw, err := encode(payload)
	if err != nil {
		return nil, err
	}
	pr := prNumber
	id, err := t.store.Enqueue(models.JobKindReview, raw, models.JobKeys{
		Repo:     repo,
		PRNumber: &pr,
		HeadSHA:  headSHA,
	}, 0, strPtr(deliveryID))
	if err != nil {
		return nil, err
	}
	if err := t.store.MarkReview(repo, prNumber, headSHA); err != nil {
		return nil, err
	}
	return &id, nil
}

func repoFullName(payload map[string]any) string {
	switch repo := payload["repository"].(type) {
	case string:
		return repo
	case map[string]any:
		if name, ok := repo["full_name"].(string); ok {
			return name
		}
	}
	return ""
}

// resolveHeadSHA walks the fallback chain in order: top-level head_sha/sha,
// top-level head.sha, pull_request.head.sha, workflow_run.head_sha,
// check_suite.head_sha, then pr.head.sha if pr was already resolved by the
// caller.
func resolveHeadSHA(payload map[string]any, pr map[string]any) string {
	if sha, ok := payload["head_sha"].(string); ok && sha != "" {
		return sha
	}
	if sha, ok := payload["sha"].(string); ok && sha != "" {
		return sha
	}
	if head, ok := payload["head"].(map[string]any); ok {
		if sha, ok := head["sha"].(string); ok && sha != "" {
			return sha
		}
	}
	if prField, ok := payload["pull_request"].(map[string]any); ok {
		if head, ok := prField["head"].(map[string]any); ok {
			if sha, ok := head["sha"].(string); ok && sha != "" {
				return sha
			}
		}
	}
	if wfRun, ok := payload["workflow_run"].(map[string]any); ok {
		if sha, ok := wfRun["head_sha"].(string); ok && sha != "" {
			return sha
		}
	}
	if cs, ok := payload["check_suite"].(map[string]any); ok {
		if sha, ok := cs["head_sha"].(string); ok && sha != "" {
			return sha
		}
	}
	if pr != nil {
		if head, ok := pr["head"].(map[string]any); ok {
			if sha, ok := head["sha"].(string); ok && sha != "" {
				return sha
			}
		}
	}
	return ""
}

// extractPRNumber mirrors the source's pr_number/pr fallback: prefer
// pull_request.number, then a top-level pr_number (itself possibly a
// nested {number} object), then a top-level pr field of the same shape.
func extractPRNumber(payload map[string]any) *int {
	if pr, ok := payload["pull_request"].(map[string]any); ok {
		if n := intField(pr, "number"); n != nil {
			return n
		}
	}
	if n := numericField(payload, "pr_number"); n != nil {
		return n
	}
	return numericField(payload, "pr")
}

// numericField reads payload[key], unwrapping a {"number": n} object if
// that's the shape present, and coerces the result to *int.
func numericField(payload map[string]any, key string) *int {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil
	}
	if nested, ok := v.(map[string]any); ok {
		return intField(nested, "number")
	}
	return toIntPtr(v)
}

func intField(obj map[string]any, key string) *int {
	if obj == nil {
		return nil
	}
	return toIntPtr(obj[key])
}

func toIntPtr(v any) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil
		}
		iv := int(i)
		return &iv
	default:
		return nil
	}
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func encode(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}
