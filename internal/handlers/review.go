package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/artifact"
	"github.com/CREVIOS/agentloop/internal/ghclient"
	"github.com/CREVIOS/agentloop/internal/gitops"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// HandleReview implements the Review handler (SPEC_FULL.md §4.F): it runs
// the reviewing agent against the PR's head commit, posts a formatted
// comment, attempts an API review submission, and — if the (possibly
// CI-promoted) decision is not ok — chains a fix job.
func HandleReview(ctx context.Context, deps *Deps, job *models.Job, jobLog *artifact.JobLogger) error {
	repo := job.Repo
	prNumber := job.PRNumber
	if repo == "" || prNumber == nil {
		return fmt.Errorf("review job %d: missing repo or pr_number", job.ID)
	}
	owner, name := splitRepo(repo)
	jobLog.Event("review", "review job received", map[string]any{"repo": repo, "pr": *prNumber})

	pr, err := deps.GH.GetPullRequest(ctx, models.RoleReviewer, owner, name, *prNumber)
	if err != nil {
		return err
	}
	headSHA := pr.GetHead().GetSHA()
	if headSHA == "" {
		headSHA = job.HeadSHA
	}

	workdir, token, err := prepareWorkdir(ctx, deps.Cfg, deps.GH, models.RoleReviewer, repo, job.ID)
	if err != nil {
		return err
	}
	jobLog.Event("tool", "git.checkout", map[string]any{"sha": headSHA})
	if err := gitops.Checkout(ctx, workdir, headSHA); err != nil {
		return err
	}

	prompt := buildReviewPrompt(pr.GetNumber(), pr.GetTitle(), pr.GetBody())
	result, err := deps.Agent.RunReview(ctx, workdir, token, prompt)
	if err != nil {
		return err
	}

	decision := result.Decision
	if decision == models.DecisionOK && result.CI.Red() {
		decision = models.DecisionFix
	}
	jobLog.Event("agent", "review agent finished", map[string]any{
		"decision": decision, "raw_decision": result.Decision, "ci": result.CI,
	})

	comment := formatReviewComment(decision, result)
	jobLog.Section("Reviewer Output", comment)
	if err := deps.GH.CreateComment(ctx, models.RoleReviewer, owner, name, *prNumber, comment); err != nil {
		return err
	}

	submitReviewDecision(ctx, deps.GH, owner, name, *prNumber, decision, result.CI, comment, jobLog)

	if decision == models.DecisionOK {
		return nil
	}
	return chainFixJob(deps, repo, *prNumber, headSHA, jobLog)
}

func buildReviewPrompt(prNumber int, title, body string) string {
	return fmt.Sprintf("Review pull request #%d.\n\nTitle: %s\n\n%s", prNumber, title, body)
}

// formatReviewComment renders decision/summary/CI/findings the way the
// reference implementation's review formatter renders inline findings:
// a short header block followed by one bullet per finding.
func formatReviewComment(decision models.Decision, result *models.AgentReviewResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DECISION: %s\n", decision)
	fmt.Fprintf(&sb, "REASON: %s\n", fallback(result.Summary, "No summary provided."))
	fmt.Fprintf(&sb, "CI: %s\n", result.CI)

	if len(result.Findings) == 0 {
		return sb.String()
	}
	sb.WriteString("\nFINDINGS:\n")
	for _, f := range result.Findings {
		location := "-"
		if f.Path != "" {
			if f.Line > 0 {
				location = fmt.Sprintf("%s:%d", f.Path, f.Line)
			} else {
				location = f.Path
			}
		}
		severity := fallback(f.Severity, "info")
		sb.WriteString(fmt.Sprintf("- severity: %s\n  file: %s\n  note: %s\n", severity, location, f.Body))
	}
	return sb.String()
}

// submitReviewDecision attempts the API review-submission call. Failures
// here are logged, never returned — the comment already posted is the
// authoritative signal per §7.
func submitReviewDecision(ctx context.Context, gh *ghclient.Client, owner, name string, prNumber int, decision models.Decision, ci models.CIStatus, body string, jobLog *artifact.JobLogger) {
	var event ghclient.ReviewEvent
	switch {
	case decision == models.DecisionOK && ci.Green():
		event = ghclient.ReviewApprove
	case decision != models.DecisionOK:
		event = ghclient.ReviewRequestChanges
	default:
		return
	}
	if err := gh.SubmitReview(ctx, models.RoleReviewer, owner, name, prNumber, event, body); err != nil {
		log.Warn().Str("repo", owner+"/"+name).Int("pr", prNumber).Err(err).Msg("review submission failed, comment already posted")
		jobLog.Event("error", "review submission failed", map[string]any{"error": err.Error()})
	}
}

// chainFixJob enqueues a fix job for this PR unless one is already active,
// mirroring the translator's retry-label path but without a delivery id or
// a forced-retry override — the cap still applies on the next iteration.
func chainFixJob(deps *Deps, repo string, prNumber int, headSHA string, jobLog *artifact.JobLogger) error {
	active, err := deps.Store.HasActiveJob(models.JobKindFix, repo, &prNumber, nil)
	if err != nil {
		return err
	}
	if active {
		jobLog.Event("info", "fix already active, not chaining", map[string]any{"pr": prNumber})
		return nil
	}

	iter, err := deps.Store.IterationCount(repo, nil, &prNumber)
	if err != nil {
		return err
	}
	iter++
	if err := deps.Store.SetIterationStatus(repo, nil, &prNumber, iter, models.IterationQueued); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"source":    "review",
		"repository": map[string]any{"full_name": repo},
		"pull_request": map[string]any{
			"number": prNumber,
			"head":   map[string]any{"sha": headSHA},
		},
	})
	_, err = deps.Store.Enqueue(models.JobKindFix, string(payload), models.JobKeys{
		Repo: repo, PRNumber: &prNumber, HeadSHA: headSHA,
	}, iter, nil)
	if err != nil {
		return err
	}
	jobLog.Event("job", "chained fix job enqueued", map[string]any{"pr": prNumber, "iter": iter})
	return nil
}
