package handlers

import (
	"context"
	"fmt"

	"github.com/CREVIOS/agentloop/internal/apperr"
	"github.com/CREVIOS/agentloop/internal/artifact"
	"github.com/CREVIOS/agentloop/internal/gitops"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// HandleFix implements the Fix handler and the embedded Iteration Governor
// (SPEC_FULL.md §4.F/§4.G): it enforces the fix-cycle cap, runs the coding
// agent against the PR's head branch, and pushes a new commit back onto it.
func HandleFix(ctx context.Context, deps *Deps, job *models.Job, jobLog *artifact.JobLogger) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	repo := job.Repo
	prNumber := job.PRNumber
	if repo == "" || prNumber == nil {
		return fmt.Errorf("fix job %d: missing repo or pr_number", job.ID)
	}
	owner, name := splitRepo(repo)

	iter := job.Iter
	if iter <= 0 {
		count, err := deps.Store.IterationCount(repo, nil, prNumber)
		if err != nil {
			return err
		}
		iter = count + 1
	}

	forceRetry, _ := payload["agent_force_retry"].(bool)
	if iter > deps.Cfg.AgentMaxIters && !forceRetry {
		if err := deps.Store.SetIterationStatus(repo, nil, prNumber, iter, models.IterationBlocked); err != nil {
			return err
		}
		msg := fmt.Sprintf("Fix iteration cap (%d) reached. Add a retry label to this PR to force another cycle.", deps.Cfg.AgentMaxIters)
		if cerr := deps.GH.CreateComment(ctx, models.RoleCode, owner, name, *prNumber, msg); cerr != nil {
			jobLog.Event("error", "failed to post cap-reached comment", map[string]any{"error": cerr.Error()})
		}
		return apperr.ErrMaxIterationsReached
	}
	if err := deps.Store.SetIterationStatus(repo, nil, prNumber, iter, models.IterationRunning); err != nil {
		return err
	}
	jobLog.Event("fix", "fix job received", map[string]any{"repo": repo, "pr": *prNumber, "iter": iter})

	pr, err := deps.GH.GetPullRequest(ctx, models.RoleCode, owner, name, *prNumber)
	if err != nil {
		return err
	}
	headBranch := pr.GetHead().GetRef()

	workdir, token, err := prepareWorkdir(ctx, deps.Cfg, deps.GH, models.RoleCode, repo, job.ID)
	if err != nil {
		return err
	}
	jobLog.Event("tool", "git.checkout", map[string]any{"branch": headBranch})
	if err := gitops.Checkout(ctx, workdir, headBranch); err != nil {
		return err
	}

	title, body := pr.GetTitle(), pr.GetBody()
	prompt := buildFixPrompt(pr.GetNumber(), title, body)
	if issueNumber := closesIssue(body); issueNumber != nil {
		if issue, ierr := deps.GH.GetIssue(ctx, models.RoleCode, owner, name, *issueNumber); ierr == nil {
			prompt = buildIssuePrompt(issue.GetTitle(), issue.GetBody())
		}
	}

	result, err := deps.Agent.RunCode(ctx, workdir, token, prompt)
	if err != nil {
		return err
	}
	jobLog.Event("agent", "fix agent finished", map[string]any{"max_steps_hit": result.MaxStepsHit})

	porcelain, err := gitops.StatusPorcelain(ctx, workdir)
	if err != nil {
		return err
	}
	if !meaningfulChange(porcelain) {
		jobLog.Event("info", "no_changes", nil)
		if err := deps.Store.SetIterationStatus(repo, nil, prNumber, iter, models.IterationDone); err != nil {
			return err
		}
		return deps.GH.CreateComment(ctx, models.RoleCode, owner, name, *prNumber,
			fmt.Sprintf("Fix iteration %d did not produce any changes.", iter))
	}

	env := commitEnv(deps.Cfg, token)
	commitMsg := fmt.Sprintf("Agent: Fix PR #%d", *prNumber)
	jobLog.Event("tool", "git.commit", map[string]any{"message": commitMsg})
	if err := gitops.AddAllAndCommit(ctx, workdir, commitMsg, env); err != nil {
		return err
	}
	jobLog.Event("tool", "git.push", map[string]any{"branch": headBranch})
	if err := gitops.PushBranch(ctx, workdir, headBranch, env); err != nil {
		return err
	}

	comment := fmt.Sprintf("## Fix iteration %d\n\n%s", iter, fallback(result.Summary, "Applied automated fixes."))
	jobLog.Section("Agent Output (Fix)", comment)
	if err := deps.GH.CreateComment(ctx, models.RoleCode, owner, name, *prNumber, comment); err != nil {
		jobLog.Event("error", "failed to post fix comment", map[string]any{"error": err.Error()})
	}

	return deps.Store.SetIterationStatus(repo, nil, prNumber, iter, models.IterationDone)
}

func buildFixPrompt(prNumber int, title, body string) string {
	return fmt.Sprintf("Apply a fix cycle to pull request #%d.\n\nTitle: %s\n\n%s", prNumber, title, body)
}
