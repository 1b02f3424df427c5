package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/artifact"
	"github.com/CREVIOS/agentloop/internal/gitops"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// HandleIssue implements the Issue handler (SPEC_FULL.md §4.F): it opens a
// branch from the default branch, runs the coding agent, and — only if a
// meaningful change resulted — pushes and opens a pull request referencing
// the originating issue.
func HandleIssue(ctx context.Context, deps *Deps, job *models.Job, jobLog *artifact.JobLogger) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	repo := job.Repo
	issueNumber := job.IssueNumber
	if repo == "" || issueNumber == nil {
		return fmt.Errorf("issue job %d: missing repo or issue_number", job.ID)
	}

	owner, name := splitRepo(repo)
	jobLog.Event("issue", "issue job received", map[string]any{"repo": repo, "issue": *issueNumber})

	issue, err := deps.GH.GetIssue(ctx, models.RoleCode, owner, name, *issueNumber)
	if err != nil {
		return err
	}
	title := issue.GetTitle()
	body := issue.GetBody()
	defaultBranch := payloadString(payload, "repository", "default_branch")
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	jobLog.Section("Input (Issue)", fmt.Sprintf("Title: %s\n\n%s", title, body))

	workdir, token, err := prepareWorkdir(ctx, deps.Cfg, deps.GH, models.RoleCode, repo, job.ID)
	if err != nil {
		return err
	}

	branch := fmt.Sprintf("agent/issue-%d-%d", *issueNumber, job.ID)
	jobLog.Event("tool", "git.create_branch", map[string]any{"branch": branch})
	if err := gitops.CreateBranch(ctx, workdir, branch); err != nil {
		return err
	}

	if err := writeIssueNotes(workdir, *issueNumber, title, body); err != nil {
		return err
	}

	prompt := buildIssuePrompt(title, body)
	result, err := deps.Agent.RunCode(ctx, workdir, token, prompt)
	if err != nil {
		return err
	}
	jobLog.Event("agent", "code agent finished", map[string]any{"max_steps_hit": result.MaxStepsHit})

	porcelain, err := gitops.StatusPorcelain(ctx, workdir)
	if err != nil {
		return err
	}
	if !meaningfulChange(porcelain) {
		jobLog.Event("info", "no_changes", nil)
		return deps.GH.CreateComment(ctx, models.RoleCode, owner, name, *issueNumber,
			"Code Agent did not produce any changes for this issue.")
	}

	commitMsg := fmt.Sprintf("Agent: %s", fallback(title, fmt.Sprintf("Issue #%d", *issueNumber)))
	env := commitEnv(deps.Cfg, token)
	jobLog.Event("tool", "git.commit", map[string]any{"message": commitMsg})
	if err := gitops.AddAllAndCommit(ctx, workdir, commitMsg, env); err != nil {
		return err
	}
	jobLog.Event("tool", "git.push", map[string]any{"branch": branch})
	if err := gitops.PushBranch(ctx, workdir, branch, env); err != nil {
		return err
	}

	prBody := buildIssuePRBody(*issueNumber, result)
	jobLog.Section("Agent Output (PR)", prBody)
	pr, err := deps.GH.CreatePR(ctx, models.RoleCode, owner, name, commitMsg, branch, defaultBranch, prBody)
	if err != nil {
		return err
	}
	jobLog.Event("github", "pr.created", map[string]any{"url": pr.GetHTMLURL(), "branch": branch})

	comment := "Created PR."
	if url := pr.GetHTMLURL(); url != "" {
		comment = "Created PR: " + url
	}
	if err := deps.GH.CreateComment(ctx, models.RoleCode, owner, name, *issueNumber, comment); err != nil {
		log.Warn().Int64("job_id", job.ID).Err(err).Msg("failed to post issue comment after PR creation")
	}
	return nil
}

func writeIssueNotes(workdir string, issueNumber int, title, body string) error {
	return writeNote(workdir, fmt.Sprintf("issue-%d.md", issueNumber),
		fmt.Sprintf("# Issue #%d\n\nTitle: %s\n\n%s\n", issueNumber, title, body))
}

func buildIssuePrompt(title, body string) string {
	return fmt.Sprintf("Resolve the following issue by making the necessary code changes.\n\nTitle: %s\n\n%s", title, body)
}

func buildIssuePRBody(issueNumber int, result *models.AgentCodeResult) string {
	summary := fallback(result.Summary, "Automated change generated by the coding agent")
	tests := fallback(result.TestsRan, "Not run locally (CI runs in the hosting provider's pipeline)")
	return fmt.Sprintf("Closes #%d\n\n## Summary\n- %s\n\n## Testing\n- %s\n", issueNumber, summary, tests)
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
