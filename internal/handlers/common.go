// Package handlers implements the Issue, Fix, and Review job handlers
// (SPEC_FULL.md §4.F) and the Iteration Governor embedded in the Fix
// handler (§4.G). All three share the workdir/mirror scaffolding and the
// "meaningful change" rule defined here, grounded on the reference
// implementation's job handler module and git-ops tool file.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/CREVIOS/agentloop/internal/agent"
	"github.com/CREVIOS/agentloop/internal/ghclient"
	"github.com/CREVIOS/agentloop/internal/gitops"
	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// Deps are the collaborators every handler needs: the store for iteration
// bookkeeping and follow-up enqueues, the hosting client, the agent runner,
// and the resolved configuration.
type Deps struct {
	Cfg   *models.Config
	Store *store.Store
	GH    *ghclient.Client
	Agent *agent.Runner
}

var closesPattern = regexp.MustCompile(`(?i)\bcloses\s+#(\d+)\b`)

// closesIssue scans text for a "Closes #<n>" token, case-insensitive.
func closesIssue(text string) *int {
	m := closesPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// splitRepo splits a "owner/name" full name into its parts.
func splitRepo(fullName string) (owner, name string) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return fullName, ""
	}
	return parts[0], parts[1]
}

// safeRepoDir turns a repo full name into a filesystem-safe directory
// component.
func safeRepoDir(fullName string) string {
	return strings.ReplaceAll(fullName, "/", "_")
}

func mirrorPath(cfg *models.Config, repo string) string {
	return fmt.Sprintf("%s/cache/%s.git", cfg.WorkdirRoot, safeRepoDir(repo))
}

func workdirPath(cfg *models.Config, repo string, jobID int64) string {
	return fmt.Sprintf("%s/%s/job-%d", cfg.WorkdirRoot, safeRepoDir(repo), jobID)
}

func cloneURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

// prepareWorkdir refreshes the shared bare mirror, clones a fresh working
// copy for this job from it, and mints an installation token scoped to the
// given role so both the working copy's push URL and the agent runner's
// environment can authenticate.
func prepareWorkdir(ctx context.Context, cfg *models.Config, gh *ghclient.Client, role models.AgentRole, repo string, jobID int64) (workdir, token string, err error) {
	owner, name := splitRepo(repo)
	token, err = gh.InstallationToken(ctx, role, owner, name)
	if err != nil {
		return "", "", fmt.Errorf("mint installation token: %w", err)
	}

	authed := gitops.AuthenticatedURL(cloneURL(repo), token)
	mirror := mirrorPath(cfg, repo)
	if err := gitops.EnsureMirror(ctx, authed, mirror); err != nil {
		return "", "", fmt.Errorf("ensure mirror: %w", err)
	}

	workdir = workdirPath(cfg, repo, jobID)
	if err := gitops.CloneFromMirror(ctx, mirror, workdir); err != nil {
		return "", "", fmt.Errorf("clone from mirror: %w", err)
	}
	if err := gitops.SetOrigin(ctx, workdir, authed); err != nil {
		return "", "", fmt.Errorf("set origin: %w", err)
	}
	return workdir, token, nil
}

// meaningfulChange reports whether git status --porcelain output contains
// any entry outside agent_notes/, per the glossary's "Meaningful change"
// definition.
func meaningfulChange(porcelain string) bool {
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if !strings.HasPrefix(path, "agent_notes/") {
			return true
		}
	}
	return false
}

// commitEnv builds the git author/committer environment for a job's working
// copy; push credentials come from the origin URL set in prepareWorkdir.
func commitEnv(cfg *models.Config, token string) []string {
	return gitops.Env(cfg.GitUserName, cfg.GitUserEmail, token)
}

// writeNote writes a file under <workdir>/agent_notes/, excluded from the
// "meaningful change" check by construction.
func writeNote(workdir, name, content string) error {
	dir := filepath.Join(workdir, "agent_notes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent_notes dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

// decodePayload parses a job's stored payload back into the generic event
// view the translator itself works over.
func decodePayload(job *models.Job) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return payload, nil
}

// payloadString reads a possibly-nested string field from the decoded
// payload, returning "" if absent.
func payloadString(payload map[string]any, path ...string) string {
	var cur any = payload
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[p]
	}
	s, _ := cur.(string)
	return s
}
