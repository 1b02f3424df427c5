// Package agent is the Agent Runner (SPEC_FULL.md §4.I): it invokes the
// coding/reviewing language-model agent as a subprocess and parses its final
// output into the result shapes job handlers consume. The subprocess itself
// — its tool loop, its own LLM calls — is an external collaborator; this
// package only knows how to launch it, feed it credentials through its
// environment, and read back one JSON object.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/apperr"
	"github.com/CREVIOS/agentloop/internal/cache"
	"github.com/CREVIOS/agentloop/internal/circuitbreaker"
	"github.com/CREVIOS/agentloop/internal/ratelimit"
	"github.com/CREVIOS/agentloop/internal/retry"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// Runner wraps the configured agent CLI binary with the same resilience
// stack the teacher wraps its Claude Code CLI client with: retry, a token
// bucket bounding concurrent subprocess invocations, a circuit breaker, and
// a prompt-keyed response cache.
type Runner struct {
	cliPath             string
	apiKey              string
	model               string
	maxSteps            int
	allowShell          bool
	toolTimeoutSec      int
	maxToolOutputChars  int
	retrier             *retry.Retrier
	limiter             *ratelimit.Limiter
	breaker             *circuitbreaker.CircuitBreaker
	promptCache         *cache.PromptCache
	cacheEnabled        bool
}

// New builds a Runner from the resolved process configuration.
func New(cfg *models.Config) *Runner {
	r := &Runner{
		cliPath:            cfg.AgentCLIPath,
		apiKey:             cfg.OpenRouterAPIKey,
		model:              cfg.OpenRouterModel,
		maxSteps:           cfg.AgentMaxSteps,
		allowShell:         cfg.AgentAllowShell,
		toolTimeoutSec:     cfg.AgentToolTimeoutSec,
		maxToolOutputChars: cfg.AgentMaxToolOutputChars,
		retrier: retry.New(retryConfig(cfg)),
		limiter: ratelimit.NewLimiter(cfg.RateLimitMaxTokens, secDuration(cfg.RateLimitRefillSec)),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "agent-runner",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			Timeout:          secDuration(cfg.CircuitBreakerCooldownSec),
		}),
		cacheEnabled: cfg.CacheEnabled,
	}
	if cfg.CacheEnabled {
		r.promptCache = cache.NewPromptCache(cache.Config{
			MaxSize: cfg.CacheMaxSize,
			TTL:     minDuration(cfg.CacheTTLMin),
		})
	}
	return r
}

// codeFinal is the subprocess's terminal JSON object for an issue/fix job.
type codeFinal struct {
	Summary     string `json:"summary"`
	Tests       string `json:"tests"`
	MaxStepsHit bool   `json:"max_steps_hit"`
}

// reviewFinal is the subprocess's terminal JSON object for a review job.
type reviewFinal struct {
	Decision models.Decision `json:"decision"`
	Summary  string          `json:"summary"`
	Findings []models.Finding `json:"findings"`
	CI       models.CIStatus `json:"ci"`
}

// RunCode invokes the coding agent against workdir and returns its summary.
func (r *Runner) RunCode(ctx context.Context, workdir, installationToken, prompt string) (*models.AgentCodeResult, error) {
	raw, err := r.invoke(ctx, workdir, installationToken, "code", prompt)
	if err != nil {
		return nil, apperr.NewUpstreamError("agent", err)
	}
	var final codeFinal
	if err := json.Unmarshal([]byte(raw), &final); err != nil {
		return nil, apperr.NewUpstreamError("agent", fmt.Errorf("parse coding agent output: %w", err))
	}
	return &models.AgentCodeResult{
		Summary:     final.Summary,
		TestsRan:    final.Tests,
		MaxStepsHit: final.MaxStepsHit,
	}, nil
}

// RunReview invokes the reviewing agent against workdir and returns its
// decision.
func (r *Runner) RunReview(ctx context.Context, workdir, installationToken, prompt string) (*models.AgentReviewResult, error) {
	raw, err := r.invoke(ctx, workdir, installationToken, "review", prompt)
	if err != nil {
		return nil, apperr.NewUpstreamError("agent", err)
	}
	var final reviewFinal
	if err := json.Unmarshal([]byte(raw), &final); err != nil {
		return nil, apperr.NewUpstreamError("agent", fmt.Errorf("parse reviewing agent output: %w", err))
	}
	if final.CI == "" {
		final.CI = models.CIUnknown
	}
	return &models.AgentReviewResult{
		Decision: final.Decision,
		Summary:  final.Summary,
		Findings: final.Findings,
		CI:       final.CI,
	}, nil
}

// invoke runs the resilience stack around one subprocess execution: rate
// limit first (the CLI process itself is the scarce resource), then retry
// wraps the circuit breaker wraps the actual exec.
func (r *Runner) invoke(ctx context.Context, workdir, installationToken, mode, prompt string) (string, error) {
	if r.cacheEnabled && r.promptCache != nil {
		key := mode + "\x00" + prompt
		if cached, ok := r.promptCache.Get(key); ok {
			log.Debug().Str("mode", mode).Msg("agent runner cache hit")
			return cached, nil
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	defer r.limiter.Release()

	var out string
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.breaker.Execute(func() error {
			var execErr error
			out, execErr = r.exec(ctx, workdir, installationToken, mode, prompt)
			return execErr
		})
	})
	if err != nil {
		return "", err
	}

	if r.cacheEnabled && r.promptCache != nil {
		r.promptCache.Set(mode+"\x00"+prompt, out)
	}
	return out, nil
}

// exec launches the configured CLI binary in non-interactive/print mode,
// with the working directory set to the job's repository clone and
// credentials passed through its environment rather than as argv, so they
// never appear in a process listing or an artifact log.
func (r *Runner) exec(ctx context.Context, workdir, installationToken, mode, prompt string) (string, error) {
	args := []string{
		"--print",
		"--mode", mode,
		"--max-steps", strconv.Itoa(r.maxSteps),
		"--tool-timeout-sec", strconv.Itoa(r.toolTimeoutSec),
		"--max-tool-output-chars", strconv.Itoa(r.maxToolOutputChars),
	}
	if r.allowShell {
		args = append(args, "--allow-shell")
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, r.cliPath, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"OPENROUTER_API_KEY="+r.apiKey,
		"OPENROUTER_MODEL="+r.model,
		"GITHUB_INSTALLATION_TOKEN="+installationToken,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("cli", r.cliPath).Str("mode", mode).Str("workdir", workdir).Msg("invoking agent runner")

	if err := cmd.Run(); err != nil {
		stderrStr := stderr.String()
		if containsAny(stderrStr, "429", "rate limit", "too many requests", "overloaded") {
			return "", fmt.Errorf("%w: %s", retry.ErrRateLimited, stderrStr)
		}
		if containsAny(stderrStr, "500", "502", "503", "504") {
			return "", fmt.Errorf("%w: %s", retry.ErrServerError, stderrStr)
		}
		return "", fmt.Errorf("agent runner exited: %w, stderr: %s", err, stderrStr)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// retryConfig carries the resolved config's retry knobs over the library's
// own defaults for backoff shape (multiplier, jitter), which the spec does
// not expose as separate environment variables.
func retryConfig(cfg *models.Config) retry.Config {
	c := retry.DefaultConfig()
	c.MaxRetries = cfg.RetryMaxAttempts
	c.InitialDelay = msDuration(cfg.RetryInitialDelayMS)
	c.MaxDelay = msDuration(cfg.RetryMaxDelayMS)
	return c
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func secDuration(s int) time.Duration { return time.Duration(s) * time.Second }
func minDuration(m int) time.Duration { return time.Duration(m) * time.Minute }

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
