// Package worker is the single-consumer worker loop (SPEC_FULL.md §4.E):
// it polls the Job Store for the next queued job, dispatches it to the
// matching handler, and records the terminal status. A second goroutine
// runs the cron-scheduled maintenance sweep alongside it.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/agent"
	"github.com/CREVIOS/agentloop/internal/apperr"
	"github.com/CREVIOS/agentloop/internal/artifact"
	"github.com/CREVIOS/agentloop/internal/ghclient"
	"github.com/CREVIOS/agentloop/internal/handlers"
	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// pollInterval is how long the loop sleeps after finding an empty queue.
const pollInterval = time.Second

// Worker owns the poll loop and the collaborators every job handler needs.
type Worker struct {
	cfg  *models.Config
	st   *store.Store
	deps *handlers.Deps
}

// New builds a Worker from an already-migrated Store and the resolved
// configuration, constructing the hosting client and agent runner it hands
// to every job handler.
func New(cfg *models.Config, st *store.Store) (*Worker, error) {
	gh, err := ghclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg: cfg,
		st:  st,
		deps: &handlers.Deps{
			Cfg:   cfg,
			Store: st,
			GH:    gh,
			Agent: agent.New(cfg),
		},
	}, nil
}

// Run reconciles stale running jobs from a prior crash, then polls the
// queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	reset, err := w.st.ResetStaleRunning("worker restarted mid-job")
	if err != nil {
		return err
	}
	if reset > 0 {
		log.Warn().Int64("count", reset).Msg("reset stale running jobs on startup")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.st.FetchNext()
		if err != nil {
			log.Error().Err(err).Msg("fetch next job failed")
			sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, pollInterval)
			continue
		}

		w.runJob(ctx, job)
	}
}

// runJob transitions job to running, dispatches it by kind, and records
// the terminal status. A handler error fails the job; it never panics the
// loop.
func (w *Worker) runJob(ctx context.Context, job *models.Job) {
	logger := log.With().Int64("job_id", job.ID).Str("kind", string(job.Kind)).Str("repo", job.Repo).Logger()

	if err := w.st.SetStatus(job.ID, models.JobStatusRunning, ""); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}

	jobLog, err := artifact.Open(w.cfg.ArtifactsDir, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open artifact logger")
		_ = w.st.SetStatus(job.ID, models.JobStatusFailed, err.Error())
		return
	}
	defer jobLog.Close()

	jobLog.Event("job_start", "job started", map[string]any{"kind": job.Kind, "repo": job.Repo})
	logger.Info().Msg("job started")

	runErr := w.dispatch(ctx, job, jobLog)

	if runErr != nil {
		jobLog.Event("job_failed", "job failed", map[string]any{"error": runErr.Error()})
		logger.Error().Err(runErr).Msg("job failed")
		if err := w.st.SetStatus(job.ID, models.JobStatusFailed, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return
	}

	jobLog.Event("job_done", "job finished", nil)
	logger.Info().Msg("job done")
	if err := w.st.SetStatus(job.ID, models.JobStatusDone, ""); err != nil {
		logger.Error().Err(err).Msg("failed to mark job done")
	}
}

// dispatch routes job to its handler by kind. An unknown kind is a
// corruption bug surfaced as an error, not tolerated silently.
func (w *Worker) dispatch(ctx context.Context, job *models.Job, jobLog *artifact.JobLogger) error {
	switch job.Kind {
	case models.JobKindIssue:
		return handlers.HandleIssue(ctx, w.deps, job, jobLog)
	case models.JobKindFix:
		return handlers.HandleFix(ctx, w.deps, job, jobLog)
	case models.JobKindReview:
		return handlers.HandleReview(ctx, w.deps, job, jobLog)
	default:
		return fmt.Errorf("%w: %s", apperr.ErrUnknownJobKind, job.Kind)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
