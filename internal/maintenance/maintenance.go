// Package maintenance is the periodic filesystem GC (SPEC_FULL.md §4.K): a
// cron schedule that prunes idle bare mirrors and finished jobs' working
// clones. It only ever touches <workdir_root>; the Job Store's rows are
// never deleted, mirroring the teacher's separation of the durable ledger
// from disposable scratch state.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// schedule runs the sweep once an hour; retention windows are configured
// in days/hours, not the sweep's own cadence.
const schedule = "@hourly"

// Sweeper owns the cron job. Start returns the running *cron.Cron so the
// caller can Stop it on shutdown.
type Sweeper struct {
	cfg *models.Config
	st  *store.Store
}

// New builds a Sweeper over the configured workdir root and job store.
func New(cfg *models.Config, st *store.Store) *Sweeper {
	return &Sweeper{cfg: cfg, st: st}
}

// Start schedules the sweep and returns the cron runner.
func (s *Sweeper) Start() *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc(schedule, s.runOnce)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule maintenance sweep")
		return c
	}
	c.Start()
	log.Info().Str("schedule", schedule).Msg("maintenance sweep scheduled")
	return c
}

func (s *Sweeper) runOnce() {
	if err := s.pruneMirrors(); err != nil {
		log.Error().Err(err).Msg("mirror prune failed")
	}
	if err := s.pruneWorkdirs(); err != nil {
		log.Error().Err(err).Msg("workdir prune failed")
	}
}

// pruneMirrors removes bare mirrors under <workdir_root>/cache/ whose
// modification time is older than MirrorRetentionDays.
func (s *Sweeper) pruneMirrors() error {
	cacheDir := filepath.Join(s.cfg.WorkdirRoot, "cache")
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.MirrorRetentionDays) * 24 * time.Hour)
	for _, e := range entries {
		path := filepath.Join(cacheDir, e.Name())
		info, err := e.Info()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("stat failed during mirror prune")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove stale mirror")
			continue
		}
		log.Info().Str("path", path).Msg("pruned stale mirror")
	}
	return nil
}

// pruneWorkdirs removes per-job working clones for jobs whose terminal
// status is done or failed and whose updated_at predates
// WorkdirRetentionHours. The Job Store row itself is untouched.
func (s *Sweeper) pruneWorkdirs() error {
	cutoff := time.Now().Add(-time.Duration(s.cfg.WorkdirRetentionHours) * time.Hour)

	for _, status := range []models.JobStatus{models.JobStatusDone, models.JobStatusFailed} {
		jobs, err := s.st.ListJobs(string(status))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.UpdatedAt.After(cutoff) {
				continue
			}
			dir := filepath.Join(s.cfg.WorkdirRoot, safeRepoDir(job.Repo), fmt.Sprintf("job-%d", job.ID))
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to remove stale workdir")
				continue
			}
			log.Info().Int64("job_id", job.ID).Str("dir", dir).Msg("pruned stale workdir")
		}
	}
	return nil
}

func safeRepoDir(fullName string) string {
	return strings.ReplaceAll(fullName, "/", "_")
}
