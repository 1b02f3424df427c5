// Package artifact is the Artifact Logger (SPEC_FULL.md §4.D): a per-job
// append-only event log (JSONL) and human transcript (Markdown). Writers
// are single-writer-per-job; failures are logged but never abort the job,
// following the reference implementation's "best-effort, never fatal"
// treatment of its own audit trail.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// JobLogger owns the two per-job artifact streams for one job id.
type JobLogger struct {
	jobID      int64
	dir        string
	eventsFile *os.File
	transcript *os.File
}

// Open creates <artifactsDir>/job-<id>/ and its two streams, appending if
// they already exist (a worker restart mid-job should not clobber history).
func Open(artifactsDir string, jobID int64) (*JobLogger, error) {
	dir := filepath.Join(artifactsDir, fmt.Sprintf("job-%d", jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	events, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events.jsonl: %w", err)
	}
	transcript, err := os.OpenFile(filepath.Join(dir, "transcript.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open transcript.md: %w", err)
	}

	return &JobLogger{jobID: jobID, dir: dir, eventsFile: events, transcript: transcript}, nil
}

// event is one line of the JSONL event stream.
type event struct {
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Event appends one structured event. A write failure is logged via the
// process-wide structured logger but never returned — per §4.D, artifact
// logging failures must not abort the job.
func (l *JobLogger) Event(kind, message string, data any) {
	e := event{TS: time.Now().UTC(), Kind: kind, Message: message, Data: data}
	line, err := json.Marshal(e)
	if err != nil {
		log.Warn().Int64("job_id", l.jobID).Err(err).Msg("artifact: failed to encode event")
		return
	}
	line = append(line, '\n')
	if _, err := l.eventsFile.Write(line); err != nil {
		log.Warn().Int64("job_id", l.jobID).Err(err).Msg("artifact: failed to write event")
		return
	}
	_ = l.eventsFile.Sync()
}

// Section appends a titled Markdown section to the human transcript.
func (l *JobLogger) Section(title, body string) {
	text := fmt.Sprintf("## %s\n\n%s\n\n", title, body)
	if _, err := l.transcript.WriteString(text); err != nil {
		log.Warn().Int64("job_id", l.jobID).Err(err).Msg("artifact: failed to write transcript section")
		return
	}
	_ = l.transcript.Sync()
}

// Dir returns the job's artifact directory, for handlers that want to
// point agent-runner output at it directly.
func (l *JobLogger) Dir() string { return l.dir }

// Close releases both file handles.
func (l *JobLogger) Close() error {
	err1 := l.eventsFile.Close()
	err2 := l.transcript.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
