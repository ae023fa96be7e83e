// Package progress implements per-run progress reporting: an append-only log
// kept by the run store, and a best-effort live fan-out keyed by run id.
// Catch-up and live delivery both read from the store, so it stays the single
// source of truth for what a run reported.
package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

// FinalPhase is the phase of the entry the orchestrator appends once a run
// reaches a terminal state. It is always the last entry of a finished run.
const FinalPhase = "run"

// appendTimeout bounds a single log append. Appends are detached from the run
// context so that a cancelled run can still record why it stopped.
const appendTimeout = 5 * time.Second

// Sink receives progress from stage work. Emit never fails from the caller's
// point of view; delivery problems are logged.
type Sink interface {
	Emit(phase, detail string, status model.ProgressStatus)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(phase, detail string, status model.ProgressStatus)

// Emit calls f.
func (f SinkFunc) Emit(phase, detail string, status model.ProgressStatus) { f(phase, detail, status) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(string, string, model.ProgressStatus) {})

// LogStore is the persisted half of progress: an append-only, seq-ordered log per run.
type LogStore interface {
	AppendProgress(ctx context.Context, runID uuid.UUID, phase, detail string, status model.ProgressStatus) (model.ProgressEntry, error)
	ListProgress(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]model.ProgressEntry, error)
}

// Notifier tells other processes that an entry was appended.
type Notifier interface {
	NotifyProgress(ctx context.Context, origin string, entry model.ProgressEntry) error
}

// IsFinal reports whether e is the closing entry of a run's log.
func IsFinal(e model.ProgressEntry) bool {
	return e.Phase == FinalPhase
}

// Recorder writes progress entries to the store and publishes them to the hub.
type Recorder struct {
	store    LogStore
	hub      *Hub
	notifier Notifier
	origin   string
	logger   *slog.Logger
}

// NewRecorder creates a Recorder over store and hub.
func NewRecorder(store LogStore, hub *Hub, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, hub: hub, logger: logger}
}

// WithNotifier makes every append also notify other processes. origin
// identifies this process so its own notifications can be ignored.
func (r *Recorder) WithNotifier(n Notifier, origin string) *Recorder {
	r.notifier = n
	r.origin = origin
	return r
}

// Append persists one entry, publishes it to live subscribers and, when
// configured, notifies other processes.
func (r *Recorder) Append(ctx context.Context, runID uuid.UUID, phase, detail string, status model.ProgressStatus) (model.ProgressEntry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	entry, err := r.store.AppendProgress(ctx, runID, phase, detail, status)
	if err != nil {
		return model.ProgressEntry{}, err
	}
	r.hub.Publish(entry)
	if r.notifier != nil {
		if err := r.notifier.NotifyProgress(ctx, r.origin, entry); err != nil {
			r.logger.Warn("progress: notify failed", "run_id", runID, "seq", entry.Seq, "error", err)
		}
	}
	return entry, nil
}

// Sink returns a Sink bound to one run.
func (r *Recorder) Sink(ctx context.Context, runID uuid.UUID) *Emitter {
	return &Emitter{ctx: ctx, runID: runID, recorder: r}
}

var _ Sink = (*Emitter)(nil)

// Emitter is the run-bound Sink handed to source modules.
type Emitter struct {
	ctx      context.Context
	runID    uuid.UUID
	recorder *Recorder
}

// Emit appends an entry for the bound run.
func (e *Emitter) Emit(phase, detail string, status model.ProgressStatus) {
	if _, err := e.recorder.Append(e.ctx, e.runID, phase, detail, status); err != nil {
		e.recorder.logger.Warn("progress: append failed",
			"run_id", e.runID, "phase", phase, "status", status, "error", err)
	}
}
