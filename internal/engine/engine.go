// Package engine plans work units, runs them on a worker pool and persists
// their output in write-then-checkpoint order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"commitharvest/internal/metrics"
	"commitharvest/internal/model"
	"commitharvest/internal/output"
	"commitharvest/internal/processor"
)

// ChunkSink persists unit rows and the end-of-run failures.
type ChunkSink interface {
	WriteChunk(records []model.CommitRecord, chunkID string) (string, error)
	WriteFailures(failures []model.FailureRecord) (string, error)
}

// ProgressFunc is called after every handled unit.
type ProgressFunc func(done, total int)

type Engine struct {
	sched   *Scheduler
	ckpt    Checkpoint
	chunks  ChunkSink
	runID   string
	out     *output.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	progress ProgressFunc
}

type Option func(*Engine)

func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithOutput streams lifecycle events to m.
func WithOutput(m *output.Manager) Option {
	return func(e *Engine) { e.out = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(proc UnitProcessor, ckpt Checkpoint, chunks ChunkSink, workers int, opts ...Option) (*Engine, error) {
	sched, err := NewScheduler(proc, workers)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, errors.New("checkpoint is nil")
	}
	if chunks == nil {
		return nil, errors.New("chunk sink is nil")
	}
	e := &Engine{
		sched:  sched,
		ckpt:   ckpt,
		chunks: chunks,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, apply := range opts {
		if apply != nil {
			apply(e)
		}
	}
	sched.onStart = func(u model.WorkUnit) {
		e.logger.Debug("unit started", "unit", u.Key, "commits", len(u.Commits))
		e.emit(output.Event{Type: output.EventUnitStarted, Unit: u.Key})
	}
	return e, nil
}

// run is the mutable state of one Run.
type run struct {
	summary  output.RunSummary
	failures []model.FailureRecord
	done     int
}

func (e *Engine) emit(ev output.Event) {
	ev.Time = e.now().UTC()
	if err := e.out.Write(ev); err != nil {
		e.logger.Warn("event sink write failed", "event", ev.Type, "error", err)
	}
}

// Run processes every unit of plan. A unit is checkpointed only after its
// chunk is durably written; units that fail to write or are interrupted are
// left for the next run. The returned error is reserved for setup problems;
// interruption is reported through the summary.
func (e *Engine) Run(ctx context.Context, plan *Plan) (output.RunSummary, error) {
	if plan == nil {
		return output.RunSummary{}, errors.New("plan is nil")
	}
	started := e.now()
	r := &run{summary: output.RunSummary{
		RunID:    e.runID,
		Mode:     plan.Mode,
		Started:  started,
		Planned:  plan.Total(),
		Skipped:  plan.Skipped,
		Failures: make(map[model.Category]int),
	}}
	for range plan.Skipped {
		e.metrics.UnitDone(metrics.UnitSkipped)
	}

	e.logger.Info("run started", "mode", plan.Mode, "units", plan.Total(), "skipped", plan.Skipped)
	e.emit(output.Event{Type: output.EventRunStarted, Units: plan.Total()})

	resCh, errCh := e.sched.Execute(ctx, plan)
	for res := range resCh {
		e.handle(r, res)
		r.done++
		if e.progress != nil {
			e.progress(r.done, plan.Total())
		}
	}

	var schedErr error
	for err := range errCh {
		if err != nil {
			schedErr = err
		}
	}
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) && !errors.Is(schedErr, context.DeadlineExceeded) {
		return r.summary, schedErr
	}
	// Units never dispatched because of cancellation.
	r.summary.Interrupted += plan.Total() - r.done
	if schedErr != nil {
		e.logger.Warn("run interrupted", "error", schedErr, "unfinished", r.summary.Interrupted)
	}

	e.writeFailures(r)
	r.summary.Elapsed = e.now().Sub(started)

	e.logger.Info("run finished",
		"completed", r.summary.Completed,
		"failed", r.summary.Failed,
		"interrupted", r.summary.Interrupted,
		"rows", r.summary.Rows,
		"failures", r.summary.TotalFailures(),
	)
	e.emit(output.Event{
		Type:     output.EventRunFinished,
		Units:    r.summary.Completed,
		Rows:     r.summary.Rows,
		Failures: r.summary.TotalFailures(),
		ExitCode: r.summary.ExitCode(),
	})
	return r.summary, nil
}

func (e *Engine) addFailures(r *run, fs ...model.FailureRecord) {
	r.failures = append(r.failures, fs...)
	for _, f := range fs {
		r.summary.Failures[f.Category]++
	}
}

func (e *Engine) critical(r *run, unit model.WorkUnit, err error) {
	e.metrics.Failure(string(model.CategoryProcessing), string(model.SeverityCritical))
	e.addFailures(r, model.FailureRecord{
		Target:    string(unit.Mode) + ":" + unit.Key,
		SubjectID: unit.Key,
		Reason:    err.Error(),
		Category:  model.CategoryProcessing,
		Severity:  model.SeverityCritical,
		Time:      e.now().UTC(),
	})
	r.summary.Failed++
	e.metrics.UnitDone(metrics.UnitFailed)
	e.logger.Error("unit not checkpointed",
		"unit", unit.Key,
		"category", model.CategoryProcessing,
		"severity", model.SeverityCritical,
		"error", err,
	)
	e.emit(output.Event{Type: output.EventUnitFailed, Unit: unit.Key, Error: err.Error()})
}

func (e *Engine) handle(r *run, res processor.Result) {
	unit := res.Unit
	e.addFailures(r, res.Failures...)

	if res.Err != nil {
		r.summary.Interrupted++
		e.metrics.UnitDone(metrics.UnitCanceled)
		e.logger.Warn("unit interrupted", "unit", unit.Key, "error", res.Err)
		e.emit(output.Event{Type: output.EventUnitFailed, Unit: unit.Key, Error: res.Err.Error()})
		return
	}

	if len(res.Records) > 0 {
		path, err := e.chunks.WriteChunk(res.Records, unit.Key)
		if err != nil {
			e.critical(r, unit, fmt.Errorf("write chunk: %w", err))
			return
		}
		r.summary.Chunks = append(r.summary.Chunks, path)
		r.summary.Rows += len(res.Records)
		e.metrics.ChunkWritten(len(res.Records))
		e.emit(output.Event{Type: output.EventChunkWritten, Unit: unit.Key, Rows: len(res.Records), Chunk: path})
	}

	if err := e.ckpt.Record(unit.CheckpointIDs()...); err != nil {
		e.critical(r, unit, fmt.Errorf("record checkpoint: %w", err))
		return
	}

	r.summary.Completed++
	e.metrics.UnitDone(metrics.UnitCompleted)
	e.logger.Info("unit finished", "unit", unit.Key, "rows", len(res.Records), "failures", len(res.Failures))
	e.emit(output.Event{Type: output.EventUnitFinished, Unit: unit.Key, Rows: len(res.Records), Failures: len(res.Failures)})
}

func (e *Engine) writeFailures(r *run) {
	if len(r.failures) == 0 {
		return
	}
	path, err := e.chunks.WriteFailures(r.failures)
	if err != nil {
		r.summary.Failed++
		e.logger.Error("write failures file",
			"category", model.CategoryProcessing,
			"severity", model.SeverityCritical,
			"error", err,
		)
		return
	}
	r.summary.FailuresPath = path
}
