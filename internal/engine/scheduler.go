package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"commitharvest/internal/model"
	"commitharvest/internal/processor"
)

// UnitProcessor runs one work unit end to end.
type UnitProcessor interface {
	Process(ctx context.Context, unit model.WorkUnit) processor.Result
}

type Scheduler struct {
	proc    UnitProcessor
	workers int

	// onStart, when set, is called from the worker before a unit runs.
	onStart func(model.WorkUnit)
}

func NewScheduler(proc UnitProcessor, workers int) (*Scheduler, error) {
	if proc == nil {
		return nil, errors.New("processor is nil")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", workers)
	}
	return &Scheduler{proc: proc, workers: workers}, nil
}

// Execute feeds plan units to a fixed pool of workers and streams their
// results.
//
// Channel semantics:
//   - Without cancellation exactly one Result is sent per unit.
//   - On cancellation no new units are started. Units already running finish
//     and are still delivered, carrying the context error.
//   - Both channels are always closed. The error channel carries at most one
//     fatal error or the cancellation cause.
func (s *Scheduler) Execute(ctx context.Context, plan *Plan) (<-chan processor.Result, <-chan error) {
	resultsCh := make(chan processor.Result)
	errCh := make(chan error, 1)

	if ctx == nil || plan == nil || s == nil {
		close(resultsCh)
		errCh <- errors.New("scheduler: nil context, plan or scheduler")
		close(errCh)
		return resultsCh, errCh
	}

	jobs := make(chan model.WorkUnit)
	go func() {
		defer close(jobs)
		for _, u := range plan.Units {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range min(s.workers, max(len(plan.Units), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				if s.onStart != nil {
					s.onStart(u)
				}
				// The collector drains every result, so this send never blocks forever.
				resultsCh <- s.proc.Process(ctx, u)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
		if err := ctx.Err(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return resultsCh, errCh
}
