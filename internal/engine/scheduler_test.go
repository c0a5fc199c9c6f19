package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commitharvest/internal/model"
	"commitharvest/internal/processor"
)

type funcProcessor func(ctx context.Context, unit model.WorkUnit) processor.Result

func (f funcProcessor) Process(ctx context.Context, unit model.WorkUnit) processor.Result {
	return f(ctx, unit)
}

func projectPlan(keys ...string) *Plan {
	plan := &Plan{Mode: model.ModeSPK}
	for _, k := range keys {
		plan.Units = append(plan.Units, model.NewProjectUnit(k))
	}
	return plan
}

func TestNewScheduler_Validation(t *testing.T) {
	if _, err := NewScheduler(nil, 1); err == nil {
		t.Fatalf("expected error for nil processor")
	}
	if _, err := NewScheduler(funcProcessor(nil), 0); err == nil {
		t.Fatalf("expected error for zero workers")
	}
}

func TestScheduler_Execute_ExactlyOneResultPerUnit_AndChannelsClose(t *testing.T) {
	proc := funcProcessor(func(_ context.Context, u model.WorkUnit) processor.Result {
		return processor.Result{Unit: u}
	})
	s, err := NewScheduler(proc, 3)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	keys := []string{"A", "B", "C", "D", "E", "F", "G"}
	resCh, errCh := s.Execute(context.Background(), projectPlan(keys...))

	seen := map[string]int{}
	for res := range resCh {
		seen[res.Unit.Key]++
	}
	for err := range errCh {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(seen) != len(keys) {
		t.Fatalf("expected %d distinct results, got %v", len(keys), seen)
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("unit %s delivered %d times", k, n)
		}
	}
}

func TestScheduler_Execute_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	proc := funcProcessor(func(_ context.Context, u model.WorkUnit) processor.Result {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return processor.Result{Unit: u}
	})
	s, err := NewScheduler(proc, 2)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	resCh, errCh := s.Execute(context.Background(), projectPlan("A", "B", "C", "D", "E", "F"))
	for range resCh {
	}
	for range errCh {
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent units, saw %d", got)
	}
}

func TestScheduler_Execute_CancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	var started atomic.Int64
	proc := funcProcessor(func(ctx context.Context, u model.WorkUnit) processor.Result {
		started.Add(1)
		once.Do(cancel)
		<-ctx.Done()
		return processor.Result{Unit: u, Err: ctx.Err()}
	})
	s, err := NewScheduler(proc, 1)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	resCh, errCh := s.Execute(ctx, projectPlan("A", "B", "C", "D", "E"))
	n := 0
	for res := range resCh {
		n++
		if res.Err == nil {
			t.Fatalf("expected interrupted result for %s", res.Unit.Key)
		}
	}
	var gotErr error
	for err := range errCh {
		gotErr = err
	}
	if gotErr == nil {
		t.Fatalf("expected cancellation error")
	}
	// The feeder may hand over one more unit while cancellation races.
	if n > 2 || started.Load() > 2 {
		t.Fatalf("expected dispatch to stop after cancellation, got %d results", n)
	}
}

func TestScheduler_Execute_EmptyPlan(t *testing.T) {
	s, err := NewScheduler(funcProcessor(func(_ context.Context, u model.WorkUnit) processor.Result {
		t.Errorf("processor must not be called")
		return processor.Result{Unit: u}
	}), 4)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	resCh, errCh := s.Execute(context.Background(), &Plan{Mode: model.ModeSPK})
	for range resCh {
		t.Fatalf("unexpected result")
	}
	for err := range errCh {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestScheduler_Execute_NilPlanDoesNotPanic(t *testing.T) {
	s, err := NewScheduler(funcProcessor(nil), 1)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	resCh, errCh := s.Execute(context.Background(), nil)
	for range resCh {
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected error for nil plan")
	}
}
