package escalation

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestPipelineRollbackOrder(t *testing.T) {
	var calls []string
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			calls = append(calls, name)
			return err
		}
	}

	boom := errors.New("boom")
	var results []PhaseResult
	p := Pipeline{
		Name:     "test",
		Rollback: true,
		Observe:  func(r PhaseResult) { results = append(results, r) },
		Phases: []Phase{
			{Name: "a", Run: step("run-a", nil), Undo: step("undo-a", nil)},
			{Name: "b", Run: step("run-b", nil)},
			{Name: "c", Run: step("run-c", nil), Undo: step("undo-c", errors.New("undo failed"))},
			{Name: "d", Run: step("run-d", boom), Undo: step("undo-d", nil)},
			{Name: "e", Run: step("run-e", nil)},
		},
	}

	err := p.Execute(context.Background())

	var failure *PhaseFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Expected *PhaseFailure, got %v", err)
	}
	if failure.Phase != "d" || failure.Index != 3 || failure.Sequence != "test" {
		t.Errorf("Unexpected failure %+v", failure)
	}
	if !errors.Is(err, boom) || !errors.Is(err, ErrPhaseFailed) {
		t.Errorf("Failure should match both the cause and ErrPhaseFailed")
	}

	// The failed phase is not undone and undo errors do not stop the rollback
	expected := []string{"run-a", "run-b", "run-c", "run-d", "undo-c", "undo-a"}
	if !slices.Equal(calls, expected) {
		t.Errorf("Expected %v, got %v", expected, calls)
	}

	if len(results) != 4 || results[3].Err == nil || results[0].Err != nil {
		t.Errorf("Unexpected observed results %+v", results)
	}
}

func TestPipelineWithoutRollback(t *testing.T) {
	undone := false
	p := Pipeline{
		Name: "abort",
		Phases: []Phase{
			{Name: "a", Run: func(context.Context) error { return nil }, Undo: func(context.Context) error {
				undone = true
				return nil
			}},
			{Name: "b", Run: func(context.Context) error { return errors.New("fail") }},
		},
	}

	if err := p.Execute(context.Background()); err == nil {
		t.Fatal("Expected failure")
	}
	if undone {
		t.Error("Pipeline without rollback must not undo")
	}
}

func TestPipelinePhaseTimeout(t *testing.T) {
	p := Pipeline{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Phases: []Phase{
			{Name: "wait", Run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		},
	}

	err := p.Execute(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestPipelineCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	undone := false
	p := Pipeline{
		Name:     "cancelled",
		Rollback: true,
		Phases: []Phase{
			{Name: "a", Run: func(context.Context) error {
				ran = true
				return nil
			}},
		},
	}
	p.Phases[0].Undo = func(context.Context) error {
		undone = true
		return nil
	}

	err := p.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if ran || undone {
		t.Error("No phase should run on a cancelled context")
	}
}

func TestAllClearLatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	latch := NewAllClearLatch(time.Minute)
	latch.now = func() time.Time { return now }

	if ok, _ := latch.AllClear(ctx); ok {
		t.Error("Latch should start closed")
	}

	latch.Grant("operator")
	if ok, _ := latch.AllClear(ctx); !ok {
		t.Error("Expected all-clear after grant")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := latch.AllClear(ctx); ok {
		t.Error("Grant should expire after the window")
	}

	latch.Grant("operator")
	latch.Revoke()
	if ok, _ := latch.AllClear(ctx); ok {
		t.Error("Revoked grant should not clear")
	}
}
