package statechange

import (
	"context"
	"testing"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/resource"
)

func TestStateChange_ConvergesToFinished(t *testing.T) {
	it := resource.NewItem(resource.Descriptor{Suffix: "state/on", Type: resource.TypeBool})
	it.SetValue(false, resource.SourceDevice, time.Now())

	calls := 0
	fn := func(ctx context.Context, targets []Target, parameters map[string]any) (int, error) {
		calls++
		return len(targets), nil
	}

	sc := New([]Target{{Suffix: "state/on", Value: true}}, nil, fn, NewBudget(5))
	sc.ResolveItem = func(suffix string) (*resource.Item, bool) {
		if suffix == "state/on" {
			return it, true
		}
		return nil, false
	}

	now := time.Now()
	sc.Tick(now)
	if sc.State() != SCWaitSync {
		t.Fatalf("expected WaitSync, got %v", sc.State())
	}
	if calls != 1 {
		t.Fatalf("expected fn called once, got %d", calls)
	}

	it.SetValue(true, resource.SourceDevice, now)
	sc.VerifyItemChange("state/on")

	if sc.State() != SCFinished {
		t.Fatalf("expected Finished, got %v", sc.State())
	}
}

func TestStateChange_WaitSyncTimesOutToCallFunction(t *testing.T) {
	fn := func(ctx context.Context, targets []Target, parameters map[string]any) (int, error) {
		return 1, nil
	}
	sc := New([]Target{{Suffix: "state/on", Value: true, status: syncNotSynced}}, nil, fn, NewBudget(5))

	now := time.Now()
	sc.Tick(now)
	if sc.State() != SCWaitSync {
		t.Fatalf("expected WaitSync, got %v", sc.State())
	}

	sc.Tick(now.Add(6 * time.Second))
	if sc.State() != SCCallFunction {
		t.Fatalf("expected back to CallFunction after per-state timeout, got %v", sc.State())
	}
}

func TestStateChange_WholeChangeTimeoutFails(t *testing.T) {
	fn := func(ctx context.Context, targets []Target, parameters map[string]any) (int, error) {
		return 1, nil
	}
	sc := New([]Target{{Suffix: "state/on", Value: true}}, nil, fn, NewBudget(5))

	sc.Tick(sc.changeStart.Add(181 * time.Second))
	if sc.State() != SCFailed {
		t.Fatalf("expected Failed after whole-change timeout, got %v", sc.State())
	}
}

func TestBudget_RejectsOverCapacity(t *testing.T) {
	b := NewBudget(2)
	if !b.reserve(2) {
		t.Fatal("expected reserve(2) to succeed on empty budget")
	}
	if b.reserve(1) {
		t.Fatal("expected reserve(1) to fail once budget is exhausted")
	}
	b.Release(2)
	if !b.reserve(1) {
		t.Fatal("expected reserve(1) to succeed after release")
	}
}

func TestStateChange_BudgetExceededMakesTickNoOp(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context, targets []Target, parameters map[string]any) (int, error) {
		calls++
		return 1, nil
	}
	budget := NewBudget(0)
	sc := New([]Target{{Suffix: "state/on", Value: true}}, nil, fn, budget)

	sc.Tick(time.Now())
	if sc.State() != SCCallFunction {
		t.Fatalf("expected to remain in CallFunction when budget exceeded, got %v", sc.State())
	}
	if calls != 0 {
		t.Fatalf("expected fn not called, got %d calls", calls)
	}
}
