package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type refreshResult struct {
	Rows int    `json:"rows"`
	Day  string `json:"day"`
}

func TestDo_ExecutesOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (refreshResult, error) {
		calls++
		return refreshResult{Rows: 24, Day: "2026-05-04"}, nil
	}

	first, err := Do(ctx, store, "refresh_schedule", map[string]string{"plan": "p1"}, time.Minute, fn)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := Do(ctx, store, "refresh_schedule", map[string]string{"plan": "p1"}, time.Minute, fn)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one execution got %d", calls)
	}
	if first != second {
		t.Fatalf("replay result differs: %+v vs %+v", first, second)
	}
}

func TestDo_DifferentArgsExecuteSeparately(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (int, error) { calls++; return calls, nil }

	if _, err := Do(ctx, store, "op", "a", time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if _, err := Do(ctx, store, "op", "b", time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("different args must not share a cache entry, got %d calls", calls)
	}
}

func TestDo_ErrorsNotCached(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 7, nil
	}

	if _, err := Do(ctx, store, "op", 1, time.Minute, fn); err == nil {
		t.Fatal("expected first call to fail")
	}
	out, err := Do(ctx, store, "op", 1, time.Minute, fn)
	if err != nil {
		t.Fatalf("retry after error: %v", err)
	}
	if out != 7 || calls != 2 {
		t.Fatalf("retry should re-execute: out=%d calls=%d", out, calls)
	}
}

func TestDo_TTLExpiryReexecutes(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (int, error) { calls++; return calls, nil }

	if _, err := Do(ctx, store, "op", nil, time.Second, fn); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	out, err := Do(ctx, store, "op", nil, time.Second, fn)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 || out != 2 {
		t.Fatalf("expired entry must trigger genuine re-execution: calls=%d out=%d", calls, out)
	}
}

func TestKey_Stable(t *testing.T) {
	k1, err := Key("op", map[string]int{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := Key("op", map[string]int{"a": 1})
	if k1 != k2 {
		t.Fatalf("identical args must hash identically: %s vs %s", k1, k2)
	}
	k3, _ := Key("op", map[string]int{"a": 2})
	if k1 == k3 {
		t.Fatal("different args must hash differently")
	}
	k4, _ := Key("other", map[string]int{"a": 1})
	if k1 == k4 {
		t.Fatal("operation name must be part of the key")
	}
}
