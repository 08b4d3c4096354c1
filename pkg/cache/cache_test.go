package cache

import (
	"errors"
	"testing"
	"time"
)

func TestRefreshIfStaleComputesOnce(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	entry := NewCached[int](store, "answer", time.Minute)

	calls := 0
	compute := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := entry.RefreshIfStale(compute)
		if err != nil {
			t.Fatalf("RefreshIfStale: %v", err)
		}
		if v != 42 {
			t.Fatalf("value = %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
}

func TestComputeErrorIsNotCached(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	entry := NewCached[int](store, "answer", time.Minute)

	if _, err := entry.RefreshIfStale(func() (int, error) {
		return 0, errors.New("source down")
	}); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := entry.Get(); ok {
		t.Fatal("failed compute must not populate the cache")
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	entry := NewCached[string](store, "plan", time.Minute)

	entry.Set("v1")
	if v, ok := entry.Get(); !ok || v != "v1" {
		t.Fatalf("got %q/%v, want v1/true", v, ok)
	}

	entry.Invalidate()
	if _, ok := entry.Get(); ok {
		t.Fatal("value survived Invalidate")
	}

	v, err := entry.RefreshIfStale(func() (string, error) { return "v2", nil })
	if err != nil || v != "v2" {
		t.Fatalf("got %q/%v, want v2/nil", v, err)
	}
}

func TestWrongTypeReadsAsMiss(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	store.Set("k", "a string", time.Minute)

	entry := NewCached[int](store, "k", time.Minute)
	if _, ok := entry.Get(); ok {
		t.Fatal("mismatched type must read as a miss")
	}
}
