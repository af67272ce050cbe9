package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemIndexMostRecentFirst(t *testing.T) {
	idx := NewMemIndex(10, time.Hour)
	defer idx.Close()
	ctx := context.Background()

	if err := idx.Record(ctx, "fp1", PriorResult{CallKey: "old", RecordedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := idx.Record(ctx, "fp1", PriorResult{CallKey: "new", RecordedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	results, err := idx.Lookup(ctx, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].CallKey != "new" || results[1].CallKey != "old" {
		t.Fatalf("order = %v, want [new old]", results)
	}
}

func TestMemIndexInvalidateFallsThrough(t *testing.T) {
	idx := NewMemIndex(10, time.Hour)
	defer idx.Close()
	ctx := context.Background()

	idx.Record(ctx, "fp1", PriorResult{CallKey: "stale"})
	idx.Record(ctx, "fp1", PriorResult{CallKey: "fresh"})

	if err := idx.Invalidate(ctx, "fp1", "fresh"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	results, err := idx.Lookup(ctx, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(results) != 1 || results[0].CallKey != "stale" {
		t.Fatalf("results = %v, want only [stale]", results)
	}
}

func TestMemIndexLookupMiss(t *testing.T) {
	idx := NewMemIndex(10, time.Hour)
	defer idx.Close()
	results, err := idx.Lookup(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
}

func TestMemIndexEvictsAtCapacity(t *testing.T) {
	idx := NewMemIndex(2, time.Hour)
	defer idx.Close()
	ctx := context.Background()

	idx.Record(ctx, "a", PriorResult{CallKey: "a1"})
	time.Sleep(time.Millisecond)
	idx.Record(ctx, "b", PriorResult{CallKey: "b1"})
	time.Sleep(time.Millisecond)
	// Touch "b" so "a" becomes the least-recently-used entry.
	idx.Lookup(ctx, "b")
	idx.Record(ctx, "c", PriorResult{CallKey: "c1"})

	if results, _ := idx.Lookup(ctx, "a"); results != nil {
		t.Fatalf("expected %q evicted, got %v", "a", results)
	}
	if results, _ := idx.Lookup(ctx, "c"); len(results) != 1 {
		t.Fatalf("expected %q present, got %v", "c", results)
	}
}
