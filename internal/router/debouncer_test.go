package router

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncerFlushesAccumulatedBurstWithFirstMetadata(t *testing.T) {
	var mu sync.Mutex
	var flushedItems []Item
	var flushedMeta map[string]any
	flushed := make(chan struct{})

	d := NewDebouncer(30*time.Millisecond, func(threadKey string, items []Item, firstMetadata map[string]any) {
		mu.Lock()
		flushedItems = items
		flushedMeta = firstMetadata
		mu.Unlock()
		close(flushed)
	})

	d.Add(Item{ThreadKey: "t1", Text: "hello", Metadata: map[string]any{"channel": "c1"}})
	d.Add(Item{ThreadKey: "t1", Text: "world"})

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never flushed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushedItems) != 2 {
		t.Fatalf("expected 2 items, got %d", len(flushedItems))
	}
	if flushedMeta["channel"] != "c1" {
		t.Fatalf("expected first item's metadata to carry through, got %v", flushedMeta)
	}
}

func TestDebouncerResetsTimerOnEachItem(t *testing.T) {
	var count int
	var mu sync.Mutex
	d := NewDebouncer(40*time.Millisecond, func(threadKey string, items []Item, firstMetadata map[string]any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		d.Add(Item{ThreadKey: "t1", Text: "x"})
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one flush (timer reset on each add), got %d", count)
	}
}

func TestDebouncerSeparateThreadKeysAreIndependent(t *testing.T) {
	var mu sync.Mutex
	results := map[string]int{}
	done := make(chan struct{}, 2)

	d := NewDebouncer(20*time.Millisecond, func(threadKey string, items []Item, firstMetadata map[string]any) {
		mu.Lock()
		results[threadKey] = len(items)
		mu.Unlock()
		done <- struct{}{}
	})

	d.Add(Item{ThreadKey: "a", Text: "1"})
	d.Add(Item{ThreadKey: "b", Text: "2"})

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	if results["a"] != 1 || results["b"] != 1 {
		t.Fatalf("expected independent bursts, got %v", results)
	}
}
