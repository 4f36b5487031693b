package parfor

import (
	"strings"
	"sync"
	"testing"
)

func TestParForVisitsEveryIndexExactlyOnce(t *testing.T) {
	p := New(4)
	const n = 997 // prime, so chunk boundaries never divide evenly

	var mu sync.Mutex
	seen := make([]int, n)
	err := p.ParFor(n, func(i int) {
		mu.Lock()
		seen[i]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ParFor: %v", err)
	}

	for i, c := range seen {
		if c != 1 {
			t.Fatalf("index %d visited %d times, want 1", i, c)
		}
	}
}

func TestParForSingleWorkerRunsSequentially(t *testing.T) {
	p := New(1)
	var order []int
	if err := p.ParFor(5, func(i int) { order = append(order, i) }); err != nil {
		t.Fatalf("ParFor: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected sequential order, got %v", order)
		}
	}
}

func TestParForZeroIsNoop(t *testing.T) {
	err := New(4).ParFor(0, func(i int) { t.Fatal("body should not run for n=0") })
	if err != nil {
		t.Fatalf("ParFor: %v", err)
	}
}

// TestParForPropagatesPanicAsError confirms a panicking body is
// recovered and reported as an error rather than crashing the test
// binary, for both the single-worker fast path and the multi-worker
// errgroup fan-out.
func TestParForPropagatesPanicAsError(t *testing.T) {
	multi := New(4)
	err := multi.ParFor(997, func(i int) {
		if i == 500 {
			panic("boom")
		}
	})
	if err == nil {
		t.Fatal("expected an error from a panicking chunk")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to mention the panic value, got %v", err)
	}

	single := New(1)
	err = single.ParFor(5, func(i int) {
		if i == 2 {
			panic("boom")
		}
	})
	if err == nil {
		t.Fatal("expected an error from a panicking body on the single-worker path")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to mention the panic value, got %v", err)
	}
}
