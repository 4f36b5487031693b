package gc

import (
	"testing"
	"time"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/finalizer"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/roots"
	"github.com/mzxdream/stopgc/scan"
)

func newTestCollector(h *gcheap.Heap, globals func() []roots.Region) *Collector {
	reg := scan.NewRegistry()
	fin := finalizer.NewRegistry()
	src := func() roots.Source {
		var g []roots.Region
		if globals != nil {
			g = globals()
		}
		return roots.Source{Globals: g}
	}
	cfg := Config{GOGC: -1, World: noopWorld{}} // force-only: tests drive cycles explicitly
	return New(h, reg, fin, src, cfg)
}

// TestUnreachableChainIsFullyReclaimed is end-to-end scenario 1: a 100
// block linear chain with no surviving root is entirely freed by one
// cycle.
func TestUnreachableChainIsFullyReclaimed(t *testing.T) {
	h := gcheap.NewHeap(256)
	const n = 100
	blocks := make([]uintptr, n)
	for i := n - 1; i >= 0; i-- {
		blocks[i] = h.Alloc(3*bitmap.WordSize, false)
		if i+1 < n {
			h.SetWords(blocks[i], blocks[i+1], 0, 0)
		}
	}

	c := newTestCollector(h, nil) // no root: the whole chain is garbage
	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for i, b := range blocks {
		if h.Bitmap.Load(b).Allocated {
			t.Fatalf("block %d still allocated after GC", i)
		}
	}
	if c.SweepStats.Freed != n {
		t.Fatalf("expected %d blocks freed, got %d", n, c.SweepStats.Freed)
	}
}

// TestBackToBackCollectReclaimsNoAdditionalMemory roots half of a set of
// allocations and leaves the rest garbage. A second Collect(true) run
// immediately after the first must find nothing new to reclaim: the
// heap's allocated bytes and live object count are unchanged.
//
// Each call rebuilds its own root cell rather than reusing one across
// cycles: a root region's own header is never itself marked (only the
// pointers found through it are), so like every other root cell in
// this file it is reclaimed by the very sweep that follows the cycle
// which used it. Rebuilding it fresh on every Sources callback mirrors
// how a real caller's globals/stack walk is redone each cycle, and
// keeps the even blocks correctly re-rooted on the second pass too.
func TestBackToBackCollectReclaimsNoAdditionalMemory(t *testing.T) {
	h := gcheap.NewHeap(256)
	const n = 20
	blocks := make([]uintptr, n)
	for i := range blocks {
		blocks[i] = h.Alloc(2*bitmap.WordSize, false)
	}

	// Root every even-indexed block; the odd ones are garbage.
	globals := func() []roots.Region {
		rootCell := h.Alloc(uintptr(n/2)*bitmap.WordSize, false)
		for i := 0; i < n; i += 2 {
			h.SetWords(rootCell+uintptr(i/2), blocks[i])
		}
		return []roots.Region{{Base: rootCell, Words: n / 2}}
	}
	c := newTestCollector(h, globals)

	if err := c.Collect(true); err != nil {
		t.Fatalf("first Collect: %v", err)
	}

	var before MemStats
	c.ReadMemStats(&before)

	if err := c.Collect(true); err != nil {
		t.Fatalf("second Collect: %v", err)
	}

	var after MemStats
	c.ReadMemStats(&after)

	if after.HeapAlloc != before.HeapAlloc {
		t.Fatalf("second back-to-back cycle changed HeapAlloc: %d -> %d", before.HeapAlloc, after.HeapAlloc)
	}
	if after.NObjects != before.NObjects {
		t.Fatalf("second back-to-back cycle changed NObjects: %d -> %d", before.NObjects, after.NObjects)
	}
	for i := 0; i < n; i += 2 {
		if !h.Bitmap.Load(blocks[i]).Allocated {
			t.Fatalf("rooted block %d should still be allocated after two cycles", i)
		}
	}
	for i := 1; i < n; i += 2 {
		if h.Bitmap.Load(blocks[i]).Allocated {
			t.Fatalf("unrooted block %d should have been freed by the first cycle", i)
		}
	}
}

// TestReachableChainSurvives roots blocks[0] and expects the whole chain
// to survive one cycle.
func TestReachableChainSurvives(t *testing.T) {
	h := gcheap.NewHeap(256)
	const n = 10
	blocks := make([]uintptr, n)
	for i := n - 1; i >= 0; i-- {
		blocks[i] = h.Alloc(3*bitmap.WordSize, false)
		if i+1 < n {
			h.SetWords(blocks[i], blocks[i+1], 0, 0)
		}
	}
	rootCell := h.Alloc(bitmap.WordSize, false)
	h.SetWords(rootCell, blocks[0])

	c := newTestCollector(h, func() []roots.Region {
		return []roots.Region{{Base: rootCell, Words: 1}}
	})
	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for i, b := range blocks {
		if !h.Bitmap.Load(b).Allocated {
			t.Fatalf("block %d freed but should have survived", i)
		}
		if h.Bitmap.Load(b).Marked {
			t.Fatalf("block %d still Marked after sweep (invariant I3/P2)", i)
		}
	}
}

// TestCyclicPairIsReclaimed is end-to-end scenario 2: A and B reference
// each other but neither is rooted, so both are reclaimed.
func TestCyclicPairIsReclaimed(t *testing.T) {
	h := gcheap.NewHeap(64)
	a := h.Alloc(bitmap.WordSize, false)
	b := h.Alloc(bitmap.WordSize, false)
	h.SetWords(a, b)
	h.SetWords(b, a)

	c := newTestCollector(h, nil)
	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if h.Bitmap.Load(a).Allocated || h.Bitmap.Load(b).Allocated {
		t.Fatal("expected cyclic pair with no external root to be fully reclaimed")
	}
}

// TestInteriorPointerKeepsBlockAlive is end-to-end scenario 3: a root
// holding a mid-block, unaligned pointer still keeps the whole block
// alive via backward bitmap resolution (invariant I5).
func TestInteriorPointerKeepsBlockAlive(t *testing.T) {
	h := gcheap.NewHeap(256)
	block := h.Alloc(64*bitmap.WordSize, false)
	rootCell := h.Alloc(bitmap.WordSize, false)
	h.SetWords(rootCell, block+17)

	c := newTestCollector(h, func() []roots.Region {
		return []roots.Region{{Base: rootCell, Words: 1}}
	})
	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if !h.Bitmap.Load(block).Allocated {
		t.Fatal("expected block kept alive by an interior pointer root")
	}
}

// TestFinalizerResurrectsThenFreesOnNextCycle is end-to-end scenario 4.
func TestFinalizerResurrectsThenFreesOnNextCycle(t *testing.T) {
	h := gcheap.NewHeap(64)
	b := h.Alloc(bitmap.WordSize, false)

	c := newTestCollector(h, nil)
	h.Bitmap.SetBlockSpecial(b, true)

	var ran []finalizer.Finalizer
	c.Runner = func(fs []finalizer.Finalizer) { ran = append(ran, fs...) }
	c.Fin.Register(b, func() {}, 0)

	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !h.Bitmap.Load(b).Allocated {
		t.Fatal("block with a pending finalizer must not be freed in the cycle that discovers it unreachable")
	}
	if len(ran) != 1 || ran[0].Arg != b {
		t.Fatalf("expected finalizer runner invoked once with arg=%d, got %+v", b, ran)
	}

	// The finalizer "ran" and dropped its reference; nothing roots b now.
	if err := c.Collect(true); err != nil {
		t.Fatalf("second Collect: %v", err)
	}
	if h.Bitmap.Load(b).Allocated {
		t.Fatal("expected block freed on the cycle after its finalizer ran")
	}
}

// TestChannelBufferScanMarksAllSlots is end-to-end scenario 5: a
// conservatively-rooted pointer to a channel falls through to the
// channel's span-attached scan program via the type-lookup fallback,
// which then scans every slot of the circular buffer unconditionally.
func TestChannelBufferScanMarksAllSlots(t *testing.T) {
	h := gcheap.NewHeap(64)
	reg := scan.NewRegistry()
	fin := finalizer.NewRegistry()

	t0 := h.Alloc(bitmap.WordSize, true)
	t1 := h.Alloc(bitmap.WordSize, true)
	t2 := h.Alloc(bitmap.WordSize, true)

	const chanHeaderWords = 3
	const capacity = 8
	ch := h.Alloc((chanHeaderWords+capacity)*bitmap.WordSize, false)
	h.SetWords(ch, 3, capacity, 1, t0, t1, t2)

	elemTI := scan.MakeTI(0, true, false)
	prog := &scan.Program{Instrs: []scan.Instr{{Op: scan.OpCHAN, Off: 0, ElemSize: 1, TI: elemTI}}}
	progIdx := reg.AddProgram(prog)
	h.SetSpanProgram(h.LookupSpan(ch), progIdx)

	rootCell := h.Alloc(bitmap.WordSize, false)
	h.SetWords(rootCell, ch)

	src := func() roots.Source {
		return roots.Source{Globals: []roots.Region{{Base: rootCell, Words: 1}}}
	}
	c := New(h, reg, fin, src, Config{GOGC: -1, World: noopWorld{}})

	if err := c.Collect(true); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for i, tgt := range []uintptr{t0, t1, t2} {
		if !h.Bitmap.Load(tgt).Allocated {
			t.Fatalf("channel element %d should have survived via the span-attached scan program", i)
		}
	}
}

// TestSetGCPercentAndReadMemStats exercises the pacing and stats public
// API surface.
func TestSetGCPercentAndReadMemStats(t *testing.T) {
	h := gcheap.NewHeap(64)
	c := newTestCollector(h, nil)

	old := c.SetGCPercent(50)
	if old != -1 {
		t.Fatalf("expected old GOGC -1, got %d", old)
	}

	h.Alloc(16, true)
	var ms MemStats
	c.ReadMemStats(&ms)
	if ms.GCPercent != 50 {
		t.Fatalf("expected GCPercent 50, got %d", ms.GCPercent)
	}
	if ms.HeapAlloc == 0 {
		t.Fatal("expected non-zero HeapAlloc after an allocation")
	}
}

// TestReadGCStatsReportsPausesMostRecentFirst runs two cycles and checks
// the pause ring orders most-recent-first.
func TestReadGCStatsReportsPausesMostRecentFirst(t *testing.T) {
	h := gcheap.NewHeap(64)
	c := newTestCollector(h, nil)

	if err := c.Collect(true); err != nil {
		t.Fatal(err)
	}
	if err := c.Collect(true); err != nil {
		t.Fatal(err)
	}

	pause := make([]time.Duration, 0, ringSize+3)
	stats := GCStats{Pause: pause}
	c.ReadGCStats(&stats)

	if stats.NumGC != 2 {
		t.Fatalf("expected NumGC 2, got %d", stats.NumGC)
	}
	if len(stats.Pause) != 2 {
		t.Fatalf("expected 2 recorded pauses, got %d", len(stats.Pause))
	}
}

// TestGateSkipsCollectionBelowNextGC exercises the non-force Gate path.
func TestGateSkipsCollectionBelowNextGC(t *testing.T) {
	h := gcheap.NewHeap(64)
	reg := scan.NewRegistry()
	fin := finalizer.NewRegistry()
	c := New(h, reg, fin, nil, Config{GOGC: 100, World: noopWorld{}})

	h.Alloc(16, true) // well below the default 1MiB nextGC threshold
	if err := c.Collect(false); err != nil {
		t.Fatal(err)
	}
	if c.numGC != 0 {
		t.Fatal("expected the Gate to skip an under-threshold, non-forced collection")
	}
}
