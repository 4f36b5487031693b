// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc implements the collector cycle controller: a state machine
// (Idle -> Gate -> SettleTypes -> Seed -> Mark -> Sweep -> Finish), its
// public entry points (gc, read_mem_stats, read_gc_stats,
// set_gc_percent), and pacing.
package gc

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/finalizer"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/parfor"
	"github.com/mzxdream/stopgc/roots"
	"github.com/mzxdream/stopgc/scan"
	"github.com/mzxdream/stopgc/sweep"
	"github.com/mzxdream/stopgc/workbuf"
)

// ringSize is the pause-history ring buffer's capacity. Callers of
// ReadGCStats must supply capacity >= ringSize + 3.
const ringSize = 16

// MemStats is the aggregated heap/allocation snapshot read_mem_stats
// copies out while the world is (conceptually) stopped.
type MemStats struct {
	HeapAlloc uintptr
	NMalloc   uint64
	NFree     uint64
	NObjects  int64
	NumGC     uint64
	NextGC    uintptr
	GCPercent int
}

// GCStats is the pause-history snapshot read_gc_stats delivers: most
// recent pause first, total pause time accumulated across every cycle,
// and the timestamp of the last completed cycle.
type GCStats struct {
	LastGC     time.Time
	NumGC      int64
	PauseTotal time.Duration
	Pause      []time.Duration // filled most-recent-first, up to cap(Pause) or ringSize
}

// FinalizerRunner is the external collaborator that drains and executes
// queued finalizers once a cycle hands them off, at Finish, whenever finq
// is non-empty. Runs is called with every finalizer record enqueued by
// the cycle that just finished.
type FinalizerRunner func([]finalizer.Finalizer)

// RootSource supplies the mutator-side root regions a cycle seeds from:
// globals, a stack walker and finalizer block storage. FinalizerTargets is
// filled in by Collector itself from its own finalizer.Registry, with the
// targets of queued finalizers.
type RootSource func() roots.Source

// Collector drives one heap through repeated collection cycles. It owns
// the shared mark-bit mutex that serializes bitbuf drains across every
// mark worker, and the work-buffer pool reused cycle to cycle.
type Collector struct {
	Heap    *gcheap.Heap
	ScanReg *scan.Registry
	Fin     *finalizer.Registry
	Runner  FinalizerRunner
	Sources RootSource

	Config Config

	pool   *workbuf.Pool
	markMu sync.Mutex

	worldsema *semaphore.Weighted

	statsMu    sync.Mutex
	gcPercent  int
	nextGC     uintptr
	numGC      uint64
	pauseRing  [ringSize]time.Duration
	pauseHead  int
	pauseCount int
	pauseTotal time.Duration
	lastGC     time.Time

	// Stats accumulates scan/work-buffer/sweep counters across the most
	// recently completed cycle, read by the trace line and exposed for
	// tests and metrics.
	ScanStats  scan.Stats
	WorkStats  workbuf.Stats
	SweepStats sweep.Stats
}

// New returns a Collector over h, seeded with cfg. reg and fin are the
// shared scan-program registry and finalizer registry the caller's
// mutator-side allocator also uses; sources supplies non-finalizer root
// regions (globals, stacks) each cycle.
func New(h *gcheap.Heap, reg *scan.Registry, fin *finalizer.Registry, sources RootSource, cfg Config) *Collector {
	if cfg.TraceWriter == nil {
		cfg.TraceWriter = os.Stderr
	}
	if cfg.World == nil {
		cfg.World = noopWorld{}
	}
	return &Collector{
		Heap:      h,
		ScanReg:   reg,
		Fin:       fin,
		Sources:   sources,
		Config:    cfg,
		pool:      workbuf.NewPool(),
		worldsema: semaphore.NewWeighted(1),
		gcPercent: cfg.GOGC,
		nextGC:    1 << 20,
	}
}

// SetGCPercent atomically swaps the trigger ratio and returns the
// previous value (in < 0 disables collection).
func (c *Collector) SetGCPercent(in int) int {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	old := c.gcPercent
	c.gcPercent = in
	return old
}

// ReadMemStats stops the world, copies the aggregated allocator/GC
// counters, and restarts the world.
func (c *Collector) ReadMemStats(out *MemStats) {
	c.Config.World.StopTheWorld()
	defer c.Config.World.StartTheWorld()

	hs := c.Heap.Stats
	c.statsMu.Lock()
	out.NumGC = c.numGC
	out.NextGC = c.nextGC
	out.GCPercent = c.gcPercent
	c.statsMu.Unlock()
	out.HeapAlloc = hs.HeapAlloc
	out.NMalloc = hs.NMalloc
	out.NFree = hs.NFree
	out.NObjects = hs.NObjects
}

// ReadGCStats delivers the pause ring buffer (most-recent first), the
// last-GC timestamp, cycle count, and total pause time. out.Pause must
// have capacity >= ringSize+3: the extra slack is documented headroom for
// a cycle completing concurrently with the read; this module serializes
// the two under statsMu so the slack is never actually needed, but the
// contract is kept so callers sized for that case work unchanged here.
func (c *Collector) ReadGCStats(out *GCStats) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	if cap(out.Pause) < ringSize+3 {
		throwf("ReadGCStats: Pause capacity %d < %d", cap(out.Pause), ringSize+3)
	}
	out.Pause = out.Pause[:0]
	for i := 0; i < c.pauseCount; i++ {
		idx := (c.pauseHead - 1 - i + ringSize) % ringSize
		out.Pause = append(out.Pause, c.pauseRing[idx])
	}
	out.LastGC = c.lastGC
	out.NumGC = int64(c.numGC)
	out.PauseTotal = c.pauseTotal
}

func (c *Collector) recordPause(d time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.pauseRing[c.pauseHead] = d
	c.pauseHead = (c.pauseHead + 1) % ringSize
	if c.pauseCount < ringSize {
		c.pauseCount++
	}
	c.pauseTotal += d
	c.lastGC = time.Now()
	c.numGC++
}

// nproc resolves MaxGcproc against the available processors:
// nproc = min(available, MaxGcproc).
func (c *Collector) nproc() int {
	avail := runtime.GOMAXPROCS(0)
	if c.Config.MaxGcproc > 0 && c.Config.MaxGcproc < avail {
		return c.Config.MaxGcproc
	}
	return avail
}

// Collect runs one collection cycle: Gate (skipped when force is set),
// SettleTypes (a no-op here: this module has no per-M pending type-tag
// writes to flush), Seed, Mark, Sweep, Finish. A Fatal panic from any
// invariant check below means the heap is no longer trustworthy; callers
// should not continue using this Collector's Heap afterward. A panic
// inside a mark or sweep worker goroutine is instead recovered and
// returned here as a plain error, since that failure is confined to one
// chunk of work rather than indicating heap corruption.
func (c *Collector) Collect(force bool) error {
	return c.collect(force, c.Config.DebugMark)
}

// CollectDebug runs one cycle with the DebugMark verification pass
// enabled regardless of Config.DebugMark, for callers that want to
// audit a single cycle without changing their steady-state Config.
func (c *Collector) CollectDebug(force bool) error {
	return c.collect(force, true)
}

func (c *Collector) collect(force bool, debugMark bool) error {
	if err := c.worldsema.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.worldsema.Release(1)
	return c.cycle(force, debugMark, c.Config.Trace > 1)
}

// cycle runs one collection cycle with worldsema already held. When extra
// is set and the Gate did not skip the cycle, one more forced cycle runs
// straight after it.
func (c *Collector) cycle(force, debugMark, extra bool) error {
	heapAlloc := c.Heap.Stats.HeapAlloc
	c.statsMu.Lock()
	gcPercent := c.gcPercent
	nextGC := c.nextGC
	c.statsMu.Unlock()
	if !force && (gcPercent < 0 || heapAlloc < nextGC) {
		return nil
	}

	start := time.Now()
	c.Config.World.StopTheWorld()

	nproc := c.nproc()

	rootObjs := c.seed()
	markStart := time.Now()
	if err := c.mark(rootObjs, nproc); err != nil {
		c.Config.World.StartTheWorld()
		return err
	}
	if debugMark {
		c.verifyDebugMark(rootObjs)
	}
	sweepStart := time.Now()
	if err := c.sweep(nproc); err != nil {
		c.Config.World.StartTheWorld()
		return err
	}
	finishStart := time.Now()

	newHeapAlloc := c.Heap.Stats.HeapAlloc
	c.statsMu.Lock()
	if gcPercent >= 0 {
		c.nextGC = newHeapAlloc + newHeapAlloc*uintptr(gcPercent)/100
	} else {
		c.nextGC = ^uintptr(0)
	}
	c.statsMu.Unlock()

	pending := c.Fin.Drain()
	if len(pending) > 0 && c.Runner != nil {
		c.Runner(pending)
	}

	c.Config.World.StartTheWorld()
	total := time.Since(start)
	c.recordPause(total)

	if c.Config.Trace >= 1 {
		c.printTrace(heapAlloc, newHeapAlloc, sweepStart.Sub(markStart), finishStart.Sub(sweepStart), total, total)
	}

	if extra {
		// One forced back-to-back cycle to measure steady-state residency,
		// using the config's own Trace level so the second pass logs
		// exactly like the first.
		return c.cycle(true, debugMark, false)
	}
	return nil
}

// seed builds this cycle's root object list: the caller-supplied
// RootSource plus the targets of finalizers c.Fin has queued to run.
func (c *Collector) seed() []workbuf.Object {
	var src roots.Source
	if c.Sources != nil {
		src = c.Sources()
	}
	src.FinalizerTargets = c.Fin.QueuedTargets
	return roots.Build(c.Heap, c.Heap.Bitmap, &c.markMu, src)
}

// mark runs the Mark state: parfor(markroot, nroot) followed by every
// worker draining the shared full list with keepWorking until global
// termination. A panicking worker chunk aborts the cycle with an error
// rather than crashing the process.
func (c *Collector) mark(rootObjs []workbuf.Object, nproc int) error {
	c.ScanStats = scan.Stats{}
	c.WorkStats = workbuf.Stats{}

	pf := parfor.New(nproc)
	workers := make([]*scan.Worker, nproc)
	for i := range workers {
		workers[i] = scan.NewWorker(c.Heap, c.Heap.Bitmap, c.ScanReg, c.pool, &c.markMu, &c.ScanStats)
	}

	if len(rootObjs) > 0 {
		err := pf.ParForChunks(len(rootObjs), func(chunkIdx, start, end int) {
			w := workers[chunkIdx%len(workers)]
			wb := c.pool.GetEmpty()
			for i := start; i < end; i++ {
				if wb.Full() {
					c.pool.PutFull(wb)
					wb = c.pool.GetEmpty()
				}
				wb.Push(rootObjs[i])
			}
			w.ScanBlock(wb, false, nil)
		})
		if err != nil {
			c.WorkStats = c.pool.Stats
			return err
		}
	}

	barrier := newTermBarrier(nproc)
	err := pf.ParForChunks(nproc, func(chunkIdx, _, _ int) {
		workers[chunkIdx].ScanBlock(nil, true, barrier.Done)
	})

	c.WorkStats = c.pool.Stats
	return err
}

// sweep runs the Sweep state: parfor(sweepspan, nspan). A panicking
// worker chunk aborts the cycle with an error rather than crashing the
// process.
func (c *Collector) sweep(nproc int) error {
	c.SweepStats = sweep.Stats{}
	spans := c.Heap.AllSpans()
	sw := &sweep.Sweeper{Heap: c.Heap, Bmap: c.Heap.Bitmap, Fin: c.Fin, DebugMark: c.Config.DebugMark}

	pf := parfor.New(nproc)
	err := pf.ParFor(len(spans), func(i int) {
		if spans[i].State != gcheap.SpanInUse {
			return
		}
		sw.SweepSpan(spans[i])
	})
	c.SweepStats = sw.Stats
	return err
}

// printTrace writes the GOGCTRACE >= 1 summary line. The steal field is
// always 0(0): this implementation's only work-transfer mechanism is
// handoff (a producer proactively splitting its buffer) followed by an
// ordinary GetFull pop, not a distinct steal-from-neighbor operation, so
// there is nothing to count separately.
func (c *Collector) printTrace(heap0, heap1 uintptr, markDur, sweepDur, stwDur, total time.Duration) {
	c.statsMu.Lock()
	n := c.numGC
	c.statsMu.Unlock()
	fmt.Fprintf(c.Config.TraceWriter,
		"gc%d(%d): %.0f+%.0f+%.0f ms, %d -> %d MB %d -> %d (%d-%d) objects, %d(%d) handoff, 0(0) steal, %d/%d/%d yields\n",
		n, c.nproc(),
		markDur.Seconds()*1000, sweepDur.Seconds()*1000, total.Seconds()*1000,
		heap0/(1<<20), heap1/(1<<20),
		0, c.Heap.Stats.NObjects,
		c.Heap.Stats.NMalloc, c.Heap.Stats.NFree,
		c.WorkStats.NHandoff, c.WorkStats.NHandoffCnt,
		c.WorkStats.NProcYield, c.WorkStats.NOSYield, c.WorkStats.NSleep,
	)
}

// verifyDebugMark is an optional single-threaded verification pass: it
// re-walks every root conservatively (independent of any type program,
// using a bare word-by-word candidate-pointer scan) and
// uses the Special bit as a shadow mark distinct from the real Marked bit,
// reporting — but not aborting on — any block found reachable here that
// the real mark phase left unmarked.
func (c *Collector) verifyDebugMark(rootObjs []workbuf.Object) {
	visited := make(map[uintptr]bool)
	for _, r := range rootObjs {
		c.debugScanblock(r.P, r.N, visited)
	}
}

func (c *Collector) debugScanblock(p, n uintptr, visited map[uintptr]bool) {
	for i := uintptr(0); i < n; i++ {
		cand := c.Heap.LoadWord(p + i)
		if cand == 0 || !c.Heap.InArena(cand) {
			continue
		}
		header, ok := debugResolveHeader(c.Heap, c.Heap.Bitmap, cand)
		if !ok || visited[header] {
			continue
		}
		visited[header] = true
		nib := c.Heap.Bitmap.Load(header)
		if !nib.Allocated {
			continue
		}
		if !nib.Marked {
			fmt.Fprintf(c.Config.TraceWriter, "stopgc: debug mark: block at %d reachable but unmarked\n", header)
		}
		c.Heap.Bitmap.SetBlockSpecial(header, true)
		c.debugScanblock(header, c.Heap.BlockWords(header), visited)
	}
}

// debugResolveHeader independently re-implements invariant I5's header
// resolution (round to a boundary bit already present, else scan
// backward, else fall back to the span table) so the verification pass
// doesn't simply call the same code the marking engine already trusts.
func debugResolveHeader(h *gcheap.Heap, bmap *bitmap.Bitmap, p uintptr) (uintptr, bool) {
	nib := bmap.Load(p)
	if nib.Allocated || nib.BlockBoundary() {
		return p, true
	}
	groupStart := (p / bitmap.K) * bitmap.K
	for q := p; q > groupStart; {
		q--
		n2 := bmap.Load(q)
		if n2.Allocated || n2.BlockBoundary() {
			return q, true
		}
	}
	span := h.LookupSpan(p)
	if span == nil || span.State != gcheap.SpanInUse || p >= span.Limit {
		return 0, false
	}
	if span.SizeClass == 0 {
		return span.BaseWord(), true
	}
	elemWords := span.ElemSize / bitmap.WordSize
	base := span.BaseWord()
	idx := (p - base) / elemWords
	return base + idx*elemWords, true
}
