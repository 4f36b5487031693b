package scan

import (
	"sync"
	"sync/atomic"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/workbuf"
)

// bufCap is the fixed capacity of the intermediate ptrbuf/bitbuf/objbuf
// arrays.
const bufCap = 64

type ptrEntry struct {
	p  uintptr
	ti TI
}

type bitEntry struct {
	header uintptr
	ti     TI
}

type objEntry struct {
	p, n uintptr
	ti   TI
}

// frameKind distinguishes an ARRAY_START loop frame (which re-enters its
// body via ARRAY_NEXT) from a CALL frame (which returns once, via END).
type frameKind int

const (
	frameArray frameKind = iota
	frameCall
)

type frame struct {
	kind      frameKind
	ret       int // CALL: pc to resume at
	bodyStart int // ARRAY: pc of the loop body's first instruction
	remaining uintptr
	elemSize  uintptr
	savedCur  uintptr
}

// Worker is one mark goroutine's scanning context: its local intermediate
// buffers, its current work buffer, and the resources shared by every
// worker in the cycle (heap, bitmap, registry, work-buffer pool, and the
// single mutex serializing mark-bit writes).
type Worker struct {
	Heap   *gcheap.Heap
	Bmap   *bitmap.Bitmap
	Reg    *Registry
	Pool   *workbuf.Pool
	MarkMu *sync.Mutex
	Stats  *Stats

	wbuf *workbuf.Workbuf

	ptrbuf [bufCap]ptrEntry
	nptr   int
	bitbuf [bufCap]bitEntry
	nbit   int
	objbuf [bufCap]objEntry
	nobj   int

	// seenMaps tracks map headers this worker has already iterated,
	// so MAP_PTR's "if new, begin iteration" check has somewhere to
	// record a first-visit even though TrySetMarked only reports it to
	// whichever worker calls it first. It is private to this Worker: a
	// different Worker reaching the same map iterates it again.
	seenMaps map[uintptr]bool
}

// NewWorker returns a Worker sharing heap, bitmap, registry, pool, mark
// mutex, and stats with the rest of the cycle's workers.
func NewWorker(h *gcheap.Heap, b *bitmap.Bitmap, r *Registry, p *workbuf.Pool, markMu *sync.Mutex, stats *Stats) *Worker {
	return &Worker{Heap: h, Bmap: b, Reg: r, Pool: p, MarkMu: markMu, Stats: stats, seenMaps: make(map[uintptr]bool)}
}

// ScanBlock drains work for this Worker starting from initial (which may
// be nil, in which case it is fetched from the empty/full pools as
// needed). When keepWorking is false, it stops once its local buffer runs
// dry, returning that buffer to the empty pool (a single markroot call's
// scan). When keepWorking is true it keeps pulling from the full list via
// Pool.GetFull's three-stage backoff until markDone reports global
// termination.
func (w *Worker) ScanBlock(initial *workbuf.Workbuf, keepWorking bool, markDone func() bool) {
	w.wbuf = initial
	for {
		if w.wbuf == nil || w.wbuf.Empty() {
			if w.wbuf != nil {
				w.Pool.PutEmpty(w.wbuf)
				w.wbuf = nil
			}
			if !keepWorking {
				return
			}
			next := w.Pool.GetFull(markDone)
			if next == nil {
				return
			}
			w.wbuf = next
		}
		obj := w.wbuf.Pop()
		w.scanOneObject(obj.P, obj.N, TI(obj.TI))
	}
}

func (w *Worker) scanOneObject(b, n uintptr, ti TI) {
	prog := w.Reg.GetProgram(ti.Program())
	if prog == nil {
		prog = w.typeLookup(b)
	}
	if prog == nil {
		atomic.AddInt64(&w.Stats.DefaultScan, 1)
		w.defaultPtrScan(b, n)
		w.flushAll()
		return
	}

	elemSize := prog.ElemSize
	if elemSize == 0 {
		elemSize = n
	}
	count := uintptr(1)
	if ti.Loop() && elemSize > 0 {
		if c := n / elemSize; c > 0 {
			count = c
		}
	}
	for i := uintptr(0); i < count; i++ {
		w.runProgram(prog, b+i*elemSize)
	}
	if !ti.Precise() {
		covered := count * elemSize
		if covered < n {
			w.rescan(b+covered, n-covered, b, n)
		}
	}
	w.flushAll()
}

func (w *Worker) typeLookup(b uintptr) *Program {
	span := w.Heap.LookupSpan(b)
	if span == nil || span.Types.Compression == gcheap.TypesEmpty {
		atomic.AddInt64(&w.Stats.NoType, 1)
		return nil
	}
	atomic.AddInt64(&w.Stats.TypeLookup, 1)
	return w.Reg.GetProgram(span.Types.Program)
}

// runProgram executes prog once against base, with these per-opcode
// effects: PTR/APTR/STRING stage a
// candidate pointer; SLICE stages its backing array when cap!=0;
// ARRAY_START/ARRAY_NEXT and CALL manage the frame stack; REGION/MAP_PTR/
// CHAN/DEFAULT_PTR stage sub-regions or conservative ranges; END pops the
// current CALL frame (ARRAY frames loop via ARRAY_NEXT, never END).
func (w *Worker) runProgram(p *Program, base uintptr) {
	cur := base
	pc := 0
	var frames []frame

	for pc < len(p.Instrs) {
		ins := p.Instrs[pc]
		w.Stats.incrInstr(ins.Op)
		switch ins.Op {
		case OpPTR:
			w.emitPtr(w.Heap.LoadWord(cur+ins.Off), ins.TI)
			pc++
		case OpAPTR:
			w.emitPtr(w.Heap.LoadWord(cur+ins.Off), TI(0))
			pc++
		case OpSTRING:
			w.emitPtr(w.Heap.LoadWord(cur+ins.Off), TI(0))
			pc++
		case OpSLICE:
			// convention: [data, len, cap] three consecutive words, Off
			// points at the data word.
			if cap := w.Heap.LoadWord(cur + ins.Off + 2); cap != 0 {
				data := w.Heap.LoadWord(cur + ins.Off)
				w.emitPtr(data, MakeTI(ins.TI.Program(), true, true))
			}
			pc++
		case OpEFACE:
			w.scanEface(cur + ins.Off)
			pc++
		case OpIFACE:
			w.scanIface(cur + ins.Off)
			pc++
		case OpARRAY_START:
			if ins.Count == 0 {
				cur = cur + ins.Off
				pc = ins.Target
				continue
			}
			frames = append(frames, frame{
				kind:      frameArray,
				bodyStart: pc + 1,
				remaining: ins.Count,
				elemSize:  ins.ElemSize,
				savedCur:  cur,
			})
			cur = cur + ins.Off
			pc++
		case OpARRAY_NEXT:
			top := &frames[len(frames)-1]
			top.remaining--
			if top.remaining > 0 {
				cur += top.elemSize
				pc = top.bodyStart
			} else {
				cur = top.savedCur
				frames = frames[:len(frames)-1]
				pc++
			}
		case OpCALL:
			frames = append(frames, frame{kind: frameCall, ret: pc + 1, savedCur: cur})
			cur = cur + ins.Off
			pc = ins.Target
		case OpREGION:
			w.emitRegion(cur+ins.Off, ins.Size, ins.TI)
			pc++
		case OpMAP_PTR:
			w.scanMapPtr(cur+ins.Off, ins.Map)
			pc++
		case OpMAP_NEXT:
			pc++
		case OpCHAN:
			w.scanChan(cur+ins.Off, ins.ElemSize, ins.TI)
			pc++
		case OpDEFAULT_PTR:
			w.defaultPtrScan(cur+ins.Off, ins.Size)
			pc++
		case OpEND:
			if len(frames) == 0 {
				return
			}
			top := frames[len(frames)-1]
			frames = frames[:len(frames)-1]
			cur = top.savedCur
			pc = top.ret
		default:
			panic("scan: unknown opcode")
		}
	}
}

func (w *Worker) scanMapPtr(fieldAddr uintptr, mapIdx int) {
	mapPtr := w.Heap.LoadWord(fieldAddr)
	if mapPtr == 0 {
		return
	}
	if !w.markMapIfNew(mapPtr) {
		return
	}
	mt := w.Reg.GetMap(mapIdx)
	if mt == nil {
		return
	}
	for i := uintptr(0); i < mt.Slots; i++ {
		slot := mapPtr + i*mt.SlotStride
		if mt.KeyIndirect {
			w.emitPtr(w.Heap.LoadWord(slot+mt.KeyOff), mt.KeyTI)
		} else if mt.KeySize > 0 {
			w.emitRegion(slot+mt.KeyOff, mt.KeySize, mt.KeyTI)
		}
		if mt.ValIndirect {
			w.emitPtr(w.Heap.LoadWord(slot+mt.ValOff), mt.ValTI)
		} else if mt.ValSize > 0 {
			w.emitRegion(slot+mt.ValOff, mt.ValSize, mt.ValTI)
		}
	}
}

// markMapIfNew reports whether this call is this Worker's first visit to
// mapPtr: the first visit also markonly's the map header itself so
// a bare pointer-to-map elsewhere in the graph still counts the map live.
func (w *Worker) markMapIfNew(mapPtr uintptr) bool {
	w.MarkMu.Lock()
	defer w.MarkMu.Unlock()
	if w.seenMaps[mapPtr] {
		return false
	}
	w.seenMaps[mapPtr] = true
	w.markonlyLocked(mapPtr)
	return true
}

// scanChan scans a channel's circular element buffer. fieldAddr holds the
// channel pointer; the buffer is assumed to start immediately after a
// small fixed header {qcount, dataqsiz, elemsize-in-words}; every slot up
// to dataqsiz is scanned unconditionally, not just the logically-filled
// ones, trading a little extra scan work for never missing a live slot.
func (w *Worker) scanChan(fieldAddr uintptr, elemWords uintptr, elemTI TI) {
	chanPtr := w.Heap.LoadWord(fieldAddr)
	if chanPtr == 0 {
		return
	}
	const chanHeaderWords = 3
	dataqsiz := w.Heap.LoadWord(chanPtr + 1)
	bufStart := chanPtr + chanHeaderWords
	for i := uintptr(0); i < dataqsiz; i++ {
		w.emitRegion(bufStart+i*elemWords, elemWords, elemTI)
	}
}

// defaultPtrScan is the fully conservative DEFAULT_PTR opcode: every word
// in [addr, addr+n) is a candidate pointer.
func (w *Worker) defaultPtrScan(addr, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		w.emitPtr(w.Heap.LoadWord(addr+i), TI(0))
	}
}

func (w *Worker) emitPtr(p uintptr, ti TI) {
	if p == 0 {
		return
	}
	w.ptrbuf[w.nptr] = ptrEntry{p: p, ti: ti}
	w.nptr++
	if w.nptr == bufCap {
		w.flushPtrBuf()
	}
}

func (w *Worker) emitRegion(addr, n uintptr, ti TI) {
	if n == 0 {
		return
	}
	w.objbuf[w.nobj] = objEntry{p: addr, n: n, ti: ti}
	w.nobj++
	if w.nobj == bufCap {
		w.flushObjBuf()
	}
}

func (w *Worker) flushAll() {
	if w.nptr > 0 {
		w.flushPtrBuf()
	}
	if w.nobj > 0 {
		w.flushObjBuf()
	}
}

// flushPtrBuf resolves every staged candidate pointer to its block header
// (the interior-pointer-to-header resolution), drops anything outside the arena or not
// currently allocated, then — serialized by MarkMu — sets Marked on each
// surviving header exactly once and enqueues its block for scanning
// unless it carries NoPointers.
func (w *Worker) flushPtrBuf() {
	atomic.AddInt64(&w.Stats.PtrCnt, 1)
	atomic.AddInt64(&w.Stats.PtrSum, int64(w.nptr))

	for i := 0; i < w.nptr; i++ {
		e := w.ptrbuf[i]
		if !w.Heap.InArena(e.p) {
			continue
		}
		header, ok := w.resolveHeader(e.p)
		if !ok {
			continue
		}
		nib := w.Bmap.Load(header)
		if !nib.Allocated || nib.Marked {
			continue
		}
		w.bitbuf[w.nbit] = bitEntry{header: header, ti: e.ti}
		w.nbit++
	}
	w.nptr = 0

	w.MarkMu.Lock()
	for i := 0; i < w.nbit; i++ {
		be := w.bitbuf[i]
		nib := w.Bmap.Load(be.header)
		if nib.Marked {
			continue
		}
		if !w.Bmap.TrySetMarked(be.header) {
			continue
		}
		if !nib.NoPointers() {
			sz := w.blockSizeWords(be.header)
			w.enqueueLocked(be.header, sz, be.ti)
		}
	}
	w.nbit = 0
	w.MarkMu.Unlock()

	w.maybeHandoff()
}

// flushObjBuf enqueues every staged sub-region directly: these regions
// were discovered inside an already-live container (map bucket, channel
// slot), so no bitmap lookup or mark-bit write applies.
func (w *Worker) flushObjBuf() {
	for i := 0; i < w.nobj; i++ {
		e := w.objbuf[i]
		w.enqueue(e.p, e.n, e.ti)
	}
	w.nobj = 0
}

// resolveHeader implements invariant I5: round to a header word already
// marked Allocated/BlockBoundary, else scan backward within the same
// bitmap word group for one, else fall back to the span table.
func (w *Worker) resolveHeader(p uintptr) (uintptr, bool) {
	nib := w.Bmap.Load(p)
	if nib.Allocated || nib.BlockBoundary() {
		return p, true
	}
	groupStart := (p / bitmap.K) * bitmap.K
	for q := p; q > groupStart; {
		q--
		n2 := w.Bmap.Load(q)
		if n2.Allocated || n2.BlockBoundary() {
			return q, true
		}
	}
	span := w.Heap.LookupSpan(p)
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

func (w *Worker) blockSizeWords(header uintptr) uintptr {
	return w.Heap.BlockWords(header)
}

// markonlyLocked resolves p to its block header and marks it, for a
// caller that already holds MarkMu, used by markMapIfNew.
func (w *Worker) markonlyLocked(p uintptr) bool {
	if !w.Heap.InArena(p) {
		return false
	}
	header, ok := w.resolveHeader(p)
	if !ok {
		return false
	}
	return w.Bmap.TrySetMarked(header)
}

// Markonly resolves p to its block header and marks it, for a caller
// not already holding MarkMu.
func (w *Worker) Markonly(p uintptr) bool {
	w.MarkMu.Lock()
	defer w.MarkMu.Unlock()
	return w.markonlyLocked(p)
}

func (w *Worker) rescan(tailStart, tailWords, origB, origN uintptr) {
	found := false
	for i := uintptr(0); i < tailWords; i++ {
		if w.Heap.LoadWord(tailStart+i) != 0 {
			found = true
			break
		}
	}
	if !found {
		return
	}
	atomic.AddInt64(&w.Stats.Rescan, 1)
	atomic.AddInt64(&w.Stats.RescanBytes, int64(origN*bitmap.WordSize))
	w.enqueue(origB, origN, TI(0))
}

// enqueue word-aligns (a no-op in this word-addressed arena), drops
// zero-length regions, pushes to the current work buffer (fetching a
// fresh empty one if needed), then applies the handoff policy.
func (w *Worker) enqueue(p, n uintptr, ti TI) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&w.Stats.ObjSum, 1)
	atomic.AddInt64(&w.Stats.ObjCnt, 1)
	if w.wbuf == nil {
		w.wbuf = w.Pool.GetEmpty()
	}
	if w.wbuf.Full() {
		w.Pool.PutFull(w.wbuf)
		w.wbuf = w.Pool.GetEmpty()
	}
	w.wbuf.Push(workbuf.Object{P: p, N: n, TI: uintptr(ti)})
	w.maybeHandoff()
}

// enqueueLocked is enqueue for a caller already holding MarkMu (the
// flushPtrBuf drain loop); the work buffer itself needs no extra lock
// since it is private to this Worker.
func (w *Worker) enqueueLocked(p, n uintptr, ti TI) { w.enqueue(p, n, ti) }

// maybeHandoff offers half of the current buffer to the full list once
// it grows past the handoff threshold. This does not first check that a
// sibling worker is actually waiting with the full list empty: it offers
// surplus whenever there is surplus. Objects handed off during a
// ScanBlock call with keepWorking false stay on the full list; that call
// does not scan them.
func (w *Worker) maybeHandoff() {
	if w.wbuf != nil {
		w.wbuf = w.Pool.Handoff(w.wbuf)
	}
}
