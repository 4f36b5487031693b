package scan

import (
	"sync"
	"testing"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/workbuf"
)

func newTestWorker(h *gcheap.Heap) *Worker {
	reg := NewRegistry()
	pool := workbuf.NewPool()
	var mu sync.Mutex
	return &Worker{
		Heap: h, Bmap: h.Bitmap, Reg: reg, Pool: pool, MarkMu: &mu,
		Stats:    &Stats{},
		seenMaps: make(map[uintptr]bool),
	}
}

func scanRoot(w *Worker, p, n uintptr, ti TI) {
	wb := &workbuf.Workbuf{}
	wb.Push(workbuf.Object{P: p, N: n, TI: uintptr(ti)})
	w.ScanBlock(wb, false, nil)
}

// TestPTRChainMarksTarget is end-to-end scenario 1 in miniature: a
// pointer field in one block keeps another block alive.
func TestPTRChainMarksTarget(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	b0 := h.Alloc(2*bitmap.WordSize, false)
	b1 := h.Alloc(2*bitmap.WordSize, true)
	h.SetWords(b0, b1, 0)

	prog := &Program{Instrs: []Instr{{Op: OpPTR, Off: 0}}}
	idx := w.Reg.AddProgram(prog)
	ti := MakeTI(idx, true, false)

	scanRoot(w, b0, 2, ti)

	if !h.Bitmap.Load(b1).Marked {
		t.Fatal("expected target block to be Marked after PTR scan")
	}
}

// TestArrayStartNextVisitsEveryElement scans a 3-element array of 1-word
// pointer structs, each pointing at its own target block.
func TestArrayStartNextVisitsEveryElement(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	const n = 3
	targets := make([]uintptr, n)
	for i := range targets {
		targets[i] = h.Alloc(bitmap.WordSize, true)
	}

	arr := h.Alloc(n*bitmap.WordSize, false)
	h.SetWords(arr, targets[0], targets[1], targets[2])

	arrProg := &Program{Instrs: []Instr{
		{Op: OpARRAY_START, Off: 0, Count: n, ElemSize: 1, Target: 3},
		{Op: OpPTR, Off: 0},
		{Op: OpARRAY_NEXT},
	}}
	arrIdx := w.Reg.AddProgram(arrProg)
	ti := MakeTI(arrIdx, true, false)

	scanRoot(w, arr, n, ti)

	for i, tgt := range targets {
		if !h.Bitmap.Load(tgt).Marked {
			t.Fatalf("target %d not marked", i)
		}
	}
}

// TestSliceEmitsBackingArrayWhenNonEmpty covers the SLICE opcode.
func TestSliceEmitsBackingArrayWhenNonEmpty(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	target := h.Alloc(bitmap.WordSize, true)
	backing := h.Alloc(bitmap.WordSize, false)
	h.SetWords(backing, target)

	ptrProg := &Program{Instrs: []Instr{{Op: OpPTR, Off: 0}}, ElemSize: 1}
	ptrIdx := w.Reg.AddProgram(ptrProg)

	header := h.Alloc(3*bitmap.WordSize, false)
	h.SetWords(header, backing, 1, 1) // data, len, cap

	sliceProg := &Program{Instrs: []Instr{{Op: OpSLICE, Off: 0, TI: MakeTI(ptrIdx, true, true)}}}
	sliceIdx := w.Reg.AddProgram(sliceProg)
	ti := MakeTI(sliceIdx, true, false)

	scanRoot(w, header, 3, ti)

	if !h.Bitmap.Load(backing).Marked {
		t.Fatal("expected backing array to be marked via SLICE")
	}
	if !h.Bitmap.Load(target).Marked {
		t.Fatal("expected backing array's own pointer to be followed once enqueued")
	}
}

// TestMapPtrVisitsEachSlotOnceAndMarksTargets covers MAP_PTR with
// indirect values.
func TestMapPtrVisitsEachSlotOnceAndMarksTargets(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	v0 := h.Alloc(bitmap.WordSize, true)
	v1 := h.Alloc(bitmap.WordSize, true)

	mapHeader := h.Alloc(4*bitmap.WordSize, false)
	h.SetWords(mapHeader, 0, v0, 0, v1) // two slots of stride 2: {key, valptr}

	mt := &MapType{Slots: 2, SlotStride: 2, KeyOff: 0, KeySize: 0, ValOff: 1, ValIndirect: true}
	mapIdx := w.Reg.AddMap(mt)

	fieldHolder := h.Alloc(bitmap.WordSize, false)
	h.SetWords(fieldHolder, mapHeader)

	prog := &Program{Instrs: []Instr{{Op: OpMAP_PTR, Off: 0, Map: mapIdx}}}
	progIdx := w.Reg.AddProgram(prog)
	ti := MakeTI(progIdx, true, false)

	scanRoot(w, fieldHolder, 1, ti)

	if !h.Bitmap.Load(v0).Marked || !h.Bitmap.Load(v1).Marked {
		t.Fatal("expected both map values marked")
	}
	if !h.Bitmap.Load(mapHeader).Marked {
		t.Fatal("expected map header itself to be marked live")
	}
}

// TestChanScansFullCapacityUnconditionally covers end-to-end scenario 5:
// every slot up to dataqsiz is scanned, not just the filled ones.
func TestChanScansFullCapacityUnconditionally(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	t0 := h.Alloc(bitmap.WordSize, true)
	t1 := h.Alloc(bitmap.WordSize, true)
	t2 := h.Alloc(bitmap.WordSize, true)

	const chanHeaderWords = 3
	const capacity = 8
	ch := h.Alloc((chanHeaderWords+capacity)*bitmap.WordSize, false)
	h.SetWords(ch, 3, capacity, 1, t0, t1, t2)

	fieldHolder := h.Alloc(bitmap.WordSize, false)
	h.SetWords(fieldHolder, ch)

	elemTI := MakeTI(0, true, false)
	prog := &Program{Instrs: []Instr{{Op: OpCHAN, Off: 0, ElemSize: 1, TI: elemTI}}}
	progIdx := w.Reg.AddProgram(prog)
	ti := MakeTI(progIdx, true, false)

	scanRoot(w, fieldHolder, 1, ti)

	for i, tgt := range []uintptr{t0, t1, t2} {
		if !h.Bitmap.Load(tgt).Marked {
			t.Fatalf("channel element %d not marked", i)
		}
	}
}

// TestImpreciseBlockTriggersRescan covers end-to-end scenario 6.
func TestImpreciseBlockTriggersRescan(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	target := h.Alloc(bitmap.WordSize, true)

	const nominal = 2
	block := h.Alloc((nominal+1)*bitmap.WordSize, false)
	h.SetWords(block, 0, 0, target)

	prog := &Program{Instrs: []Instr{}, ElemSize: nominal}
	progIdx := w.Reg.AddProgram(prog)
	ti := MakeTI(progIdx, false, false) // imprecise

	scanRoot(w, block, nominal+1, ti)

	if w.Stats.Rescan != 1 {
		t.Fatalf("expected exactly one rescan, got %d", w.Stats.Rescan)
	}
	if w.Stats.RescanBytes != int64((nominal+1)*bitmap.WordSize) {
		t.Fatalf("unexpected rescan byte count: %d", w.Stats.RescanBytes)
	}
	if !h.Bitmap.Load(target).Marked {
		t.Fatal("expected rescan to find and mark the trailing pointer")
	}
}

// TestResolveHeaderIsIdempotent checks resolveHeader(resolveHeader(p)) ==
// resolveHeader(p): once a pointer has been rounded down to its block's
// header word, resolving that header again must return it unchanged,
// whether the pointer started out pointing at the header itself or at
// an interior word.
func TestResolveHeaderIsIdempotent(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	block := h.Alloc(4*bitmap.WordSize, false)
	interior := block + 2

	header1, ok1 := w.resolveHeader(interior)
	if !ok1 {
		t.Fatal("expected resolveHeader to find a header for an interior pointer")
	}
	if header1 != block {
		t.Fatalf("expected resolved header %d, got %d", block, header1)
	}

	header2, ok2 := w.resolveHeader(header1)
	if !ok2 || header2 != header1 {
		t.Fatalf("resolveHeader(resolveHeader(p)) = %d, want %d", header2, header1)
	}

	header3, ok3 := w.resolveHeader(header2)
	if !ok3 || header3 != header2 {
		t.Fatalf("third resolveHeader call diverged: got %d, want %d", header3, header2)
	}
}

// TestDefaultPtrScanIsUsedWhenNoProgramFound covers the fully-conservative
// path taken when ti.Program()==0 and the span has no type table either.
func TestDefaultPtrScanIsUsedWhenNoProgramFound(t *testing.T) {
	h := gcheap.NewHeap(64)
	w := newTestWorker(h)

	target := h.Alloc(bitmap.WordSize, true)
	block := h.Alloc(2*bitmap.WordSize, false)
	h.SetWords(block, target, 0)

	scanRoot(w, block, 2, TI(0))

	if w.Stats.DefaultScan != 1 {
		t.Fatalf("expected one conservative scan, got %d", w.Stats.DefaultScan)
	}
	if !h.Bitmap.Load(target).Marked {
		t.Fatal("expected conservative scan to find and mark the pointer")
	}
}
