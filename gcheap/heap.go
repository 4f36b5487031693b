package gcheap

import (
	"sync"

	"github.com/mzxdream/stopgc/bitmap"
)

// DefaultSizeClasses are the small-object size classes, in bytes, carved
// out of fresh spans. Entry i is the size of class i+1; class 0 is
// reserved for large objects (SizeClass == 0 on the Span).
var DefaultSizeClasses = []uintptr{
	16, 32, 48, 64, 96, 128, 192, 256,
	384, 512, 768, 1024, 1536, 2048, 3072, 4096,
}

// largeObjectThreshold mirrors maxSmallSize: anything bigger allocates its
// own span directly from the page heap.
const largeObjectThreshold = 4096

// Stats aggregates the allocator-facing counters the sweeper updates
// per cache (nfree, local_alloc, local_cachealloc, local_objects), folded
// into one heap-wide total since this library has no per-P caches.
type Stats struct {
	HeapAlloc  uintptr // bytes currently allocated and not yet swept
	NMalloc    uint64
	NFree      uint64
	NObjects   int64
}

// Heap is a page-backed, size-classed allocator: the page heap and
// size-classed allocator the collector treats as an external
// collaborator. Its backing store is a plain []uintptr arena (word-addressed) rather than
// raw process memory, so the whole collector can run and be tested without
// unsafe pointer games against live Go objects; a pointer in this design
// is simply the word offset of a block's header.
type Heap struct {
	mu sync.Mutex

	Bitmap *bitmap.Bitmap
	Memory []uintptr // arena contents, word-addressed; Memory[off] is heap word off

	usedWords uintptr // bump frontier for carving new spans

	pageMap  map[uintptr]*Span // page index -> owning span
	allSpans []*Span

	classToSize []uintptr   // bytes; entry i is class i+1 (large objects use class 0)
	central     [][]uintptr // free element word-offsets per class

	Stats Stats
}

// NewHeap creates an empty heap. initialWords pre-sizes the backing arena;
// it grows automatically thereafter.
func NewHeap(initialWords uintptr) *Heap {
	h := &Heap{
		Bitmap:      bitmap.New(0),
		Memory:      make([]uintptr, 0, initialWords),
		pageMap:     make(map[uintptr]*Span),
		classToSize: DefaultSizeClasses,
		central:     make([][]uintptr, len(DefaultSizeClasses)),
	}
	// Word offset 0 is the nil pointer, so the first page is left unused
	// and no block header ever sits at offset 0.
	h.bumpWords(PageSize / bitmap.WordSize)
	return h
}

// ArenaUsedWords returns the current arena_used offset, in words.
func (h *Heap) ArenaUsedWords() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedWords
}

// InArena reports whether word offset p could be a valid in-arena pointer.
func (h *Heap) InArena(p uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return p < h.usedWords
}

// AllSpans returns every span the heap has ever carved, in creation order,
// including freed ones (matching mheap.allspans, which the root enumerator
// and sweeper both iterate in full, skipping non-InUse spans themselves).
func (h *Heap) AllSpans() []*Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Span, len(h.allSpans))
	copy(out, h.allSpans)
	return out
}

// bumpWords grows Memory by n words, zero-filled, returning the base
// offset of the new region.
func (h *Heap) bumpWords(n uintptr) uintptr {
	base := h.usedWords
	need := base + n
	if uintptr(cap(h.Memory)) < need {
		grown := make([]uintptr, need, need*2+16)
		copy(grown, h.Memory)
		h.Memory = grown
	} else {
		h.Memory = h.Memory[:need]
	}
	h.usedWords = need
	h.Bitmap.MapBits(need)
	return base
}

func wordsForBytes(n uintptr) uintptr {
	return (n + bitmap.WordSize - 1) / bitmap.WordSize
}

func (h *Heap) sizeClassFor(n uintptr) (class int, elemSize uintptr) {
	for i, sz := range h.classToSize {
		if n <= sz {
			return i + 1, sz
		}
	}
	return 0, n
}

// newSpan carves a fresh run of pages for the given size class (0 for a
// large object of elemSize bytes) and registers it in pageMap/allSpans,
// pre-marking block-boundary bits across every future element slot.
func (h *Heap) newSpan(class int, elemSize uintptr) *Span {
	var npages uintptr
	if class == 0 {
		npages = (elemSize + PageSize - 1) / PageSize
		if npages == 0 {
			npages = 1
		}
	} else {
		npages = 1
	}
	nbytes := npages * PageSize
	base := h.bumpWords(nbytes / bitmap.WordSize)
	startPage := base * bitmap.WordSize / PageSize

	s := &Span{
		StartPage: startPage,
		NPages:    npages,
		SizeClass: class,
		ElemSize:  elemSize,
		State:     SpanInUse,
	}
	s.Limit = base + nbytes/bitmap.WordSize

	for pg := uintptr(0); pg < npages; pg++ {
		h.pageMap[startPage+pg] = s
	}
	h.allSpans = append(h.allSpans, s)

	if class != 0 {
		elemWords := elemSize / bitmap.WordSize
		n := s.NumElems()
		h.Bitmap.MarkSpan(base, elemWords, n, true)
	}
	return s
}

// SetSpanTypes attaches a per-element type table to s: a one-word arena
// cell is carved to hold pointee, and s.Types.Data is set to that cell's
// address rather than to pointee directly, so the root enumerator has an
// actual arena location to add as a root (the type-table pointer cell)
// instead of a bare value with nowhere to scan from.
func (h *Heap) SetSpanTypes(s *Span, compression TypesCompression, pointee uintptr) uintptr {
	h.mu.Lock()
	cell := h.bumpWords(1)
	h.mu.Unlock()
	h.StoreWord(cell, pointee)
	s.mu.Lock()
	s.Types.Compression = compression
	s.Types.Data = cell
	s.mu.Unlock()
	return cell
}

// SetSpanProgram attaches program (a scan.Registry index) as s's default
// scan program: every block in s whose own ti resolves to "unknown" falls
// back to this program via the type-lookup path. It does not by itself
// mark the span as having a rootable type table; combine with
// SetSpanTypes when the span's type table also needs to be kept alive
// as a root.
func (h *Heap) SetSpanProgram(s *Span, program int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Types.Program = program
	if s.Types.Compression == TypesEmpty {
		s.Types.Compression = TypesSingle
	}
}

// LookupSpan returns the span owning word offset p, or nil.
func (h *Heap) LookupSpan(p uintptr) *Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	page := p * bitmap.WordSize / PageSize
	return h.pageMap[page]
}

// BlockWords returns the element size, in words, of the block whose
// header is at off, consulting the owning span's size class (or its
// Limit for a large object). Shared by the marking engine's pointer
// resolution and the root enumerator/sweeper, all of which need the
// same "how big is this block" answer once they have a header address.
func (h *Heap) BlockWords(header uintptr) uintptr {
	s := h.LookupSpan(header)
	if s == nil {
		return 1
	}
	if s.SizeClass == 0 {
		return s.Limit - header
	}
	return s.ElemSize / bitmap.WordSize
}

// LoadWord reads heap word off. The marking engine uses this in place of
// dereferencing a real pointer: every "load the word at b+off" step in
// the scan bytecode becomes a LoadWord call against this arena.
func (h *Heap) LoadWord(off uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= uintptr(len(h.Memory)) {
		return 0
	}
	return h.Memory[off]
}

// StoreWord writes heap word off, used by the sweeper to zero a freed
// block's first words ("mark the first word for zeroing").
func (h *Heap) StoreWord(off, v uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= uintptr(len(h.Memory)) {
		return
	}
	h.Memory[off] = v
}

// SetWords writes a contiguous run of words starting at off, for tests and
// mutator-side bookkeeping that build object graphs in the simulated arena.
func (h *Heap) SetWords(off uintptr, words ...uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range words {
		h.Memory[off+uintptr(i)] = w
	}
}

// Alloc reserves a block of nBytes, returning its header word offset. It
// pops from the matching size class's central free list when possible,
// otherwise carves a fresh span. noScan marks the block NoPointers in the
// bitmap.
func (h *Heap) Alloc(nBytes uintptr, noScan bool) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	if nBytes == 0 {
		nBytes = bitmap.WordSize
	}

	if nBytes > largeObjectThreshold {
		s := h.newSpan(0, nBytes)
		off := s.BaseWord()
		h.Bitmap.MarkAllocated(off, wordsForBytes(nBytes), noScan)
		h.Stats.HeapAlloc += nBytes
		h.Stats.NMalloc++
		h.Stats.NObjects++
		return off
	}

	class, elemSize := h.sizeClassFor(nBytes)
	free := h.central[class-1]
	var off uintptr
	if len(free) > 0 {
		off = free[len(free)-1]
		h.central[class-1] = free[:len(free)-1]
	} else {
		s := h.newSpan(class, elemSize)
		base := s.BaseWord()
		n := s.NumElems()
		for i := uintptr(1); i < n; i++ {
			h.central[class-1] = append(h.central[class-1], base+i*(elemSize/bitmap.WordSize))
		}
		off = base
	}
	h.Bitmap.MarkAllocated(off, wordsForBytes(elemSize), noScan)
	h.Stats.HeapAlloc += elemSize
	h.Stats.NMalloc++
	h.Stats.NObjects++
	return off
}

// FreeSmall returns a swept small-object offset to its size class's
// central free list.
func (h *Heap) FreeSmall(class int, off uintptr, elemSize uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.central[class-1] = append(h.central[class-1], off)
	h.Stats.HeapAlloc -= elemSize
	h.Stats.NFree++
	h.Stats.NObjects--
}

// FreeLarge returns a large span to a free state (sizeclass 0 spans are
// never reused by this simplified heap; coalescing pages back into a
// free page treap is out of this module's scope as a pure allocator
// concern).
func (h *Heap) FreeLarge(s *Span, elemSize uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.State = SpanFree
	h.Stats.HeapAlloc -= elemSize
	h.Stats.NFree++
	h.Stats.NObjects--
}
