// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sweep implements the per-span reclaimer: sweeping a span,
// the finalizer hookup on discovery of an unreachable block with a
// registered finalizer, free-list assembly, and span return to the
// heap.
package sweep

import (
	"sync/atomic"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/finalizer"
	"github.com/mzxdream/stopgc/gcheap"
)

// Stats aggregates sweep-phase counters, folding per-cache
// nfree/local_alloc/local_cachealloc/local_objects counters into one
// heap-wide total (mirrors gcheap.Stats' own simplification).
type Stats struct {
	Freed      int64
	Survived   int64
	Finalized  int64
}

// Sweeper owns the heap, bitmap, and finalizer registry a sweep pass
// reclaims against.
type Sweeper struct {
	Heap  *gcheap.Heap
	Bmap  *bitmap.Bitmap
	Fin   *finalizer.Registry
	Stats Stats

	// DebugMark runs handle_special on every block regardless of its
	// Special bit, for the cycle controller's optional verification pass.
	DebugMark bool
}

// SweepSpan reclaims every unmarked, non-finalizer-pending block in s. A
// span is owned exclusively by the calling worker for the duration of
// this call, so its bitmap words need no atomics.
func (sw *Sweeper) SweepSpan(s *gcheap.Span) {
	if s.State != gcheap.SpanInUse {
		return
	}

	base := s.BaseWord()

	if s.SizeClass == 0 {
		sw.sweepLarge(s, base)
		return
	}

	elemWords := s.ElemSize / bitmap.WordSize
	n := s.NumElems()
	var freed []uintptr

	for i := uintptr(0); i < n; i++ {
		header := base + i*elemWords
		nib := sw.Bmap.Load(header)
		if !nib.Allocated {
			continue
		}
		if nib.Marked {
			sw.Bmap.ClearMarked(header)
			atomic.AddInt64(&sw.Stats.Survived, 1)
			continue
		}
		if (nib.Special || sw.DebugMark) && sw.Fin.HandleSpecial(header) {
			atomic.AddInt64(&sw.Stats.Finalized, 1)
			continue
		}
		sw.Bmap.MarkFreed(header, elemWords)
		sw.Heap.StoreWord(header, 0)
		freed = append(freed, header)
	}

	for _, header := range freed {
		sw.Heap.FreeSmall(s.SizeClass, header, s.ElemSize)
		atomic.AddInt64(&sw.Stats.Freed, 1)
	}
}

func (sw *Sweeper) sweepLarge(s *gcheap.Span, header uintptr) {
	nib := sw.Bmap.Load(header)
	if !nib.Allocated {
		return
	}
	if nib.Marked {
		sw.Bmap.ClearMarked(header)
		atomic.AddInt64(&sw.Stats.Survived, 1)
		return
	}
	if (nib.Special || sw.DebugMark) && sw.Fin.HandleSpecial(header) {
		atomic.AddInt64(&sw.Stats.Finalized, 1)
		return
	}
	words := s.Limit - header
	sw.Bmap.MarkFreed(header, words)
	sw.Heap.StoreWord(header, 0)
	sw.Heap.FreeLarge(s, s.ElemSize)
	atomic.AddInt64(&sw.Stats.Freed, 1)
}
