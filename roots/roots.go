// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package roots rebuilds the collector's root set at the start of every
// cycle: globals, span per-element type-table cells, mutator stack
// regions, and finalizer targets/block storage.
//
// Root regions that are not themselves heap blocks (globals, stacks,
// type-table cells, finalizer block storage) are handed to the marking
// engine as plain conservative (TI==0) scan regions — the same DEFAULT_PTR
// treatment untyped data gets — since this module has no stack maps or
// global pointer bitmaps to consult. Finalizer targets are
// different: they ARE heap blocks about to be swept if nothing marks
// them, so Build marks each one directly before handing it to the
// scanner, mirroring the real markroot treating a finalizer's referent as
// already-known-live rather than a pointer still needing resolution.
package roots

import (
	"sync"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/workbuf"
)

// Region is a word-addressed range to scan conservatively.
type Region struct {
	Base  uintptr
	Words uintptr
}

// Source supplies everything the enumerator needs from the rest of the
// system: global/bss analogs, a mutator stack walker, and the finalizer
// subsystem's queued targets and block storage. Each is optional (nil
// or empty slices are fine) so callers that only exercise part of the
// collector (e.g. a test with no finalizers) don't need stub types.
type Source struct {
	Globals []Region

	// Stacks returns one Region per live goroutine stack frame that
	// should be scanned this cycle. Computed lazily (called once per
	// Build) so a caller can snapshot frame pointers just before the
	// stop-the-world root walk.
	Stacks func() []Region

	// FinalizerTargets returns the already-resolved header address of
	// every block a queued finalizer (one already moved to finq, waiting to
	// run) refers to (mlookup having already run).
	FinalizerTargets func() []uintptr

	// FinalizerBlocks returns the fin[] array storage of every
	// outstanding FinBlock, rooted so the finalizer queue itself survives
	// the cycle that is about to run finalizers registered in it.
	FinalizerBlocks func() []Region
}

// Build walks h's spans for populated type tables, combines them with
// src's root sources, marks every finalizer target, and returns the
// complete root object list ready to seed the marking engine's initial
// work buffers (one Object per root region).
func Build(h *gcheap.Heap, bmap *bitmap.Bitmap, markMu *sync.Mutex, src Source) []workbuf.Object {
	var out []workbuf.Object

	appendRegion := func(r Region) {
		if r.Words == 0 {
			return
		}
		out = append(out, workbuf.Object{P: r.Base, N: r.Words, TI: 0})
	}

	for _, r := range src.Globals {
		appendRegion(r)
	}

	for _, s := range h.AllSpans() {
		if s.State != gcheap.SpanInUse {
			continue
		}
		if s.Types.Compression != gcheap.TypesWords && s.Types.Compression != gcheap.TypesBytes {
			continue
		}
		appendRegion(Region{Base: s.Types.Data, Words: 1})
	}

	if src.Stacks != nil {
		for _, r := range src.Stacks() {
			appendRegion(r)
		}
	}

	if src.FinalizerBlocks != nil {
		for _, r := range src.FinalizerBlocks() {
			appendRegion(r)
		}
	}

	if src.FinalizerTargets != nil {
		for _, header := range src.FinalizerTargets() {
			markMu.Lock()
			bmap.TrySetMarked(header)
			markMu.Unlock()
			out = append(out, workbuf.Object{P: header, N: h.BlockWords(header), TI: 0})
		}
	}

	return out
}
