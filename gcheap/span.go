// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcheap is the collector's external collaborator: a page-backed
// heap organized into size-classed spans. The page heap and allocator
// are treated as out of scope for the collector itself, referenced only
// through a narrow interface (span lookup, alloc/free, page mapping);
// gcheap is a small, concrete implementation of that interface so the
// rest of the module has a real heap to mark and sweep.
package gcheap

import (
	"sync"

	"github.com/mzxdream/stopgc/bitmap"
)

// PageShift/PageSize set the page granularity.
const (
	PageShift = 13
	PageSize  = uintptr(1) << PageShift
)

// SpanState is the lifecycle state of a Span.
type SpanState int

const (
	SpanFree SpanState = iota
	SpanInUse
)

// TypesCompression mirrors MSpan.types.compression: how a span's
// per-element type table is encoded.
type TypesCompression int

const (
	TypesEmpty TypesCompression = iota
	TypesSingle
	TypesWords
	TypesBytes
)

// SpanTypes is a span's per-element type metadata.
type SpanTypes struct {
	Compression TypesCompression
	Data        uintptr // root-able cell: holds a type-table reference

	// Program is the scan.Registry index (see scan.TI.Program) the
	// type-lookup fallback returns for every block in this span whose
	// own ti is unknown. Kept separate from
	// Data: Data is an arena cell the root enumerator roots verbatim,
	// while Program is a plain registry index with no arena presence of
	// its own to keep alive.
	Program int
}

// Span is a contiguous run of pages with a fixed size class (or a single
// large object when SizeClass == 0).
type Span struct {
	mu sync.Mutex

	StartPage uintptr
	NPages    uintptr
	SizeClass int     // 0 means a single large object spanning the whole span
	ElemSize  uintptr // bytes per element
	Limit     uintptr // word offset one past the last usable word
	State     SpanState
	Types     SpanTypes
}

// BaseWord is the word offset of the first page of the span.
func (s *Span) BaseWord() uintptr {
	return s.StartPage * PageSize / bitmap.WordSize
}

// NumElems returns how many elements of ElemSize fit in the span.
func (s *Span) NumElems() uintptr {
	if s.SizeClass == 0 {
		return 1
	}
	return s.NPages * PageSize / s.ElemSize
}
