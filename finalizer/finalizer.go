// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package finalizer implements the collector's finalizer registry and
// run queue: registration, the sweeper's enqueue-on-discovery hook, and
// draining to an external finalizer-runner task.
//
// finq/finc/allfin record entries as FinBlock pages of a fixed record
// count, even though nothing in this simulated collector needs the block
// storage itself rooted: a Finalizer's Fn and Arg live in ordinary
// Go-managed memory (a Registry is a normal Go struct, not a block inside
// the simulated arena this collector marks and sweeps), so there is no
// arena cell for the root enumerator to add on their behalf — only a
// finalizer's Arg target, which IS a simulated-arena block, needs
// rooting, and Registry supplies that via QueuedTargets for
// roots.Source.FinalizerTargets.
package finalizer

import "sync"

// Finalizer is one registered-and-ready-to-run record.
type Finalizer struct {
	Fn   interface{}
	Arg  uintptr
	NRet int
}

const finBlockCap = 32

// FinBlock is a fixed-capacity page of Finalizer records, linked into
// finq (records ready to run) or finc (empty pages held for reuse).
type FinBlock struct {
	next *FinBlock
	cnt  int
	fin  [finBlockCap]Finalizer
}

// Registry owns every registered finalizer and the to-run/free-cache
// queues handle_special feeds during sweep.
type Registry struct {
	mu sync.Mutex

	pending map[uintptr]Finalizer // header -> registered finalizer, awaiting unreachability

	finqHead, finqTail *FinBlock
	finqLen            int
	finc               *FinBlock // free FinBlock pages
	allfin             []*FinBlock
}

// NewRegistry returns an empty finalizer registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uintptr]Finalizer)}
}

// Register records that header should run fn(arg=header) with nret return
// words once header becomes unreachable. Callers are expected to have
// already set the block's Special bit in the bitmap (the allocator-side
// contract: Special=1 means "has a finalizer").
func (r *Registry) Register(header uintptr, fn interface{}, nret int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[header] = Finalizer{Fn: fn, Arg: header, NRet: nret}
}

// Registered reports whether header currently has a pending finalizer.
func (r *Registry) Registered(header uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[header]
	return ok
}

// QueuedTargets returns the Arg of every finalizer already moved into
// finq (found unreachable by a prior sweep, awaiting the external
// runner), for roots.Source.FinalizerTargets. Crucially this does NOT
// include finalizers still in pending (registered but not yet found
// unreachable): those must stay eligible for normal unreachability
// detection, or handle_special would never fire and the finalizer would
// never run. Once a target is in finq, though, it must survive any
// further cycle that runs before the external runner drains it: it is
// kept reachable as a root of the next cycle.
func (r *Registry) QueuedTargets() []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uintptr, 0, r.finqLen)
	for blk := r.finqHead; blk != nil; blk = blk.next {
		for i := 0; i < blk.cnt; i++ {
			out = append(out, blk.fin[i].Arg)
		}
	}
	return out
}

// HandleSpecial is the sweeper's enqueue-on-discovery hook: called for a
// block found Special and unmarked. If header has a registered
// finalizer, it is moved from pending into the finq run queue and
// HandleSpecial returns true (block must not be freed this cycle). If
// header's Special bit was set for some other reason this registry
// doesn't model, it returns false so the caller frees the block normally.
func (r *Registry) HandleSpecial(header uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[header]
	if !ok {
		return false
	}
	delete(r.pending, header)
	r.push(f)
	return true
}

func (r *Registry) push(f Finalizer) {
	if r.finqTail == nil || r.finqTail.cnt == finBlockCap {
		blk := r.getBlock()
		if r.finqTail != nil {
			r.finqTail.next = blk
		}
		r.finqTail = blk
		if r.finqHead == nil {
			r.finqHead = blk
		}
	}
	r.finqTail.fin[r.finqTail.cnt] = f
	r.finqTail.cnt++
	r.finqLen++
}

func (r *Registry) getBlock() *FinBlock {
	if r.finc != nil {
		blk := r.finc
		r.finc = blk.next
		blk.next = nil
		blk.cnt = 0
		return blk
	}
	blk := &FinBlock{}
	r.allfin = append(r.allfin, blk)
	return blk
}

// Pending reports how many finalizers are queued to run.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finqLen
}

// Drain removes and returns every queued finalizer, in the order
// HandleSpecial queued them, returning their FinBlock pages to the free cache for reuse — the
// handoff to the external finalizer-runner task the cycle controller
// performs once a cycle finishes, when finq is non-empty.
func (r *Registry) Drain() []Finalizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finqLen == 0 {
		return nil
	}
	out := make([]Finalizer, 0, r.finqLen)
	for blk := r.finqHead; blk != nil; {
		out = append(out, blk.fin[:blk.cnt]...)
		next := blk.next
		blk.next = r.finc
		r.finc = blk
		blk = next
	}
	r.finqHead, r.finqTail, r.finqLen = nil, nil, 0
	return out
}
