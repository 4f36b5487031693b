// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package workbuf implements the mark phase's work-buffer pool: fixed
// capacity batches of Objects, handed between the root enumerator, mark
// workers, and the flush routines that fill them, via two lock-free LIFO
// stacks (full and empty). Adapted from runtime/mgc0.c's workbuf/get_empty/
// get_full/put_empty/handoff, with lfstack.go supplying the ABA-safe stack
// primitive both lists are built on.
package workbuf

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// Capacity is the number of Objects one Workbuf holds, mirroring the
// runtime's page-sized work buffer (4KB of 3-word Obj entries, rounded to a
// tidy number for this word-addressed arena).
const Capacity = 256

// handoffThreshold is nobj; Handoff splits a buffer only once it holds more
// than this many objects, and then only half of them move, so the
// handing-off worker always keeps some work. The split does not depend on
// whether any sibling is waiting in GetFull.
const handoffThreshold = 4

// Object is one entry of a filled Workbuf: a heap word offset discovered to
// be a live pointer, the byte size of the block it starts, and a reference
// to that block's scan program (an opaque handle the scan package resolves;
// zero means "no type info, scan conservatively").
type Object struct {
	P  uintptr // word offset of the block's first word
	N  uintptr // block size, in words
	TI uintptr // type-info handle, owned by package scan
}

// Workbuf is a fixed-capacity batch of Objects plus the lock-free-stack node
// that lets it live on the full or empty list.
type Workbuf struct {
	node lfnode // must remain the first field: see workbufOf
	nobj int
	obj  [Capacity]Object
}

func workbufNode(w *Workbuf) *lfnode { return &w.node }
func workbufOf(n *lfnode) *Workbuf   { return (*Workbuf)(unsafe.Pointer(n)) }

// Empty reports whether the buffer holds no objects.
func (w *Workbuf) Empty() bool { return w.nobj == 0 }

// Full reports whether the buffer has no room for another object.
func (w *Workbuf) Full() bool { return w.nobj == Capacity }

// Len returns the number of objects currently in the buffer.
func (w *Workbuf) Len() int { return w.nobj }

// Push appends obj to the buffer. Callers must check Full first.
func (w *Workbuf) Push(obj Object) {
	w.obj[w.nobj] = obj
	w.nobj++
}

// Pop removes and returns the last object in the buffer. Callers must check
// Empty first.
func (w *Workbuf) Pop() Object {
	w.nobj--
	return w.obj[w.nobj]
}

// Stats mirrors the counters gcstats keeps for work-buffer traffic:
// nhandoff/nhandoffcnt count the Handoff splits and the objects they moved
// onto the full list; the remaining fields count how a
// stalled GetFull backed off while waiting. This pool has no separate
// steal path (a consumer reaching into another buffer's tail directly):
// all work transfer goes through PutFull/GetFull and the proactive
// Handoff split, so there is nothing else to count.
type Stats struct {
	NHandoff    int64
	NHandoffCnt int64
	NProcYield  int64
	NOSYield    int64
	NSleep      int64
	PutEmpty    int64
	GetFull     int64
}

// Pool holds the full and empty lock-free lists shared by every mark
// worker in one collection cycle.
type Pool struct {
	full  uint64
	empty uint64

	Stats Stats
}

// NewPool returns an empty Pool with both lists empty.
func NewPool() *Pool {
	return &Pool{}
}

// GetEmpty returns an empty Workbuf, allocating a fresh one if the empty
// list has none, mirroring getempty(0) falling back to mallocgc.
func (p *Pool) GetEmpty() *Workbuf {
	if n := lfstackPop(&p.empty); n != nil {
		w := workbufOf(n)
		w.nobj = 0
		return w
	}
	return &Workbuf{}
}

// PutEmpty returns a drained Workbuf to the empty list.
func (p *Pool) PutEmpty(w *Workbuf) {
	atomic.AddInt64(&p.Stats.PutEmpty, 1)
	lfstackPush(&p.empty, workbufNode(w))
}

// PutFull pushes a filled Workbuf onto the full list, to be claimed by any
// worker that calls GetFull.
func (p *Pool) PutFull(w *Workbuf) {
	lfstackPush(&p.full, workbufNode(w))
}

// GetFull pops a Workbuf off the full list, backing off in three stages
// (spin, yield, sleep) while it waits for one to appear, matching the
// runtime's getfull: a short busy loop, then Gosched, then a capped sleep,
// each stage counted in Stats so tests can assert on contention behavior.
// It returns nil once nowaiting workers is reached, i.e. every worker
// (including the caller) is already blocked here and the list is still
// empty — signaled by markDone returning true.
func (p *Pool) GetFull(markDone func() bool) *Workbuf {
	atomic.AddInt64(&p.Stats.GetFull, 1)
	for i := 0; i < 20; i++ {
		if n := lfstackPop(&p.full); n != nil {
			return workbufOf(n)
		}
		if markDone != nil && markDone() {
			return nil
		}
		atomic.AddInt64(&p.Stats.NProcYield, 1)
	}
	for i := 0; i < 10; i++ {
		if n := lfstackPop(&p.full); n != nil {
			return workbufOf(n)
		}
		if markDone != nil && markDone() {
			return nil
		}
		runtime.Gosched()
		atomic.AddInt64(&p.Stats.NOSYield, 1)
	}
	for {
		if n := lfstackPop(&p.full); n != nil {
			return workbufOf(n)
		}
		if markDone != nil && markDone() {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt64(&p.Stats.NSleep, 1)
	}
}

// Handoff splits w in two when it holds more than handoffThreshold objects,
// pushing the lower half onto the full list as a fresh Workbuf for any idle
// worker to steal, and returns the (possibly unchanged) buffer the caller
// should keep working from. This is how a single root-enumeration or
// scan burst fans out to the rest of the parallel mark workers without
// them needing to poll the root set themselves.
func (p *Pool) Handoff(w *Workbuf) *Workbuf {
	if w.nobj <= handoffThreshold {
		return w
	}
	half := w.nobj / 2
	out := p.GetEmpty()
	copy(out.obj[:half], w.obj[:half])
	out.nobj = half
	copy(w.obj[:w.nobj-half], w.obj[half:w.nobj])
	w.nobj -= half

	atomic.AddInt64(&p.Stats.NHandoff, 1)
	atomic.AddInt64(&p.Stats.NHandoffCnt, int64(half))
	p.PutFull(out)
	return w
}
