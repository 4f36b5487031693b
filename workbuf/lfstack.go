// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Lock-free stack. Initialize a stack's head to 0 and compare against 0
// to test for emptiness.
//
// A node pointer and a push counter are packed into a single uint64 to
// make push/pop ABA-safe even though the instruction is a plain CAS on
// the head word; pushcnt changes on every push, so a goroutine that reads
// the head, does other work, and CASes later can never mistake a node it
// already saw for a "new" one with the same address.
//
// This implementation assumes a single 64-bit target layout, with no
// 32-bit or AIX build-tag split; see DESIGN.md for why that
// simplification was taken.
package workbuf

import (
	"sync"
	"unsafe"
)

// lfnodes holds a real reference to every node ever pushed: the stack
// head and each node's next link store addresses packed into a uint64,
// which neither escape analysis nor the garbage collector treats as a
// pointer.
var lfnodes sync.Map

const (
	addrBits = 48
	cntBits  = 64 - addrBits + 3
)

// lfnode must be embedded as the first field of any type put on a
// lock-free stack.
type lfnode struct {
	next    uint64
	pushcnt uintptr
}

func lfstackPack(node *lfnode, cnt uintptr) uint64 {
	return uint64(uintptr(unsafe.Pointer(node)))<<(64-addrBits) | uint64(cnt&(1<<cntBits-1))
}

func lfstackUnpack(val uint64) *lfnode {
	return (*lfnode)(unsafe.Pointer(uintptr(int64(val) >> cntBits << 3)))
}

// lfstackPush pushes node onto the stack rooted at head.
func lfstackPush(head *uint64, node *lfnode) {
	lfnodes.Store(node, struct{}{})
	node.pushcnt++
	new := lfstackPack(node, node.pushcnt)
	for {
		old := atomicLoad64(head)
		node.next = old
		if atomicCas64(head, old, new) {
			break
		}
	}
}

// lfstackPop pops and returns the top node of the stack rooted at head, or
// nil if it is empty.
func lfstackPop(head *uint64) *lfnode {
	for {
		old := atomicLoad64(head)
		if old == 0 {
			return nil
		}
		node := lfstackUnpack(old)
		next := atomicLoad64(&node.next)
		if atomicCas64(head, old, next) {
			return node
		}
	}
}
