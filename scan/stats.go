package scan

import "sync/atomic"

// Stats aggregates the marking engine's counters into one shared,
// atomically-updated block (all of this module's workers in a cycle
// share one Stats rather than summing per-P copies at Finish, since this
// library has no per-P state).
type Stats struct {
	PtrSum int64 // pointers discovered across all flushes
	PtrCnt int64 // flushptrbuf invocations
	ObjSum int64 // objects enqueued
	ObjCnt int64 // enqueue calls that resulted in a push

	NoType     int64 // type-lookup fallback found no type table
	TypeLookup int64 // type-lookup fallback found a type table (its program may still be nil)

	Rescan      int64
	RescanBytes int64

	DefaultScan int64 // objects scanned with no program at all (fully conservative)

	Instr [numOps]int64 // per-opcode execution counts
}

func (s *Stats) incrInstr(op Op) { atomic.AddInt64(&s.Instr[op], 1) }
