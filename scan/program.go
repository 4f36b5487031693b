// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan implements the marking engine's type-directed scan
// bytecode interpreter (scanblock), its intermediate pointer/object
// buffers and their flush routines, and markonly/enqueue.
package scan

import "sync"

// Op is one scan-bytecode opcode.
type Op int

const (
	OpPTR Op = iota
	OpAPTR
	OpSTRING
	OpSLICE
	OpEFACE
	OpIFACE
	OpARRAY_START
	OpARRAY_NEXT
	OpCALL
	OpREGION
	OpMAP_PTR
	OpMAP_NEXT
	OpCHAN
	OpDEFAULT_PTR
	OpEND
	numOps
)

// TI is an object's type info: the low two bits encode {Precise, Loop};
// the upper bits identify a scan program. Real Go packs
// a pointer to the program there; this module has no type metadata to
// point at, so the upper bits are instead a 1-based index into a
// Registry, matching the role the packed pointer plays (0 = unknown,
// scan conservatively) without unsafe pointer arithmetic over a
// simulated arena.
type TI uintptr

const (
	tiPrecise = 1 << 0
	tiLoop    = 1 << 1
	tiShift   = 2
)

// MakeTI builds a TI referencing program (0 for "unknown/conservative").
func MakeTI(program int, precise, loop bool) TI {
	var t TI
	if precise {
		t |= tiPrecise
	}
	if loop {
		t |= tiLoop
	}
	return t | TI(program)<<tiShift
}

// Precise reports whether the type's pointer layout is fully known.
func (t TI) Precise() bool { return t&tiPrecise != 0 }

// Loop reports whether the object is a repeated run of this type (an
// array/slice backing store), scanned as `n/elemsize` repetitions.
func (t TI) Loop() bool { return t&tiLoop != 0 }

// Program returns the 1-based registry index this TI refers to, or 0.
func (t TI) Program() int { return int(t >> tiShift) }

// Instr is one scan-bytecode instruction. Not every field is meaningful
// for every Op; see the per-opcode comments on the fields below and
// Worker.runProgram.
type Instr struct {
	Op       Op
	Off      uintptr // word offset from the current base
	TI       TI      // PTR / SLICE / REGION / CHAN element type
	Count    uintptr // ARRAY_START element count
	ElemSize uintptr // ARRAY_START / CHAN element size, in words
	Size     uintptr // REGION / DEFAULT_PTR size, in words
	Target   int     // ARRAY_START: pc to jump to when Count==0; CALL: subprogram entry pc
	Map      int      // MAP_PTR: index into Registry's map descriptors
}

// Program is one type's compiled scan bytecode: a flat instruction list
// plus the per-element size used to compute repeat counts for Loop types
// and rescan boundaries for imprecise ones.
type Program struct {
	Instrs   []Instr
	ElemSize uintptr // words; 0 means "use the whole object" (count=1)
}

// MapType describes a map's bucket layout well enough for MAP_PTR/
// MAP_NEXT to walk it: a fixed number of key/value slots starting at a
// known offset from the map header, each either stored inline (scanned
// as a REGION, i.e. objbuf) or held indirectly behind a pointer (scanned
// via ptrbuf).
type MapType struct {
	Slots      uintptr
	SlotStride uintptr // words per slot
	KeyOff     uintptr
	KeySize    uintptr // words, used when inline
	KeyIndirect bool
	KeyTI      TI
	ValOff     uintptr
	ValSize    uintptr
	ValIndirect bool
	ValTI      TI
}

// Registry owns every Program and MapType a cycle's objects may
// reference via TI.Program()/Instr.Map, plus span per-element type
// table entries consulted by the type-lookup fallback (get_type).
// Index 0 is reserved ("no program"); registration returns indices
// starting at 1.
type Registry struct {
	mu       sync.Mutex
	programs []*Program
	maps     []*MapType
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{programs: []*Program{nil}, maps: []*MapType{nil}}
}

// AddProgram registers p and returns its 1-based index.
func (r *Registry) AddProgram(p *Program) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = append(r.programs, p)
	return len(r.programs) - 1
}

// GetProgram returns the program at idx, or nil for idx==0 or an
// out-of-range index.
func (r *Registry) GetProgram(idx int) *Program {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx <= 0 || idx >= len(r.programs) {
		return nil
	}
	return r.programs[idx]
}

// AddMap registers m and returns its index for use as Instr.Map.
func (r *Registry) AddMap(m *MapType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps = append(r.maps, m)
	return len(r.maps) - 1
}

// GetMap returns the map descriptor at idx, or nil.
func (r *Registry) GetMap(idx int) *MapType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx <= 0 || idx >= len(r.maps) {
		return nil
	}
	return r.maps[idx]
}
