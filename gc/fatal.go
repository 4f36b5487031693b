package gc

import "fmt"

// Fatal is the panic value raised for every invariant violation that
// would otherwise abort the process outright: misaligned work buffers,
// out-of-arena pointers on a debug path, span inconsistency during
// sweep, an unknown GC opcode, and the like. A library embedded in
// someone else's binary can't unilaterally abort the process, so stopgc
// panics a Fatal instead and documents that recovering from one leaves
// the heap in an undefined state.
type Fatal struct {
	Msg   string
	Cause error
}

func (f Fatal) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("stopgc: fatal: %s: %v", f.Msg, f.Cause)
	}
	return fmt.Sprintf("stopgc: fatal: %s", f.Msg)
}

func (f Fatal) Unwrap() error { return f.Cause }

func throwf(format string, args ...interface{}) {
	panic(Fatal{Msg: fmt.Sprintf(format, args...)})
}
