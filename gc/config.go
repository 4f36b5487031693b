// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"io"
	"os"
	"strconv"
)

// Config holds everything the GOGC/GOGCTRACE environment variables
// configure, plus the escape hatches a library needs that a
// process-global env var can't give it (an override for embedding, and
// a world-stop collaborator a caller supplies instead of this module
// owning a real scheduler).
type Config struct {
	// GOGC is the trigger ratio (percent). A negative value disables
	// collection entirely, mirroring GOGC=off.
	GOGC int

	// Trace is the GOGCTRACE level. 0 is silent; >=1 prints one line per
	// cycle to TraceWriter; >1 additionally runs one extra back-to-back
	// cycle after every real one, to measure steady-state residency.
	Trace int

	// TraceWriter receives trace lines when Trace >= 1. Defaults to
	// os.Stderr.
	TraceWriter io.Writer

	// DebugMark enables the single-threaded verification pass
	// (debug_scanblock) after every mark phase.
	DebugMark bool

	// MaxGcproc caps the number of parallel mark/sweep workers. <= 0
	// means "use every available processor" (runtime.GOMAXPROCS).
	MaxGcproc int

	// World is the stop-the-world / start-the-world collaborator.
	// Defaults to a no-op: this library's "mutator" is whatever the
	// embedding caller represents it as, and many callers (tests, the
	// demo CLI) have no real mutator threads to stop at all.
	World WorldController
}

// WorldController is the mutator-scheduler collaborator treated as
// external to this package: stop-the-world / start-the-world around a
// collection cycle.
type WorldController interface {
	StopTheWorld()
	StartTheWorld()
}

type noopWorld struct{}

func (noopWorld) StopTheWorld()  {}
func (noopWorld) StartTheWorld() {}

// DefaultConfig returns a Config populated from process-global settings:
// GOGC and GOGCTRACE read from the environment, default GOGC of 100,
// trace off, no world controller.
func DefaultConfig() Config {
	cfg := Config{
		GOGC:        100,
		TraceWriter: os.Stderr,
		World:       noopWorld{},
	}
	if v, ok := os.LookupEnv("GOGC"); ok {
		if v == "off" {
			cfg.GOGC = -1
		} else if n, err := strconv.Atoi(v); err == nil {
			cfg.GOGC = n
		}
	}
	if v, ok := os.LookupEnv("GOGCTRACE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trace = n
		}
	}
	return cfg
}
