// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package parfor is the collector's parallel-for driver: the external
// collaborator the cycle controller only configures and dispatches
// through. Structured after a chunked-dispatch worker-pool shape, rebuilt
// on golang.org/x/sync/errgroup rather than a hand-rolled
// WaitGroup-and-channel pool: a GC cycle dispatches parfor a couple of
// times (mark roots, then sweep spans), not in a hot loop, so there is
// nothing worth keeping a persistent goroutine pool alive for.
package parfor

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool dispatches ParFor calls across up to Workers goroutines.
type Pool struct {
	Workers int
}

// New returns a Pool with workers goroutines, defaulting to GOMAXPROCS
// when workers <= 0 (the collector's MaxGcproc setting at the start of
// a cycle).
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{Workers: workers}
}

// ParForChunks splits [0, n) into up to p.Workers contiguous chunks and
// runs fn(chunkIndex, start, end) for each, one goroutine per chunk,
// blocking until all complete or one fails. chunkIndex lets a caller
// bind one exclusive resource (e.g. a scan.Worker) to each goroutine
// for the whole chunk, rather than sharing it across the range.
//
// A panic inside any chunk is recovered and returned as an error
// instead of crashing the process (errgroup itself does not recover
// panics). The first chunk to fail cancels the group's derived
// context, so chunks not yet dispatched are skipped rather than doing
// work whose result will be discarded.
func (p *Pool) ParForChunks(n int, fn func(chunkIndex, start, end int)) error {
	if n <= 0 {
		return nil
	}
	workers := p.Workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return runChunk(fn, 0, 0, n)
	}

	chunk := (n + workers - 1) / workers
	g, ctx := errgroup.WithContext(context.Background())
dispatch:
	for w := 0; w < workers; w++ {
		select {
		case <-ctx.Done():
			break dispatch
		default:
		}
		start := w * chunk
		if start >= n {
			break
		}
		end := start + chunk
		if end > n {
			end = n
		}
		idx := w
		g.Go(func() error {
			return runChunk(fn, idx, start, end)
		})
	}
	return g.Wait()
}

// runChunk calls fn and converts any panic into an error, so one
// chunk's fault is reported to the caller rather than taking down
// every other worker's goroutine with it.
func runChunk(fn func(chunkIndex, start, end int), idx, start, end int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("parfor: chunk %d panicked: %v", idx, r)
			}
		}
	}()
	fn(idx, start, end)
	return nil
}

// ParFor calls body(i) for every i in [0, n), splitting the range into
// contiguous chunks across up to p.Workers goroutines, and blocks until
// every chunk completes or one fails — the barrier that lets callers
// rely on "every root is added before any marking begins".
func (p *Pool) ParFor(n int, body func(i int)) error {
	return p.ParForChunks(n, func(_, start, end int) {
		for i := start; i < end; i++ {
			body(i)
		}
	})
}
