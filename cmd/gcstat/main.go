// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gcstat drives a Collector over a synthetic heap so the cycle
// controller can be exercised and traced from the command line, without
// needing a real Go process's allocator wired in.
package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/mzxdream/stopgc/bitmap"
	"github.com/mzxdream/stopgc/finalizer"
	"github.com/mzxdream/stopgc/gc"
	"github.com/mzxdream/stopgc/gcheap"
	"github.com/mzxdream/stopgc/roots"
	"github.com/mzxdream/stopgc/scan"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gcstat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		gogc    int
		trace   int
		objects int
		cycles  int
		seed    int64
	)

	cmd := &cobra.Command{
		Use:   "gcstat",
		Short: "Build a synthetic object graph and drive the collector over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), gogc, trace, objects, cycles, seed)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&gogc, "gogc", 100, "GOGC trigger percentage (negative disables unforced collection)")
	flags.IntVar(&trace, "trace", 1, "GOGCTRACE verbosity (0 silent, 1 per-cycle line, >1 forces a second back-to-back cycle)")
	flags.IntVar(&objects, "objects", 10000, "number of small objects to allocate into a random graph before collecting")
	flags.IntVar(&cycles, "cycles", 1, "number of Collect(force=true) cycles to run")
	flags.Int64Var(&seed, "seed", 1, "random seed for the synthetic object graph")

	return cmd
}

// run allocates objects into the heap, links each to a handful of later
// objects to produce a mix of garbage and survivors, roots a random
// subset directly, and then drives the collector for the requested
// number of cycles, writing each cycle's trace line to w.
func run(w io.Writer, gogc, trace, objects, cycles int, seedArg int64) error {
	h := gcheap.NewHeap(uintptr(objects))
	reg := scan.NewRegistry()
	fin := finalizer.NewRegistry()

	rng := rand.New(rand.NewSource(seedArg))

	headers := make([]uintptr, objects)
	for i := 0; i < objects; i++ {
		headers[i] = h.Alloc(4*bitmap.WordSize, false)
	}
	for i, b := range headers {
		fanout := rng.Intn(3)
		for f := 0; f < fanout; f++ {
			j := rng.Intn(objects)
			h.SetWords(b+uintptr(f), headers[j])
		}
	}

	rootCount := objects / 20
	rootCells := make([]uintptr, rootCount)
	for i := range rootCells {
		rootCells[i] = h.Alloc(bitmap.WordSize, false)
		h.SetWords(rootCells[i], headers[rng.Intn(objects)])
	}

	sources := func() roots.Source {
		regions := make([]roots.Region, len(rootCells))
		for i, c := range rootCells {
			regions[i] = roots.Region{Base: c, Words: 1}
		}
		return roots.Source{Globals: regions}
	}

	cfg := gc.DefaultConfig()
	cfg.GOGC = gogc
	cfg.Trace = trace
	cfg.TraceWriter = w
	c := gc.New(h, reg, fin, sources, cfg)

	for i := 0; i < cycles; i++ {
		if err := c.Collect(true); err != nil {
			return err
		}
	}

	var ms gc.MemStats
	c.ReadMemStats(&ms)
	fmt.Fprintf(w, "final: alloc=%d objects=%d nmalloc=%d nfree=%d\n", ms.HeapAlloc, ms.NObjects, ms.NMalloc, ms.NFree)
	return nil
}
