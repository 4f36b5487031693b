package workbuf

import "sync/atomic"

func atomicLoad64(p *uint64) uint64 { return atomic.LoadUint64(p) }

func atomicCas64(p *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(p, old, new)
}
