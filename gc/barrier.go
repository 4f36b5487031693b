package gc

import "sync/atomic"

// termBarrier implements the termination condition workbuf.Pool.GetFull's
// three-stage backoff polls via its markDone callback: the backoff ends
// when and only when every worker is simultaneously
// waiting with the full list empty (nwait == nproc). GetFull only invokes
// markDone immediately after its own lfstackPop attempt comes back empty,
// so by the time Done is called the caller has already observed an empty
// full list at that instant; Done's job is purely to detect whether every
// other worker is observing the same thing at once.
type termBarrier struct {
	nproc int32
	nwait int32
}

func newTermBarrier(nproc int) *termBarrier {
	return &termBarrier{nproc: int32(nproc)}
}

// Done reports whether this call completes a round where nproc workers are
// all waiting at once. A worker that doesn't complete the round backs off
// its own vote so a later round (the next backoff tick) can try again —
// needed because GetFull's caller may still find new work between ticks.
func (b *termBarrier) Done() bool {
	n := atomic.AddInt32(&b.nwait, 1)
	if n >= b.nproc {
		return true
	}
	atomic.AddInt32(&b.nwait, -1)
	return false
}
