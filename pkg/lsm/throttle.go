package lsm

import (
	"sync/atomic"
	"time"
)

// throttle slows writers down when background work falls behind. Two
// sources feed it: checkpoint lag (sealed chunks not yet durable) and
// merge lag (chunks accumulating faster than merges retire them). Each is
// expressed as nanoseconds of debt per write; the debts compose
// additively. Rather than sleeping on every update, writers accumulate
// debt in a bucket and pay it off once it crosses a threshold, so the
// sleep syscall cost is amortized.
type throttle struct {
	ckptNS  atomic.Int64 // ns per write due to checkpoint lag
	mergeNS atomic.Int64 // ns per write due to merge lag

	debt atomic.Int64 // accumulated, unpaid ns
}

// payThreshold is the debt level at which a writer actually sleeps.
const payThreshold = int64(time.Millisecond)

// perWrite returns the combined ns charged per update.
func (t *throttle) perWrite() int64 {
	return t.ckptNS.Load() + t.mergeNS.Load()
}

// charge adds one write's worth of debt and sleeps if the bucket is due.
func (t *throttle) charge() {
	per := t.perWrite()
	if per == 0 {
		return
	}
	debt := t.debt.Add(per)
	if debt < payThreshold {
		return
	}
	if t.debt.CompareAndSwap(debt, 0) {
		time.Sleep(time.Duration(debt))
	}
}

// setCkpt sets the checkpoint throttle to ns.
func (t *throttle) setCkpt(ns int64) {
	t.ckptNS.Store(ns)
}

// decayCkpt halves the checkpoint throttle; called when the backlog
// clears.
func (t *throttle) decayCkpt() {
	t.ckptNS.Store(t.ckptNS.Load() / 2)
}

func (t *throttle) setMerge(ns int64) {
	t.mergeNS.Store(ns)
}

func (t *throttle) decayMerge() {
	t.mergeNS.Store(t.mergeNS.Load() / 2)
}
