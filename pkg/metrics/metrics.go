package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Atomic is an in-process collector. Histograms are kept as sum/count
// pairs, which is all the stats surface exposes.
type Atomic struct {
	counters sync.Map // name -> *atomic.Uint64 (value scaled by 1000)
	gauges   sync.Map // name -> *atomic.Int64 (value scaled by 1000)
	histSum  sync.Map
	histN    sync.Map
}

func NewAtomic() *Atomic {
	return &Atomic{}
}

func (a *Atomic) IncCounter(name string, _ map[string]string, delta float64) {
	v, _ := a.counters.LoadOrStore(name, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(uint64(delta * 1000))
}

func (a *Atomic) SetGauge(name string, _ map[string]string, value float64) {
	v, _ := a.gauges.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Store(int64(value * 1000))
}

func (a *Atomic) ObserveHistogram(name string, _ map[string]string, value float64) {
	s, _ := a.histSum.LoadOrStore(name, new(atomic.Int64))
	s.(*atomic.Int64).Add(int64(value * 1000))
	n, _ := a.histN.LoadOrStore(name, new(atomic.Uint64))
	n.(*atomic.Uint64).Add(1)
}

// Snapshot returns every metric as a flat map for the stats surface.
func (a *Atomic) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	a.counters.Range(func(k, v any) bool {
		out[k.(string)] = float64(v.(*atomic.Uint64).Load()) / 1000
		return true
	})
	a.gauges.Range(func(k, v any) bool {
		out[k.(string)] = float64(v.(*atomic.Int64).Load()) / 1000
		return true
	})
	a.histSum.Range(func(k, v any) bool {
		name := k.(string)
		sum := float64(v.(*atomic.Int64).Load()) / 1000
		out[name+"_sum"] = sum
		if n, ok := a.histN.Load(name); ok {
			out[name+"_count"] = float64(n.(*atomic.Uint64).Load())
		}
		return true
	})
	return out
}
