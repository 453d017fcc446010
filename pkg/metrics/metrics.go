package metrics

import "sync"

// Collector captures counters and gauges emitted by the journal and the
// segment store.
type Collector interface {
	IncCounter(name string, delta uint64)
	SetGauge(name string, value uint64)
}

// Registry is an in-memory Collector. It is cheap enough to be the default
// sink and its contents are served verbatim by the stats endpoint.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]uint64
	gauges   map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]uint64),
		gauges:   make(map[string]uint64),
	}
}

func (r *Registry) IncCounter(name string, delta uint64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value uint64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Counter(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

func (r *Registry) Gauge(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Snapshot returns a copy of all counters and gauges merged into one map.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]uint64, len(r.counters)+len(r.gauges))
	for k, v := range r.counters {
		out[k] = v
	}
	for k, v := range r.gauges {
		out[k] = v
	}
	return out
}

// Nop discards everything. Components fall back to it when no collector is
// configured.
type Nop struct{}

func (Nop) IncCounter(string, uint64) {}
func (Nop) SetGauge(string, uint64)   {}
