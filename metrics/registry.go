package metrics

import "sync"

// Counter is a thread-safe named integer metric.
type Counter struct {
	mu sync.Mutex
	v  int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.v += delta
	c.mu.Unlock()
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.Add(1) }

// Set overwrites the counter's value, for metrics mirrored from a
// component that already keeps its own authoritative count.
func (c *Counter) Set(v int64) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Value returns the counter's current value.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Registry is the minimal in-process counter registry extending the
// teacher's metrics.Config export surface: named counters, read through
// the read API's Core.NodeMetrics snapshot rather than pushed to InfluxDB.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Snapshot returns the current value of every counter registered so far.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	return out
}

// ProcessCPUTime reports the process' CPU time in hundredths of a
// second since program startup, via the platform-specific
// getProcessCPUTime in cputime_unix.go.
func ProcessCPUTime() int64 { return getProcessCPUTime() }
