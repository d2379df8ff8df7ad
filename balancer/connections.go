package balancer

import (
	"sync"
	"sync/atomic"
)

// ConnectionTracker counts in-flight requests per backend
type ConnectionTracker struct {
	counts sync.Map // backend id -> *atomic.Int64
}

func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{}
}

func (t *ConnectionTracker) counter(id int64) *atomic.Int64 {
	if v, ok := t.counts.Load(id); ok {
		return v.(*atomic.Int64)
	}
	v, _ := t.counts.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire marks one request in flight to backend id. The returned func
// releases it and is safe to call more than once.
func (t *ConnectionTracker) Acquire(id int64) (release func()) {
	c := t.counter(id)
	c.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}
}

func (t *ConnectionTracker) Count(id int64) int64 {
	return t.counter(id).Load()
}

func (t *ConnectionTracker) Counts(ids []int64) map[int64]int64 {
	out := make(map[int64]int64, len(ids))
	for _, id := range ids {
		out[id] = t.Count(id)
	}
	return out
}
