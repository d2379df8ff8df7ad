package balancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/cespare/xxhash/v2"
)

const defaultClientIP = "127.0.0.1"

type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) Pick(backends []*models.Backend, _ *models.ProxyRequest) *models.Backend {
	n := r.next.Add(1) - 1
	return backends[n%uint64(len(backends))]
}

type randomStrategy struct{}

func (randomStrategy) Pick(backends []*models.Backend, _ *models.ProxyRequest) *models.Backend {
	return backends[rand.IntN(len(backends))]
}

// smoothWeighted spreads picks in proportion to weight without bursts:
// every round each backend gains its weight, the leader is picked and pays
// back the total.
type smoothWeighted struct {
	mu      sync.Mutex
	current map[int64]int
}

func (w *smoothWeighted) Pick(backends []*models.Backend, _ *models.ProxyRequest) *models.Backend {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *models.Backend
	for _, b := range backends {
		weight := max(b.Weight, 1)
		total += weight
		w.current[b.ID] += weight
		if best == nil || w.current[b.ID] > w.current[best.ID] {
			best = b
		}
	}
	w.current[best.ID] -= total
	return best
}

type leastConnections struct {
	tracker *ConnectionTracker
}

func (l *leastConnections) Pick(backends []*models.Backend, _ *models.ProxyRequest) *models.Backend {
	ids := make([]int64, len(backends))
	for i, b := range backends {
		ids[i] = b.ID
	}
	return LeastConnections(backends, l.tracker.Counts(ids))
}

// LeastConnections returns the backend with the fewest in-flight requests in
// counts. Ties go to the earlier backend.
func LeastConnections(backends []*models.Backend, counts map[int64]int64) *models.Backend {
	var best *models.Backend
	var bestCount int64
	for _, b := range backends {
		c := counts[b.ID]
		if best == nil || c < bestCount {
			best, bestCount = b, c
		}
	}
	return best
}

type ipHash struct{}

func (ipHash) Pick(backends []*models.Backend, req *models.ProxyRequest) *models.Backend {
	ip := defaultClientIP
	if req != nil && req.ClientIP != "" {
		ip = req.ClientIP
	}
	return backends[xxhash.Sum64String(ip)%uint64(len(backends))]
}
