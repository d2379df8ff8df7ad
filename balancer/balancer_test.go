package balancer

import (
	"sync"
	"testing"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backend(id int64, weight int) *models.Backend {
	return &models.Backend{ID: id, Name: "b", URL: "http://b", Weight: weight, Enabled: true, Status: models.BackendActive}
}

func rule(strategy models.LoadBalanceStrategy, backends ...*models.Backend) *models.Rule {
	return &models.Rule{ID: 1, Name: "api", LoadBalance: strategy, Backends: backends}
}

func TestSelectNoHealthyBackend(t *testing.T) {
	down := backend(1, 1)
	down.Status = models.BackendUnhealthy
	off := backend(2, 1)
	off.Enabled = false

	_, err := NewSelector(nil).Select(rule(models.StrategyRoundRobin, down, off), nil)
	require.ErrorIs(t, err, ErrNoHealthyBackend)

	var nhb *NoHealthyBackendError
	require.ErrorAs(t, err, &nhb)
	assert.Equal(t, 2, nhb.Total)
	assert.Equal(t, 0, nhb.Healthy)
	assert.Equal(t, "no healthy backends for rule api", err.Error())
}

func TestSelectSingleHealthyShortcut(t *testing.T) {
	down := backend(1, 1)
	down.Status = models.BackendUnhealthy
	only := backend(2, 1)

	s := NewSelector(nil)
	for _, strategy := range []models.LoadBalanceStrategy{
		models.StrategyRoundRobin, models.StrategyRandom, models.StrategyWeightedRoundRobin,
		models.StrategyLeastConnections, models.StrategyIPHash, "bogus",
	} {
		for i := 0; i < 5; i++ {
			b, err := s.Select(rule(strategy, down, only), &models.ProxyRequest{ClientIP: "1.2.3.4"})
			require.NoError(t, err)
			assert.Same(t, only, b)
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	r := rule(models.StrategyRoundRobin, backend(1, 1), backend(2, 1), backend(3, 1))
	s := NewSelector(nil)

	var got []int64
	for i := 0; i < 6; i++ {
		b, err := s.Select(r, nil)
		require.NoError(t, err)
		got = append(got, b.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3}, got)
}

func TestUnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	r := rule("fastest", backend(1, 1), backend(2, 1))
	s := NewSelector(nil)

	a, _ := s.Select(r, nil)
	b, _ := s.Select(r, nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRoundRobinConcurrent(t *testing.T) {
	r := rule(models.StrategyRoundRobin, backend(1, 1), backend(2, 1), backend(3, 1), backend(4, 1))
	s := NewSelector(nil)

	const workers, perWorker = 8, 100
	var mu sync.Mutex
	counts := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b, err := s.Select(r, nil)
				if err != nil {
					continue
				}
				mu.Lock()
				counts[b.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id := int64(1); id <= 4; id++ {
		assert.Equal(t, workers*perWorker/4, counts[id], "backend %d", id)
	}
}

func TestSmoothWeightedRoundRobin(t *testing.T) {
	r := rule(models.StrategyWeightedRoundRobin, backend(1, 5), backend(2, 1), backend(3, 1))
	s := NewSelector(nil)

	var got []int64
	for i := 0; i < 7; i++ {
		b, err := s.Select(r, nil)
		require.NoError(t, err)
		got = append(got, b.ID)
	}
	assert.Equal(t, []int64{1, 1, 2, 1, 3, 1, 1}, got)
}

func TestLeastConnections(t *testing.T) {
	b1, b2, b3 := backend(1, 1), backend(2, 1), backend(3, 1)
	s := NewSelector(nil)
	r := rule(models.StrategyLeastConnections, b1, b2, b3)

	release1 := s.Tracker().Acquire(1)
	s.Tracker().Acquire(1)
	release2 := s.Tracker().Acquire(2)

	b, err := s.Select(r, nil)
	require.NoError(t, err)
	assert.Same(t, b3, b)

	s.Tracker().Acquire(3)
	s.Tracker().Acquire(3)
	b, _ = s.Select(r, nil)
	assert.Same(t, b2, b)

	release2()
	release2()
	release1()
	assert.Equal(t, int64(0), s.Tracker().Count(2))
	assert.Equal(t, int64(1), s.Tracker().Count(1))

	assert.Same(t, b2, LeastConnections([]*models.Backend{b1, b2}, map[int64]int64{1: 3, 2: 0}))
}

func TestIPHashIsDeterministic(t *testing.T) {
	r := rule(models.StrategyIPHash, backend(1, 1), backend(2, 1), backend(3, 1), backend(4, 1))
	s := NewSelector(nil)

	for _, ip := range []string{"10.0.0.1", "192.168.1.20", "2001:db8::1"} {
		first, err := s.Select(r, &models.ProxyRequest{ClientIP: ip})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, _ := s.Select(r, &models.ProxyRequest{ClientIP: ip})
			assert.Same(t, first, again)
		}
	}

	unknown, _ := s.Select(r, &models.ProxyRequest{})
	loopback, _ := s.Select(r, &models.ProxyRequest{ClientIP: "127.0.0.1"})
	assert.Same(t, loopback, unknown)
}
