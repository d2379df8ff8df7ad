// Package health probes backends periodically and records the result on the
// backend rows the forwarder reads.
package health

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

// BackendStore is the persistence the checker needs
type BackendStore interface {
	FindBackendsForHealthCheck(ctx context.Context) ([]*models.Backend, error)
	Update(ctx context.Context, b *models.Backend, flushNow bool) error
}

// avgWeight is the share of the newest sample in the rolling response time
const avgWeight = 0.2

// Checker runs the periodic health checks
type Checker struct {
	store    BackendStore
	client   *http.Client
	interval time.Duration
	now      func() time.Time

	// OnChange runs after a round in which any backend changed status
	OnChange func(ctx context.Context)

	mu     sync.RWMutex
	status map[string]bool
}

func NewChecker(store BackendStore, interval, timeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		store:    store,
		interval: interval,
		now:      time.Now,
		status:   make(map[string]bool),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start checks immediately and then on every interval until ctx is done
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Status returns the last result per backend name
func (c *Checker) Status() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// CheckAll probes every enabled backend concurrently
func (c *Checker) CheckAll(ctx context.Context) {
	backends, err := c.store.FindBackendsForHealthCheck(ctx)
	if err != nil {
		log.Errorf("Error querying backends for health check: %v", err)
		return
	}

	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		seen[b.Name] = true
	}
	// forget backends that are no longer checked
	c.mu.Lock()
	for name := range c.status {
		if !seen[name] {
			delete(c.status, name)
		}
	}
	c.mu.Unlock()

	var (
		wg      sync.WaitGroup
		changed bool
		mu      sync.Mutex
	)
	for _, b := range backends {
		wg.Add(1)
		go func(b *models.Backend) {
			defer wg.Done()
			if c.Check(ctx, b) {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()

	if changed && c.OnChange != nil {
		c.OnChange(ctx)
	}
}

// Check probes one backend, records the result and reports whether its
// status changed.
func (c *Checker) Check(ctx context.Context, b *models.Backend) bool {
	healthy, elapsed := c.probe(ctx, b)
	before := b.Status

	now := c.now()
	b.LastHealthCheckAt = &now
	b.LastHealthCheckOK = &healthy
	if healthy {
		if b.Status == models.BackendUnhealthy {
			b.Status = models.BackendActive
		}
		if elapsed > 0 {
			ms := float64(elapsed) / float64(time.Millisecond)
			if b.AvgResponseTimeMs != nil {
				ms = *b.AvgResponseTimeMs*(1-avgWeight) + ms*avgWeight
			}
			b.AvgResponseTimeMs = &ms
		}
	} else {
		b.Status = models.BackendUnhealthy
	}

	c.mu.Lock()
	c.status[b.Name] = healthy
	c.mu.Unlock()

	if err := c.store.Update(ctx, b, false); err != nil {
		log.Errorf("Error recording health of backend %s: %v", b.Name, err)
	}

	if before != b.Status {
		log.WithFields(log.Fields{"backend": b.Name, "from": before, "to": b.Status}).Info("Backend status changed")
		return true
	}
	log.WithFields(log.Fields{"backend": b.Name, "healthy": healthy}).Debug("Health check")
	return false
}

// probe calls the backend health path. A backend without one is healthy.
func (c *Checker) probe(ctx context.Context, b *models.Backend) (bool, time.Duration) {
	if strings.TrimSpace(b.HealthCheckPath) == "" {
		return true, 0
	}
	target, err := healthURL(b.URL, b.HealthCheckPath)
	if err != nil {
		log.Warnf("Invalid health check URL for backend %s: %v", b.Name, err)
		return false, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	elapsed := time.Since(start)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, elapsed
}

func healthURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}
