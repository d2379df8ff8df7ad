package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// GetStats summarizes forward attempts. Accepts the same rule_id, status,
// since and until filters as the attempt listing.
func (h *Handler) GetStats(c *fiber.Ctx) error {
	f, msg := attemptFilter(c)
	if msg != "" {
		return errorJSON(c, fiber.StatusBadRequest, msg)
	}

	stats, err := h.store.Attempts.Stats(c.Context(), f)
	if err != nil {
		log.Errorf("Error computing attempt stats: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Database error while computing stats")
	}

	backends, err := h.store.Backends.FindAll(c.Context())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	ids := make([]int64, 0, len(backends))
	for _, b := range backends {
		ids = append(ids, b.ID)
	}

	return c.JSON(fiber.Map{
		"attempts":           stats,
		"active_connections": h.selector.Tracker().Counts(ids),
		"pending_writes":     h.store.Buffer.Pending(),
		"uptime":             int64(h.uptime().Seconds()),
	})
}

// prometheusHandler serves the metrics registry in the Prometheus text format
func (h *Handler) prometheusHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
