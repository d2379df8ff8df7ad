package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// attemptFilter reads rule_id, status, since and until from the query string
// and returns a message describing the first malformed one
func attemptFilter(c *fiber.Ctx) (database.AttemptFilter, string) {
	var f database.AttemptFilter

	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, "Invalid rule_id"
		}
		f.RuleID = &id
	}
	if v := c.Query("status"); v != "" {
		f.Status = models.AttemptStatus(v)
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "Invalid since, expected RFC3339"
		}
		f.Since = &t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "Invalid until, expected RFC3339"
		}
		f.Until = &t
	}
	return f, ""
}

// GetAttempts returns paged forward attempts, newest first
func (h *Handler) GetAttempts(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 10)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 500 {
		limit = 500
	}

	f, msg := attemptFilter(c)
	if msg != "" {
		return errorJSON(c, fiber.StatusBadRequest, msg)
	}

	total, err := h.store.Attempts.Count(c.Context(), f)
	if err != nil {
		log.Errorf("Error counting attempts: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Database error while counting attempts")
	}

	f.Limit = limit
	f.Offset = (page - 1) * limit
	attempts, err := h.store.Attempts.FindRecent(c.Context(), f)
	if err != nil {
		log.Errorf("Error fetching attempts: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Database error while fetching attempts")
	}
	if attempts == nil {
		attempts = []*models.ForwardAttempt{}
	}

	totalPages := (total + int64(limit) - 1) / int64(limit)
	return c.JSON(fiber.Map{
		"data": attempts,
		"pagination": fiber.Map{
			"total_items":  total,
			"total_pages":  totalPages,
			"current_page": page,
			"limit":        limit,
		},
	})
}

// GetAttempt returns one attempt with its full detail
func (h *Handler) GetAttempt(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid attempt ID")
	}
	a, err := h.store.Attempts.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Attempt not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(a)
}
