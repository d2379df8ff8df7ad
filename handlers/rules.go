package handlers

import (
	"errors"
	"fmt"

	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type ruleRequest struct {
	Name            string                     `json:"name"`
	SourcePath      string                     `json:"source_path"`
	BackendIDs      []int64                    `json:"backend_ids"`
	LoadBalance     models.LoadBalanceStrategy `json:"load_balance"`
	Methods         []string                   `json:"methods"`
	Enabled         *bool                      `json:"enabled"`
	Priority        int                        `json:"priority"`
	Middlewares     []models.MiddlewareBinding `json:"middlewares"`
	StripPrefix     bool                       `json:"strip_prefix"`
	TimeoutSeconds  int                        `json:"timeout_seconds"`
	RetryCount      int                        `json:"retry_count"`
	RetryIntervalMs int                        `json:"retry_interval_ms"`
	FallbackKind    models.FallbackKind        `json:"fallback_kind"`
	FallbackConfig  map[string]any             `json:"fallback_config"`
	StreamEnabled   bool                       `json:"stream_enabled"`
	BufferSize      int                        `json:"buffer_size"`
}

// build resolves the request into a rule and returns every problem found
func (h *Handler) build(c *fiber.Ctx, req ruleRequest, rule *models.Rule) []string {
	rule.Name = req.Name
	rule.SourcePath = req.SourcePath
	rule.LoadBalance = req.LoadBalance
	rule.Methods = req.Methods
	rule.Enabled = req.Enabled == nil || *req.Enabled
	rule.Priority = req.Priority
	rule.Middlewares = req.Middlewares
	rule.StripPrefix = req.StripPrefix
	rule.TimeoutSeconds = req.TimeoutSeconds
	rule.RetryCount = req.RetryCount
	rule.RetryIntervalMs = req.RetryIntervalMs
	rule.FallbackKind = req.FallbackKind
	rule.FallbackConfig = req.FallbackConfig
	rule.StreamEnabled = req.StreamEnabled
	rule.BufferSize = req.BufferSize
	rule.ApplyDefaults()

	var errs []string
	backends, err := h.store.Backends.FindByIDs(c.Context(), req.BackendIDs)
	if err != nil {
		return []string{"failed to load backends"}
	}
	found := make(map[int64]bool, len(backends))
	for _, b := range backends {
		found[b.ID] = true
	}
	for _, id := range req.BackendIDs {
		if !found[id] {
			errs = append(errs, fmt.Sprintf("unknown backend id %d", id))
		}
	}
	if backends == nil {
		backends = []*models.Backend{}
	}
	rule.Backends = backends
	rule.BackendIDs = nil
	rule.Normalize()
	for _, b := range rule.Backends {
		rule.BackendIDs = append(rule.BackendIDs, b.ID)
	}

	errs = append(errs, rule.Validate()...)
	errs = append(errs, h.registry.ValidateBindings(rule.Middlewares)...)
	return errs
}

// GetRules returns all rules
func (h *Handler) GetRules(c *fiber.Ctx) error {
	rules, err := h.store.Rules.FindAll(c.Context())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	if rules == nil {
		rules = []*models.Rule{}
	}
	return c.JSON(rules)
}

// GetRule returns one rule
func (h *Handler) GetRule(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid rule ID")
	}
	rule, err := h.store.Rules.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Rule not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(rule)
}

// CreateRule validates and stores a new rule
func (h *Handler) CreateRule(c *fiber.Ctx) error {
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	rule := &models.Rule{}
	if errs := h.build(c, req, rule); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
	}

	if err := h.store.Rules.Save(c.Context(), rule, true); err != nil {
		log.Errorf("Error creating rule: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to create rule")
	}
	h.matcher.Invalidate()
	return c.Status(fiber.StatusCreated).JSON(rule)
}

// UpdateRule replaces a rule
func (h *Handler) UpdateRule(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid rule ID")
	}

	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	rule, err := h.store.Rules.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Rule not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	if errs := h.build(c, req, rule); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
	}

	if err := h.store.Rules.Update(c.Context(), rule, true); err != nil {
		log.Errorf("Error updating rule %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to update rule")
	}
	h.selector.Forget(rule)
	h.matcher.Invalidate()
	return c.JSON(rule)
}

// DeleteRule deletes a rule; its attempt history is kept
func (h *Handler) DeleteRule(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid rule ID")
	}

	rule, err := h.store.Rules.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Rule not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	if err := h.store.Rules.Remove(c.Context(), rule, true); err != nil {
		log.Errorf("Error deleting rule %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to delete rule")
	}
	h.selector.Forget(rule)
	h.matcher.Invalidate()
	return c.SendStatus(fiber.StatusNoContent)
}
