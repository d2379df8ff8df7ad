package handlers

import (
	"errors"

	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

type userRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func validRole(role string) bool {
	return role == "admin" || role == "operator"
}

// GetUsers returns all users
func (h *Handler) GetUsers(c *fiber.Ctx) error {
	users, err := h.store.Users.FindAll(c.Context())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(users)
}

// CreateUser creates a new user
func (h *Handler) CreateUser(c *fiber.Ctx) error {
	var req userRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Email == "" || req.Password == "" || req.Role == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Email, password, and role are required")
	}
	if !validRole(req.Role) {
		return errorJSON(c, fiber.StatusBadRequest, "Role must be 'admin' or 'operator'")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to hash password")
	}

	user := &models.User{Email: req.Email, PasswordHash: string(hashedPassword), Role: req.Role}
	if err := h.store.Users.Create(c.Context(), user); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to create user")
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// UpdateUser changes the fields present in the request
func (h *Handler) UpdateUser(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid user ID")
	}

	var req userRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Email == "" && req.Password == "" && req.Role == "" {
		return errorJSON(c, fiber.StatusBadRequest, "No fields to update")
	}

	user, err := h.store.Users.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "User not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	if req.Email != "" {
		user.Email = req.Email
	}
	if req.Password != "" {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, "Failed to hash password")
		}
		user.PasswordHash = string(hashedPassword)
	}
	if req.Role != "" {
		if !validRole(req.Role) {
			return errorJSON(c, fiber.StatusBadRequest, "Role must be 'admin' or 'operator'")
		}
		user.Role = req.Role
	}

	if err := h.store.Users.Update(c.Context(), user); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to update user")
	}
	return c.JSON(user)
}

// DeleteUser deletes a user
func (h *Handler) DeleteUser(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid user ID")
	}

	err := h.store.Users.Delete(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "User not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to delete user")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
