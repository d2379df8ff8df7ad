package handlers

import (
	"errors"
	"time"

	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	jwtExpiration  = 24 * time.Hour  // Token expiration time
	refreshExpTime = 168 * time.Hour // 7 days
)

// Signup creates the first administrator
func (h *Handler) Signup(c *fiber.Ctx) error {
	// Only allow signup when no users exist
	count, err := h.store.Users.Count(c.Context())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	if count > 0 {
		return errorJSON(c, fiber.StatusForbidden, "Signup is only allowed when no users exist")
	}

	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Email and password are required")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to hash password")
	}

	user := &models.User{Email: req.Email, PasswordHash: string(hashedPassword), Role: "admin"}
	if err := h.store.Users.Create(c.Context(), user); err != nil {
		log.Errorf("Error creating user: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to create user")
	}

	return c.Status(fiber.StatusCreated).JSON(user)
}

// Login exchanges credentials for an access and a refresh token
func (h *Handler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Email and password are required")
	}

	user, err := h.store.Users.FindByEmail(c.Context(), req.Email)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid credentials")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":    user.ID,
		"sub":   user.Email,
		"email": user.Email,
		"role":  user.Role,
		"exp":   time.Now().Add(jwtExpiration).Unix(),
	})
	tokenString, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to generate token")
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   user.ID,
		"exp":  time.Now().Add(refreshExpTime).Unix(),
		"type": "refresh",
	})
	refreshTokenString, err := refreshToken.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to generate refresh token")
	}

	return c.JSON(models.LoginResponse{
		Token:        tokenString,
		RefreshToken: refreshTokenString,
	})
}
