package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/roomstudio/roomstudio/internal/models"
	"github.com/roomstudio/roomstudio/internal/pkg/supabase"
)

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request body",
		})
	}

	// Validate required fields
	if req.Email == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Email and password are required",
			Code:  models.ErrMissingRequiredField,
		})
	}

	if s.auth == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: "Login is not configured",
			Code:  models.ErrInternal,
		})
	}

	s.logger.Info("Authentication attempt", "email", req.Email)

	identity, err := s.auth.Authenticate(req.Email, req.Password)
	if errors.Is(err, supabase.ErrInvalidCredentials) {
		return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
			Error: "Invalid credentials",
			Code:  models.ErrUnauthenticated,
		})
	}
	if err != nil {
		s.logger.Error("Authentication error", "error", err)

		errorMessage := "Authentication service error"
		if s.cfg.Server.Environment != "production" {
			errorMessage = fmt.Sprintf("Authentication error: %v", err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: errorMessage,
			Code:  models.ErrInternal,
		})
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   identity.ID,
		"email": identity.Email,
		"exp":   now.Add(s.cfg.JWT.Expiration).Unix(),
		"iat":   now.Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: "Failed to generate token",
			Code:  models.ErrInternal,
		})
	}

	s.logger.Info("User successfully authenticated", "userID", identity.ID)

	return c.JSON(models.LoginResponse{
		Token:     tokenString,
		TokenType: "Bearer",
	})
}

func unauthorized(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
		Error: "Authentication required",
		Code:  models.ErrUnauthenticated,
	})
}

// identityFrom reads the caller from the token the JWT middleware verified.
func identityFrom(c *fiber.Ctx) (models.Identity, bool) {
	token, ok := c.Locals("user").(*jwtv4.Token)
	if !ok || !token.Valid {
		return models.Identity{}, false
	}
	claims, ok := token.Claims.(jwtv4.MapClaims)
	if !ok {
		return models.Identity{}, false
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return models.Identity{}, false
	}
	email, _ := claims["email"].(string)
	return models.Identity{ID: sub, Email: email}, true
}
