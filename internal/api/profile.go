package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/roomstudio/roomstudio/internal/ledger"
	"github.com/roomstudio/roomstudio/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// handleCreateProfile provisions the caller's usage profile with the starting balance
func (s *Server) handleCreateProfile(c *fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return unauthorized(c, nil)
	}

	s.logger.Info("Creating profile for user", "userID", identity.ID)

	profile, err := s.profiles.CreateProfile(c.UserContext(), identity, s.cfg.Credits.DefaultCredits)
	if errors.Is(err, ledger.ErrProfileExists) {
		s.logger.Info("Profile already exists for user", "userID", identity.ID)
		return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
			Error: "Profile already exists for this user",
		})
	}
	if err != nil {
		s.logger.Error("Failed to create profile", "error", err, "userID", identity.ID)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: "Failed to create profile",
			Code:  models.ErrInternal,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(models.NewProfileResponse{
		Profile: *profile,
		Success: true,
	})
}

func (s *Server) handleGetProfile(c *fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return unauthorized(c, nil)
	}

	profile, err := s.profiles.GetProfile(c.UserContext(), identity.ID)
	if errors.Is(err, ledger.ErrProfileNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error: "Profile not found",
			Code:  models.ErrProfileNotFound,
		})
	}
	if err != nil {
		s.logger.Error("Failed to load profile", "error", err, "userID", identity.ID)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: "Failed to load profile",
			Code:  models.ErrInternal,
		})
	}

	return c.JSON(fiber.Map{
		"email":       profile.Email,
		"credits":     profile.Credits,
		"privileged":  profile.Privileged,
		"memberSince": profile.CreatedAt,
	})
}

// handleListGenerations returns the caller's history, newest first.
func (s *Server) handleListGenerations(c *fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return unauthorized(c, nil)
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	records, err := s.profiles.History(c.UserContext(), identity.ID, limit)
	if err != nil {
		s.logger.Error("Error fetching generations", "error", err, "userID", identity.ID)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: "Failed to fetch generations",
			Code:  models.ErrInternal,
		})
	}

	return c.JSON(fiber.Map{"generations": records})
}
