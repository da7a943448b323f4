package api

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/roomstudio/roomstudio/internal/attempts"
	"github.com/roomstudio/roomstudio/internal/models"
)

const maxIdempotencyKeyLength = 128

// handleGenerate handles POST /api/generate with a multipart image and the design choices.
func (s *Server) handleGenerate(c *fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return unauthorized(c, nil)
	}

	attemptID := strings.TrimSpace(c.Get("Idempotency-Key"))
	if len(attemptID) > maxIdempotencyKeyLength {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLength),
			Code:  models.ErrMissingRequiredField,
		})
	}

	req := models.GenerationRequest{
		AttemptID:       attemptID,
		IdentityID:      identity.ID,
		Style:           strings.TrimSpace(c.FormValue("style")),
		RoomType:        strings.TrimSpace(c.FormValue("roomType")),
		SpaceType:       strings.TrimSpace(c.FormValue("spaceType")),
		Lighting:        strings.TrimSpace(c.FormValue("lighting")),
		Materials:       strings.TrimSpace(c.FormValue("materials")),
		Furniture:       strings.TrimSpace(c.FormValue("furniture")),
		CreativityLevel: models.CreativityLevel(c.FormValue("creativityLevel")),
		Notes:           c.FormValue("notes"),
	}

	// A missing file is left to the pipeline, which reports it as a missing field.
	if fileHeader, err := c.FormFile("image"); err == nil {
		if limit := s.cfg.Storage.MaxUploadSize; limit > 0 && fileHeader.Size > limit {
			return s.writeError(c, models.NewPipelineError(models.ErrInvalidImage,
				fmt.Sprintf("Image is larger than the %d MB upload limit", limit>>20), nil))
		}
		file, err := fileHeader.Open()
		if err != nil {
			return s.writeError(c, models.NewPipelineError(models.ErrInvalidImage, "Failed to read the uploaded image", err))
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return s.writeError(c, models.NewPipelineError(models.ErrInvalidImage, "Failed to read the uploaded image", err))
		}
		req.Image = data
		req.ImageName = fileHeader.Filename
		req.ContentType = fileHeader.Header.Get("Content-Type")
	}

	result, err := s.pipeline.Run(c.UserContext(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(result)
}

// handleGetAttempt handles GET /api/generations/attempts/:id. Attempts of other users read as missing.
func (s *Server) handleGetAttempt(c *fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return unauthorized(c, nil)
	}

	status, err := s.attempts.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, attempts.ErrNotFound) || (err == nil && status.UserID != identity.ID) {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{Error: "Attempt not found"})
	}
	if err != nil {
		s.logger.Error("Failed to read attempt status", "attemptID", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: "Failed to read attempt status",
			Code:  models.ErrInternal,
		})
	}
	return c.JSON(status)
}
