package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/pkg/logger"
)

// respondError maps domain errors onto HTTP statuses. Unexpected errors are
// logged and reported with the generic message only.
func respondError(c *fiber.Ctx, err error, message string) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status = fiber.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, models.ErrAlreadyLinked):
		status = fiber.StatusConflict
	}

	if status == fiber.StatusInternalServerError {
		logger.Error(message, zap.Error(err), zap.String("path", c.Path()))
		return c.Status(status).JSON(fiber.Map{"error": message})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}
