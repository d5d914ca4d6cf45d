package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"squash/internal/model"
	"squash/internal/services"
)

type UploadedFile = model.UploadedFile

type CompressionJob = model.CompressionJob

// ErrorResponse is the error envelope returned by every route.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func errorJSON(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   msg,
	})
}

// writeServiceError maps service error kinds onto HTTP statuses.
func writeServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, services.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, services.ErrConflict):
		return errorJSON(c, fiber.StatusConflict, "JOB_NOT_PASSED", err.Error())
	default:
		return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
