package http

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"squash/internal/services"
)

// levelUnset is passed to the service when the client gives no level; it
// normalizes to the engine default.
const levelUnset = -1

func parseLevel(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return levelUnset, nil
	}
	return strconv.Atoi(raw)
}

// compressHandler starts compressing an uploaded file and returns the new
// job immediately.
func compressHandler(c *fiber.Ctx) error {
	svc := c.Locals("compression").(services.CompressionService)

	fileID, err := uuid.Parse(c.Params("file_id"))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid file id")
	}

	level, err := parseLevel(c.Query("level"))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid level")
	}

	job, err := svc.Initiate(c.Context(), fileID, level)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(job)
}

func compressStatusHandler(c *fiber.Ctx) error {
	svc := c.Locals("compression").(services.CompressionService)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid compressed file id")
	}

	job, err := svc.GetStatus(c.Context(), id)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(job)
}

func compressDownloadHandler(c *fiber.Ctx) error {
	svc := c.Locals("compression").(services.CompressionService)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid compressed file id")
	}

	data, job, err := svc.Download(c.Context(), id)
	if err != nil {
		return writeServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/gzip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", path.Base(services.OutputRef(job.FileRef))))
	return c.Send(data)
}
