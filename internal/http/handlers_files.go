package http

import (
	"io"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"squash/internal/services"
)

// uploadHandler stores every file part of a multipart form and returns the
// created records.
func uploadHandler(c *fiber.Ctx) error {
	svc := c.Locals("files").(services.FileService)

	form, err := c.MultipartForm()
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Failed to read multipart form")
	}

	fields := make([]string, 0, len(form.File))
	for name := range form.File {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	uploaded := make([]UploadedFile, 0)
	for _, field := range fields {
		for _, fh := range form.File[field] {
			f, err := fh.Open()
			if err != nil {
				return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Failed to read file data")
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Failed to read file data")
			}

			rec, err := svc.Upload(c.Context(), fh.Filename, data)
			if err != nil {
				return writeServiceError(c, err)
			}
			uploaded = append(uploaded, rec)
		}
	}

	if len(uploaded) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "No file provided")
	}

	return c.Status(fiber.StatusCreated).JSON(uploaded)
}

func getFileHandler(c *fiber.Ctx) error {
	svc := c.Locals("files").(services.FileService)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid file id")
	}

	f, err := svc.Get(c.Context(), id)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(f)
}

// serveUploadHandler returns the raw bytes of an upload with a sniffed
// content type.
func serveUploadHandler(c *fiber.Ctx) error {
	svc := c.Locals("files").(services.FileService)

	data, err := svc.ReadUpload(c.Context(), c.Params("ref"))
	if err != nil {
		return writeServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, mimetype.Detect(data).String())
	return c.Send(data)
}
