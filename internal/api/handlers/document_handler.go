package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/context-engine/backend/internal/catalog"
)

type DocumentHandler struct {
	catalog *catalog.Service
}

func NewDocumentHandler(catalog *catalog.Service) *DocumentHandler {
	return &DocumentHandler{catalog: catalog}
}

// UploadDocument registers a file already on disk and queues it for
// ingestion. Processing happens in the background, hence 202.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req catalog.UploadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	doc, err := h.catalog.Upload(c.UserContext(), c.Params("projectId"), req)
	if err != nil {
		return respondError(c, err, "Failed to upload document")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"documentId": doc.ID,
		"message":    "Document queued for processing",
	})
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.catalog.ListDocuments(c.UserContext(), c.Params("projectId"))
	if err != nil {
		return respondError(c, err, "Failed to list documents")
	}
	return c.JSON(fiber.Map{"documents": docs})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	if err := h.catalog.Unlink(c.UserContext(), c.Params("projectId"), c.Params("documentId")); err != nil {
		return respondError(c, err, "Failed to delete document")
	}
	return c.JSON(fiber.Map{"message": "Document removed from project"})
}

func (h *DocumentHandler) LinkDocument(c *fiber.Ctx) error {
	if err := h.catalog.Link(c.UserContext(), c.Params("projectId"), c.Params("documentId")); err != nil {
		return respondError(c, err, "Failed to link document")
	}
	return c.JSON(fiber.Map{"message": "Document linked to project"})
}
