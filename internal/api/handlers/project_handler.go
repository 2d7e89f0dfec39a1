package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/context-engine/backend/internal/catalog"
)

type ProjectHandler struct {
	catalog *catalog.Service
}

func NewProjectHandler(catalog *catalog.Service) *ProjectHandler {
	return &ProjectHandler{catalog: catalog}
}

func (h *ProjectHandler) CreateProject(c *fiber.Ctx) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	project, err := h.catalog.CreateProject(c.UserContext(), req.Name, req.Description)
	if err != nil {
		return respondError(c, err, "Failed to create project")
	}
	return c.Status(fiber.StatusCreated).JSON(project)
}

func (h *ProjectHandler) ListProjects(c *fiber.Ctx) error {
	projects, err := h.catalog.ListProjects(c.UserContext())
	if err != nil {
		return respondError(c, err, "Failed to list projects")
	}
	return c.JSON(fiber.Map{"projects": projects})
}

func (h *ProjectHandler) GetProject(c *fiber.Ctx) error {
	project, err := h.catalog.GetProject(c.UserContext(), c.Params("projectId"))
	if err != nil {
		return respondError(c, err, "Failed to load project")
	}
	return c.JSON(project)
}

func (h *ProjectHandler) DeleteProject(c *fiber.Ctx) error {
	if err := h.catalog.DeleteProject(c.UserContext(), c.Params("projectId")); err != nil {
		return respondError(c, err, "Failed to delete project")
	}
	return c.JSON(fiber.Map{"message": "Project deleted"})
}
