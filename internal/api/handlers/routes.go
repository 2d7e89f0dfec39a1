package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/pkg/logger"
)

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Routes struct {
	Projects  *ProjectHandler
	Documents *DocumentHandler
	Query     *QueryHandler
	WebSocket *WebSocketHandler
	// Ready is keyed by dependency name.
	Ready map[string]ReadinessCheck
}

func Register(app *fiber.App, r Routes) {
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	api.Get("/ready", r.ready)

	projects := app.Group("/projects")
	projects.Post("/", r.Projects.CreateProject)
	projects.Get("/", r.Projects.ListProjects)
	projects.Get("/:projectId", r.Projects.GetProject)
	projects.Delete("/:projectId", r.Projects.DeleteProject)

	projects.Post("/:projectId/documents", r.Documents.UploadDocument)
	projects.Get("/:projectId/documents", r.Documents.ListDocuments)
	projects.Delete("/:projectId/documents/:documentId", r.Documents.DeleteDocument)
	projects.Post("/:projectId/documents/:documentId/link", r.Documents.LinkDocument)

	projects.Post("/:projectId/query", r.Query.HandleQuery)

	ws := app.Group("/ws", r.WebSocket.Upgrade)
	ws.Get("/project/:projectId", websocket.New(r.WebSocket.HandleConnection))
}

func (r Routes) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true
	for name, check := range r.Ready {
		if err := check(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := fiber.StatusOK
	state := "ready"
	if !ready {
		status = fiber.StatusServiceUnavailable
		state = "not ready"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
}
