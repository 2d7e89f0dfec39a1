package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/context-engine/backend/internal/catalog"
	"github.com/context-engine/backend/internal/query"
	"github.com/context-engine/backend/internal/vector"
)

type QueryHandler struct {
	engine  *query.Engine
	catalog *catalog.Service
}

func NewQueryHandler(engine *query.Engine, catalog *catalog.Service) *QueryHandler {
	return &QueryHandler{engine: engine, catalog: catalog}
}

type queryFilter struct {
	SourceFile string   `json:"sourceFile"`
	DocumentID string   `json:"documentId"`
	PageFrom   int      `json:"pageFrom"`
	PageTo     int      `json:"pageTo"`
	Keywords   []string `json:"keywords"`
}

func (f *queryFilter) toFilter() vector.Filter {
	if f == nil {
		return vector.Filter{}
	}
	var preds []vector.Predicate
	if f.SourceFile != "" {
		preds = append(preds, vector.Eq(vector.FieldSourceFile, f.SourceFile))
	}
	if f.DocumentID != "" {
		preds = append(preds, vector.Eq(vector.FieldDocumentID, f.DocumentID))
	}
	preds = append(preds, vector.PageRange(f.PageFrom, f.PageTo)...)
	for _, k := range f.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			preds = append(preds, vector.HasKeyword(k))
		}
	}
	return vector.And(preds...)
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query  string       `json:"query"`
		TopK   int          `json:"topK"`
		Filter *queryFilter `json:"filter"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.TopK < 0 {
		return badRequest(c, "topK must be a positive integer")
	}
	if req.Filter != nil && req.Filter.PageFrom > 0 && req.Filter.PageTo > 0 && req.Filter.PageFrom > req.Filter.PageTo {
		return badRequest(c, "pageFrom must not exceed pageTo")
	}

	projectID := c.Params("projectId")
	if _, err := h.catalog.GetProject(c.UserContext(), projectID); err != nil {
		return respondError(c, err, "Failed to load project")
	}

	resp, err := h.engine.Query(c.UserContext(), query.Request{
		ProjectID: projectID,
		Query:     req.Query,
		TopK:      req.TopK,
		Filter:    req.Filter.toFilter(),
	})
	if err != nil {
		return respondError(c, err, "Failed to process query")
	}
	return c.JSON(resp)
}
