package admin

import (
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
	"datacore/internal/permissions"
	"datacore/internal/store"
)

// Handler serves the schema the query compiler works from.
type Handler struct {
	store       *store.Store
	registry    *metadata.Registry
	permissions *permissions.Service
}

func NewHandler(s *store.Store, reg *metadata.Registry, perms *permissions.Service) *Handler {
	return &Handler{store: s, registry: reg, permissions: perms}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/admin/schema", middleware...)

	admin.Get("/collections", h.ListCollections)
	admin.Get("/collections/:name", h.GetCollection)
	admin.Get("/relations", h.ListRelations)
	admin.Post("/reload", h.Reload)
}

type collectionView struct {
	*metadata.Collection
	Fields []*metadata.Field `json:"fields"`
}

func view(c *metadata.Collection) collectionView {
	fields := make([]*metadata.Field, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return collectionView{Collection: c, Fields: fields}
}

// ListCollections handles GET /admin/schema/collections
func (h *Handler) ListCollections(c *fiber.Ctx) error {
	schema := h.registry.Snapshot()
	out := []collectionView{}
	for _, name := range schema.CollectionNames() {
		out = append(out, view(schema.Collection(name)))
	}
	return c.JSON(fiber.Map{"data": out})
}

// GetCollection handles GET /admin/schema/collections/:name
func (h *Handler) GetCollection(c *fiber.Ctx) error {
	coll := h.registry.GetCollection(c.Params("name"))
	if coll == nil {
		return apperr.UnknownCollection(c.Params("name"))
	}
	return c.JSON(fiber.Map{"data": view(coll)})
}

// ListRelations handles GET /admin/schema/relations
func (h *Handler) ListRelations(c *fiber.Ctx) error {
	relations := h.registry.Snapshot().Relations
	if relations == nil {
		relations = []*metadata.Relation{}
	}
	return c.JSON(fiber.Map{"data": relations})
}

// Reload handles POST /admin/schema/reload: it rereads _collections, _fields
// and _relations and drops cached permissions, whose "*" field lists expand
// against the schema.
func (h *Handler) Reload(c *fiber.Ctx) error {
	if err := metadata.Reload(c.UserContext(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload schema: %w", err)
	}
	if err := h.permissions.Invalidate(c.UserContext()); err != nil {
		return fmt.Errorf("invalidate permissions: %w", err)
	}
	schema := h.registry.Snapshot()
	return c.JSON(fiber.Map{"data": fiber.Map{
		"collections": len(schema.Collections),
		"relations":   len(schema.Relations),
		"generation":  h.registry.Generation(),
	}})
}
