package engine

import "github.com/gofiber/fiber/v2"

func RegisterItemRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	items := app.Group("/items", middleware...)

	items.Get("/:collection", h.List)
	items.Get("/:collection/:id", h.Get)
	items.Post("/:collection", h.Create)
	items.Patch("/:collection/:id", h.Update)
	items.Delete("/:collection/:id", h.Delete)
}

func RegisterPermissionRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	me := app.Group("/permissions/me", middleware...)

	me.Get("/fields", h.FieldMaps)
	me.Get("/policies", h.Policies)
}
