package engine

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"datacore/internal/metadata"
	"datacore/internal/permissions"
)

// accessCollections hold the access model. Writing any of them drops every
// cached permission.
var accessCollections = map[string]bool{
	"roles":       true,
	"users":       true,
	"policies":    true,
	"access":      true,
	"permissions": true,
}

func (s *ItemsService) afterWrite(ctx context.Context, collection string) error {
	if !accessCollections[collection] {
		return nil
	}
	if err := s.permissions.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate permissions: %w", err)
	}
	return nil
}

// FieldMaps handles GET /permissions/me/fields?action=read&type=inconsistent
func (h *Handler) FieldMaps(c *fiber.Ctx) error {
	action := c.Query("action", metadata.ActionRead)
	fm, err := h.items.permissions.FetchFieldMaps(c.UserContext(), getAccountability(c), action, splitList(c.Query("type"))...)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fm})
}

// Policies handles GET /permissions/me/policies
func (h *Handler) Policies(c *fiber.Ctx) error {
	policies, err := h.items.permissions.FetchPolicies(c.UserContext(), getAccountability(c))
	if err != nil {
		return err
	}
	if policies == nil {
		policies = []metadata.Policy{}
	}
	return c.JSON(fiber.Map{"data": policies})
}

var _ permissions.ItemFetcher = (*ItemsService)(nil)
