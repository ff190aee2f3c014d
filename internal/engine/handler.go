package engine

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
	"datacore/internal/query"
)

// AccountabilityKey is the fiber local the auth middleware stores the caller under.
const AccountabilityKey = "accountability"

type Handler struct {
	items *ItemsService
}

func NewHandler(items *ItemsService) *Handler {
	return &Handler{items: items}
}

// List handles GET /items/:collection
func (h *Handler) List(c *fiber.Ctx) error {
	q, err := ParseQueryParams(c)
	if err != nil {
		return err
	}
	rows, err := h.items.ReadByQuery(c.UserContext(), getAccountability(c), c.Params("collection"), q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rows})
}

// Get handles GET /items/:collection/:id
func (h *Handler) Get(c *fiber.Ctx) error {
	q, err := ParseQueryParams(c)
	if err != nil {
		return err
	}
	collection := c.Params("collection")
	row, err := h.items.ReadOne(c.UserContext(), getAccountability(c), collection, h.key(collection, c.Params("id")), q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /items/:collection. The created item is returned when
// the caller may read it.
func (h *Handler) Create(c *fiber.Ctx) error {
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	acc := getAccountability(c)
	collection := c.Params("collection")

	id, err := h.items.CreateOne(c.UserContext(), acc, collection, body)
	if err != nil {
		return err
	}
	return h.respondItem(c, fiber.StatusCreated, acc, collection, id)
}

// Update handles PATCH /items/:collection/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	acc := getAccountability(c)
	collection := c.Params("collection")
	id := h.key(collection, c.Params("id"))

	if err := h.items.UpdateOne(c.UserContext(), acc, collection, id, body); err != nil {
		return err
	}
	return h.respondItem(c, fiber.StatusOK, acc, collection, id)
}

// Delete handles DELETE /items/:collection/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	collection := c.Params("collection")
	if err := h.items.DeleteOne(c.UserContext(), getAccountability(c), collection, h.key(collection, c.Params("id"))); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) respondItem(c *fiber.Ctx, status int, acc *metadata.Accountability, collection string, id any) error {
	row, err := h.items.ReadOne(c.UserContext(), acc, collection, id, readBackQuery(c))
	if apperr.IsCode(err, apperr.CodeForbidden) || apperr.IsCode(err, apperr.CodeNotFound) {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if err != nil {
		return err
	}
	return c.Status(status).JSON(fiber.Map{"data": row})
}

// key converts a path id to the type of the collection's primary key.
func (h *Handler) key(collection, raw string) any {
	coll := h.items.registry.GetCollection(collection)
	if coll == nil {
		return raw
	}
	if f := coll.GetField(coll.PrimaryKey); f != nil && (f.Type == metadata.TypeInteger || f.Type == metadata.TypeBigInteger) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return raw
}

// readBackQuery keeps the field selection of the request for returning a
// written item.
func readBackQuery(c *fiber.Ctx) query.Query {
	q, err := ParseQueryParams(c)
	if err != nil {
		return query.Query{}
	}
	return query.Query{Fields: q.Fields, Alias: q.Alias, Deep: q.Deep}
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil || body == nil {
		return nil, apperr.New(apperr.CodeInvalidPayload, fiber.StatusBadRequest, "Invalid JSON body")
	}
	return body, nil
}

// getAccountability returns the caller. Requests the auth middleware did not
// see are public: no user, no role.
func getAccountability(c *fiber.Ctx) *metadata.Accountability {
	if acc, ok := c.Locals(AccountabilityKey).(*metadata.Accountability); ok && acc != nil {
		return acc
	}
	return &metadata.Accountability{IP: c.IP()}
}

// ErrorHandler renders application errors as {"error": {...}} and hides
// everything else behind a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := apperr.As(err); ok {
		return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
	}

	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		return c.Status(code).JSON(apperr.ErrorResponse{Error: apperr.New(apperr.CodeInvalidQuery, code, fiberErr.Message)})
	}

	slog.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
	return c.Status(code).JSON(apperr.ErrorResponse{
		Error: apperr.New(apperr.CodeInternal, code, "Internal server error"),
	})
}
