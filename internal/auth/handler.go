package auth

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/gofiber/fiber/v2"

	"datacore/internal/apperr"
	"datacore/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store     *store.Store
	jwtSecret string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret}
}

type account struct {
	id       string
	role     string
	password string
	status   string
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.New(apperr.CodeInvalidPayload, 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return apperr.Unauthorized("Email and password are required")
	}

	user, err := h.findUserByEmail(c.UserContext(), body.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Unauthorized("Invalid email or password")
	}
	if err != nil {
		return err
	}
	if user.status != "" && user.status != "active" {
		return apperr.Unauthorized("Account is disabled")
	}
	if !CheckPassword(body.Password, user.password) {
		return apperr.Unauthorized("Invalid email or password")
	}

	token, err := GenerateAccessToken(user.id, user.role, false, h.jwtSecret)
	if err != nil {
		return apperr.Internal("failed to generate access token")
	}
	return c.JSON(fiber.Map{"data": Token{
		AccessToken: token,
		Expires:     AccessTokenTTL.Milliseconds(),
	}})
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/auth")
	auth.Post("/login", h.Login)
}

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (*account, error) {
	var u account
	var role, status sql.NullString
	err := sq.Select("id", "role", "password", "status").
		From("users").
		Where(sq.Eq{"email": email}).
		PlaceholderFormat(h.store.Dialect.PlaceholderFormat()).
		RunWith(h.store.DB).
		QueryRowContext(ctx).
		Scan(&u.id, &role, &u.password, &status)
	if err != nil {
		return nil, err
	}
	u.role, u.status = role.String, status.String
	return &u, nil
}
