package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"datacore/internal/admin"
	"datacore/internal/auth"
	"datacore/internal/cache"
	"datacore/internal/config"
	"datacore/internal/engine"
	"datacore/internal/instrument"
	"datacore/internal/metadata"
	"datacore/internal/permissions"
	"datacore/internal/store"
	"datacore/internal/validate"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s, db: %s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Create registry and load metadata
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	// 5. Permission cache
	permCache := cache.New(cfg.Cache)
	if err := permCache.Init(ctx); err != nil {
		log.Fatalf("Failed to initialise cache: %v", err)
	}
	if permCache.Enabled() {
		log.Printf("Permission cache enabled (namespace: %s)", cfg.Cache.Namespace)
	}

	// 6. Services
	perms := permissions.NewService(permissions.NewSQLSource(db), permCache, reg, permissions.Options{
		Collections: permissions.Collections{
			Users:    cfg.Schema.UsersCollection,
			Roles:    cfg.Schema.RolesCollection,
			Policies: cfg.Schema.PoliciesCollection,
		},
	})
	items := engine.NewItemsService(db, reg, perms, validate.New(reg), engine.Options{
		DefaultLimit: cfg.Query.DefaultLimit,
		MaxLimit:     cfg.Query.MaxLimit,
	})

	// 7. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 8. Request tracing into _events
	if cfg.Instrumentation.Enabled {
		events := instrument.NewEventBuffer(db, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushInterval)
		defer events.Stop()
		app.Use(instrument.Middleware(cfg.Instrumentation, events, func(c *fiber.Ctx) string {
			if acc := auth.GetAccountability(c); acc != nil {
				return acc.User
			}
			return ""
		}))
		go cleanupEvents(ctx, db, cfg.Instrumentation.Retention)
		log.Printf("Instrumentation enabled (sampling: %.2f)", cfg.Instrumentation.SamplingRate)
	}

	// 9. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 10. Auth routes (no token required)
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	// 11. Item and permission routes; requests without a token are public
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	handler := engine.NewHandler(items)
	engine.RegisterItemRoutes(app, handler, authMW)
	engine.RegisterPermissionRoutes(app, handler, authMW)

	// 12. Schema admin routes (admin policy required)
	adminHandler := admin.NewHandler(db, reg, perms)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, auth.RequireAdmin(perms))

	// 13. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func cleanupEvents(ctx context.Context, db *store.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if _, err := instrument.CleanupOldEvents(ctx, db, retention, time.Now()); err != nil {
			log.Printf("ERROR: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
