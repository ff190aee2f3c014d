package instrument

import (
	"math/rand"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"datacore/internal/config"
)

// Middleware traces each request: it generates (or propagates) a trace ID,
// opens a root span and puts the instrumenter into the request context.
// userID extracts the caller once downstream handlers ran.
func Middleware(cfg config.InstrumentationConfig, sink Sink, userID func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || sink == nil {
			return c.Next()
		}
		if cfg.SamplingRate < 1.0 && rand.Float64() > cfg.SamplingRate {
			return c.Next()
		}

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		inst := NewInstrumenter(sink)
		ctx := WithInstrumenter(WithTraceID(c.UserContext(), traceID), inst)
		ctx, span := inst.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		// Errors are rendered here so the span sees the final status.
		if err := c.Next(); err != nil {
			if herr := c.App().Config().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		if userID != nil {
			if id := userID(c); id != "" {
				span.SetMetadata("user_id", id)
			}
		}
		status := c.Response().StatusCode()
		span.SetMetadata("status_code", status)
		if status >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()
		return nil
	}
}
