// Package fibermw provides Fiber admission-control middleware.
//
// Separated from the middleware package so that importing the HTTP
// adapter does not pull in github.com/gofiber/fiber. Fiber uses fasthttp
// (not net/http), so a dedicated adapter is required.
//
// Usage:
//
//	app := fiber.New()
//	app.Use(fibermw.AdmissionControl(pipeline))
package fibermw

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/krishna-kudari/admitgate"
)

// fiberRequest adapts *fiber.Ctx to admitgate.Request.
type fiberRequest struct {
	c *fiber.Ctx
}

func (r fiberRequest) Path() string             { return r.c.Path() }
func (r fiberRequest) Header(name string) string { return r.c.Get(name) }
func (r fiberRequest) RemoteAddr() string        { return r.c.IP() }
func (r fiberRequest) Context() context.Context  { return r.c.UserContext() }

// AdmissionControl runs every request through pipeline and sets the
// rate-limit response headers, short-circuiting with the JSON deny body.
func AdmissionControl(pipeline *admitgate.Pipeline) fiber.Handler {
	return func(c *fiber.Ctx) error {
		outcome, err := pipeline.Run(fiberRequest{c})
		if err != nil {
			return err
		}
		if outcome.Bypassed {
			return c.Next()
		}
		for k, v := range outcome.Headers {
			c.Set(k, v)
		}
		if !outcome.Decision.Allowed {
			c.Status(outcome.StatusCode)
			c.Set("Content-Type", "application/json; charset=utf-8")
			return c.Send(outcome.Body)
		}
		return c.Next()
	}
}
