// Package echomw provides Echo admission-control middleware.
//
// Separated from the middleware package so that importing the HTTP
// adapter does not pull in github.com/labstack/echo.
//
// Usage:
//
//	e := echo.New()
//	e.Use(echomw.AdmissionControl(pipeline))
package echomw

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/krishna-kudari/admitgate"
)

// echoRequest adapts echo.Context to admitgate.Request.
type echoRequest struct {
	c echo.Context
}

func (r echoRequest) Path() string             { return r.c.Path() }
func (r echoRequest) Header(name string) string { return r.c.Request().Header.Get(name) }
func (r echoRequest) RemoteAddr() string        { return r.c.RealIP() }
func (r echoRequest) Context() context.Context  { return r.c.Request().Context() }

// AdmissionControl runs every request through pipeline and sets the
// rate-limit response headers, short-circuiting with the JSON deny body.
func AdmissionControl(pipeline *admitgate.Pipeline) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			outcome, err := pipeline.Run(echoRequest{c})
			if err != nil {
				return err
			}
			if outcome.Bypassed {
				return next(c)
			}
			h := c.Response().Header()
			for k, v := range outcome.Headers {
				h.Set(k, v)
			}
			if !outcome.Decision.Allowed {
				return c.Blob(outcome.StatusCode, "application/json; charset=utf-8", outcome.Body)
			}
			return next(c)
		}
	}
}
