// Package ginmw provides Gin admission-control middleware.
//
// Separated from the middleware package so that importing the HTTP
// adapter does not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	r := gin.Default()
//	r.Use(ginmw.AdmissionControl(pipeline))
package ginmw

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/krishna-kudari/admitgate"
)

// ginRequest adapts *gin.Context to admitgate.Request.
type ginRequest struct {
	c *gin.Context
}

func (r ginRequest) Path() string             { return r.c.FullPath() }
func (r ginRequest) Header(name string) string { return r.c.GetHeader(name) }
func (r ginRequest) RemoteAddr() string        { return r.c.ClientIP() }
func (r ginRequest) Context() context.Context  { return r.c.Request.Context() }

// AdmissionControl runs every request through pipeline and sets the
// rate-limit response headers, aborting with the JSON deny body on deny.
func AdmissionControl(pipeline *admitgate.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := pipeline.Run(ginRequest{c})
		if err != nil {
			c.AbortWithStatus(500)
			return
		}
		if outcome.Bypassed {
			c.Next()
			return
		}
		for k, v := range outcome.Headers {
			c.Header(k, v)
		}
		if !outcome.Decision.Allowed {
			c.Data(outcome.StatusCode, "application/json; charset=utf-8", outcome.Body)
			c.Abort()
			return
		}
		c.Next()
	}
}
