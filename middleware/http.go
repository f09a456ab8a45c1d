// Package middleware provides drop-in admission-control middleware for
// net/http and, via its ginmw/echomw/fibermw/grpcmw sub-packages, Gin,
// Echo, Fiber, and gRPC.
package middleware

import (
	"context"
	"net/http"

	"github.com/krishna-kudari/admitgate"
)

// httpRequest adapts *http.Request to admitgate.Request.
type httpRequest struct {
	r *http.Request
}

func (h httpRequest) Path() string             { return h.r.URL.Path }
func (h httpRequest) Header(name string) string { return h.r.Header.Get(name) }
func (h httpRequest) RemoteAddr() string        { return clientIP(h.r) }
func (h httpRequest) Context() context.Context  { return h.r.Context() }

// AdmissionControl wraps next with the pipeline's HTTP filter contract: it
// runs every request through the pipeline, sets the five response fields,
// and short-circuits with the JSON deny body.
//
// Usage:
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", middleware.AdmissionControl(pipeline)(handler))
func AdmissionControl(pipeline *admitgate.Pipeline) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome, err := pipeline.Run(httpRequest{r})
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if outcome.Bypassed {
				next.ServeHTTP(w, r)
				return
			}
			for k, v := range outcome.Headers {
				w.Header().Set(k, v)
			}
			if !outcome.Decision.Allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(outcome.StatusCode)
				w.Write(outcome.Body)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller address: X-Forwarded-For, then X-Real-IP,
// then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
