package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/krishna-kudari/admitgate"
	"github.com/krishna-kudari/admitgate/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func newTestPipeline(t *testing.T, capacity, windowMS int64) *admitgate.Pipeline {
	t.Helper()
	registry := admitgate.NewRegistry()
	pipeline, err := admitgate.NewPipeline(admitgate.PipelineConfig{
		Registry:      registry,
		DefaultPolicy: admitgate.Policy{Kind: admitgate.FixedWindow, Capacity: capacity, WindowMS: windowMS},
		KeyFunc:       admitgate.ClientAddrPrincipal,
	})
	if err != nil {
		t.Fatal(err)
	}
	return pipeline
}

func TestAdmissionControl_AllowsWithinLimit(t *testing.T) {
	pipeline := newTestPipeline(t, 5, 60_000)
	handler := middleware.AdmissionControl(pipeline)(okHandler())

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected X-RateLimit-Limit=5, got %s", i+1, rr.Header().Get("X-RateLimit-Limit"))
		}
		remaining, _ := strconv.ParseInt(rr.Header().Get("X-RateLimit-Remaining"), 10, 64)
		expected := int64(5 - i - 1)
		if remaining != expected {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, expected, remaining)
		}
	}
}

func TestAdmissionControl_DeniesExceedingLimit(t *testing.T) {
	pipeline := newTestPipeline(t, 3, 60_000)
	handler := middleware.AdmissionControl(pipeline)(okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining=0, got %s", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("expected JSON content type on deny, got %s", rr.Header().Get("Content-Type"))
	}
}

func TestAdmissionControl_ExcludedPathBypassesPipeline(t *testing.T) {
	registry := admitgate.NewRegistry()
	pipeline, err := admitgate.NewPipeline(admitgate.PipelineConfig{
		Registry:      registry,
		DefaultPolicy: admitgate.Policy{Kind: admitgate.FixedWindow, Capacity: 1, WindowMS: 60_000},
		KeyFunc:       admitgate.ClientAddrPrincipal,
		ExcludePaths:  map[string]bool{"/health": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	handler := middleware.AdmissionControl(pipeline)(okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("excluded path request %d should always be allowed, got %d", i+1, rr.Code)
		}
	}
}

func TestAdmissionControl_IsolatesDistinctPrincipals(t *testing.T) {
	pipeline := newTestPipeline(t, 1, 60_000)
	handler := middleware.AdmissionControl(pipeline)(okHandler())

	rr1 := httptest.NewRecorder()
	req1 := httptest.NewRequest("GET", "/api/test", nil)
	req1.RemoteAddr = "10.0.0.1:1"
	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Fatalf("first caller should be allowed, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/api/test", nil)
	req2.RemoteAddr = "10.0.0.2:1"
	handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("distinct caller should be unaffected by the first, got %d", rr2.Code)
	}
}
