package fibermw_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/krishna-kudari/admitgate"
	"github.com/krishna-kudari/admitgate/middleware/fibermw"
)

func newPipeline(t *testing.T, capacity, windowMS int64) *admitgate.Pipeline {
	t.Helper()
	pipeline, err := admitgate.NewPipeline(admitgate.PipelineConfig{
		Registry:      admitgate.NewRegistry(),
		DefaultPolicy: admitgate.Policy{Kind: admitgate.FixedWindow, Capacity: capacity, WindowMS: windowMS},
		KeyFunc:       admitgate.ClientAddrPrincipal,
	})
	if err != nil {
		t.Fatal(err)
	}
	return pipeline
}

func newApp(mw fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(mw)
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func doReq(app *fiber.App, method, path string) *http.Response {
	req := httptest.NewRequest(method, path, nil)
	resp, _ := app.Test(req, -1)
	return resp
}

func TestAdmissionControl_AllowsWithinLimit(t *testing.T) {
	app := newApp(fibermw.AdmissionControl(newPipeline(t, 5, 60_000)))

	for i := 0; i < 5; i++ {
		resp := doReq(app, "GET", "/api/data")
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected limit=5, got %s", i+1, resp.Header.Get("X-RateLimit-Limit"))
		}
	}
}

func TestAdmissionControl_DeniesExceedingLimit(t *testing.T) {
	app := newApp(fibermw.AdmissionControl(newPipeline(t, 2, 60_000)))

	for i := 0; i < 2; i++ {
		resp := doReq(app, "GET", "/api/data")
		if resp.StatusCode != 200 {
			t.Fatalf("request %d should be allowed, got %d", i+1, resp.StatusCode)
		}
	}

	resp := doReq(app, "GET", "/api/data")
	if resp.StatusCode != 429 {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
}
