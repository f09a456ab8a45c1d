// This file is kept for backward-compatibility documentation.
// The concrete Fiber middleware implementation lives in the fibermw sub-package
// to avoid pulling github.com/gofiber/fiber into projects that only need HTTP middleware.
// Fiber uses fasthttp (not net/http) so a dedicated adapter is required.
//
// Import:
//
//	import "github.com/krishna-kudari/admitgate/middleware/fibermw"
//
// Usage:
//
//	app := fiber.New()
//	app.Use(fibermw.AdmissionControl(pipeline))
//
// See package github.com/krishna-kudari/admitgate/middleware/fibermw for full API.
package middleware
