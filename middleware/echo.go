// This file is kept for backward-compatibility documentation.
// The concrete Echo middleware implementation lives in the echomw sub-package
// to avoid pulling github.com/labstack/echo into projects that only need HTTP middleware.
//
// Import:
//
//	import "github.com/krishna-kudari/admitgate/middleware/echomw"
//
// Usage:
//
//	e := echo.New()
//	e.Use(echomw.AdmissionControl(pipeline))
//
// See package github.com/krishna-kudari/admitgate/middleware/echomw for full API.
package middleware
