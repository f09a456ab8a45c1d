// This file is kept for backward-compatibility documentation.
// The concrete Gin middleware implementation lives in the ginmw sub-package
// to avoid pulling github.com/gin-gonic/gin into projects that only need HTTP middleware.
//
// Import:
//
//	import "github.com/krishna-kudari/admitgate/middleware/ginmw"
//
// Usage:
//
//	r := gin.Default()
//	r.Use(ginmw.AdmissionControl(pipeline))
//
// See package github.com/krishna-kudari/admitgate/middleware/ginmw for full API.
package middleware
