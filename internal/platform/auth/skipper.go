package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Matching ignores the API prefix so the
// same set works whatever API_PREFIX is configured.
var publicPaths = map[string]bool{
	"/healthz":           true,
	"/health/db":         true,
	"/docs/openapi.json": true,
	"/docs":              true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether path, with or without an API prefix, is a
// public infrastructure endpoint.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for p := range publicPaths {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}
