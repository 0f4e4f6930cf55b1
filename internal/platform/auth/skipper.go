package auth

import "github.com/labstack/echo/v4"

// Probe routes served without a caller identity.
var publicPaths = map[string]struct{}{
	"/health":    {},
	"/health/db": {},
	"/ready":     {},
}

// AuthSkipper reports whether the matched route skips authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}
