package middleware

import "github.com/labstack/echo/v4"

// apiResponseHeaders are stamped on every response. Bodies carry Aadhaar
// numbers and card details, hence no-store and no framing.
var apiResponseHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiResponseHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
