// Package auth authenticates API callers from bearer tokens and exposes the
// caller's identity and raw token through the request context.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	TokenKey     contextKey = "bearer_token"
)

// DevUserID is the identity assigned to unauthenticated requests in
// development.
const DevUserID = "dev-user"

type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func withIdentity(c echo.Context, userID string, roles []string, token string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	if token != "" {
		ctx = context.WithValue(ctx, TokenKey, token)
	}
	c.SetRequest(c.Request().WithContext(ctx))
}

// JWTMiddleware validates HS256 tokens when SigningKey is set and RS256
// tokens from the JWKS endpoint otherwise. Without an explicit JWKSURL the
// issuer's discovery document is consulted.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if discovered, err := DiscoverJWKSURL(ctx, cfg.Issuer); err == nil {
				url = discovered
			}
			cancel()
		}
		jwks = NewJWKSCache(url, defaultJWKSCacheTTL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := &Claims{}
			var keyFunc jwt.Keyfunc
			if jwks != nil {
				keyFunc = jwks.KeyFunc(c.Request().Context())
			} else {
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			}

			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			withIdentity(c, claims.Subject, claims.Roles, tokenStr)
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as DevUserID; a supplied bearer token is kept so it can
// still be forwarded to the backend.
func DevAuthMiddleware(skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			token, _ := bearerToken(c)
			userID := DevUserID
			if id := c.Request().Header.Get("X-User-ID"); id != "" {
				userID = id
			}
			withIdentity(c, userID, []string{"reviewer"}, token)
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// TokenFromContext returns the caller's raw bearer token, if any.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(TokenKey).(string)
	return tok
}
