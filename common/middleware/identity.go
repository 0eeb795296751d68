package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// OwnerKey is the context key for storing the caller identity
	OwnerKey ContextKey = "owner"

	// OwnerHeader carries the opaque identity set by the upstream auth layer
	OwnerHeader = "X-User-ID"
)

// ExtractOwner is a middleware that extracts the X-User-ID header
// and stores it in the request context.
//
// Usage:
//
//	e := echo.New()
//	e.Use(middleware.ExtractOwner())
//
// Accessing in handlers:
//
//	owner := middleware.GetOwner(c)
func ExtractOwner() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if owner := c.Request().Header.Get(OwnerHeader); owner != "" {
				c.Set(string(OwnerKey), owner)
			}
			return next(c)
		}
	}
}

// GetOwner retrieves the owner from the request context
// Returns empty string if not set
func GetOwner(c echo.Context) string {
	owner, _ := c.Get(string(OwnerKey)).(string)
	return owner
}

// RequireOwner ensures an owner exists in context.
// Writes a 401 response and returns ok=false if not found.
func RequireOwner(c echo.Context) (owner string, ok bool, err error) {
	owner = GetOwner(c)
	if owner == "" {
		err = c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error":   "unauthorized",
			"message": "authentication required (X-User-ID header missing)",
		})
		return "", false, err
	}
	return owner, true, nil
}
