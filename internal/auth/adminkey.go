// Package auth guards the operator endpoints. Terminal clients are not
// authenticated.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// HeaderAdminKey carries the operator key.
const HeaderAdminKey = "X-Admin-Key"

// AdminKeyMiddleware validates the operator key sent in X-Admin-Key or as a
// bearer token. If the configured key is empty, the check is disabled.
func AdminKeyMiddleware(adminKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get(HeaderAdminKey)
			if provided == "" {
				if bearer, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer "); ok {
					provided = strings.TrimSpace(bearer)
				}
			}

			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing admin key",
				})
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid admin key",
				})
			}

			return next(c)
		}
	}
}
