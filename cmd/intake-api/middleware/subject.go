package middleware

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/common/logger"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// SubjectKey is the context key for the uploading user
	SubjectKey ContextKey = "subject"
)

// ExtractSubject stores the X-User-ID header, when present, as the upload
// subject. Completion notifications carry it back to the caller.
func ExtractSubject() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if subject := c.Request().Header.Get("X-User-ID"); subject != "" {
				c.Set(string(SubjectKey), subject)
			}
			return next(c)
		}
	}
}

// GetSubject returns the upload subject, or "" when anonymous
func GetSubject(c echo.Context) string {
	subject, _ := c.Get(string(SubjectKey)).(string)
	return subject
}

// RequestContext copies the request id set by echo's RequestID middleware
// into the request context so service logs carry it
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				ctx := context.WithValue(c.Request().Context(), logger.RequestIDKey, id)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}
