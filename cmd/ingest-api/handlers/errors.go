package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
)

// respondError maps a service error to its HTTP status and
// {error, message, retryable} body.
// Server-side failures are logged and their detail withheld from the client.
func respondError(c echo.Context, log *logger.Logger, err error) error {
	status := apperrors.HTTPStatus(err)
	kind := apperrors.KindOf(err)

	if status >= http.StatusInternalServerError {
		log.WithContext(c.Request().Context()).Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"kind", kind,
			"error", err,
		)
		return c.JSON(status, map[string]interface{}{
			"error":     string(kind),
			"message":   "internal error",
			"retryable": apperrors.Retryable(err),
		})
	}

	return c.JSON(status, map[string]interface{}{
		"error":     string(kind),
		"message":   clientMessage(err),
		"retryable": apperrors.Retryable(err),
	})
}

// clientMessage is the message of the outermost apperrors.Error, or the
// full error text when there is none
func clientMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error":   string(apperrors.KindValidation),
		"message": message,
	})
}
