package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	msgMoveFailed   = "Failed to update task position"
	msgCreateFailed = "Failed to create task"
	msgUpdateFailed = "Failed to update task"
	msgDeleteFailed = "Failed to delete task"
	msgBoardFailed  = "Failed to load tasks"
)

// classify maps an error to a status code and the message shown to clients.
// Storage causes never reach the client; they get the operation's failure message.
func classify(err error, failure string) (int, string) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return http.StatusUnauthorized, "User not authenticated"
	case errors.Is(err, domain.ErrNoActiveScope):
		return http.StatusBadRequest, "No active organization selected"
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden, "Organization not found or access denied"
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound, "Task not found or access denied"
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound, "Project not found or access denied"
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrColumnTooLarge):
		return http.StatusConflict, failure
	}
	return http.StatusInternalServerError, failure
}

func (h *handlers) fail(c echo.Context, failure string, err error) error {
	status, msg := classify(err, failure)
	if status >= http.StatusInternalServerError || status == http.StatusConflict {
		h.log.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"status": status,
		}).Error(msg)
	}
	return c.JSON(status, actionResult{Error: msg})
}
