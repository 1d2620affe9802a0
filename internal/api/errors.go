package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"visionchat/internal/prompt"
	"visionchat/internal/service/ai"
	"visionchat/internal/service/speech"
	"visionchat/internal/session"
	"visionchat/internal/worker"
)

// statusFor maps an error to its HTTP status, the response key ("warning" or
// "error") and the message shown to the user.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, prompt.ErrNoInput):
		return http.StatusUnprocessableEntity, "warning", prompt.ErrNoInput.Error()
	case errors.Is(err, speech.ErrUnintelligible):
		return http.StatusUnprocessableEntity, "warning", speech.ErrUnintelligible.Error()
	case errors.Is(err, ai.ErrEmptyInput),
		errors.Is(err, session.ErrUnsupportedImage),
		errors.Is(err, session.ErrNoResponse):
		return http.StatusUnprocessableEntity, "warning", err.Error()
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "error", session.ErrBusy.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "error", session.ErrNotFound.Error()
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "error", "server is busy, please retry"
	case errors.Is(err, speech.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "error", speech.ErrServiceUnavailable.Error()
	case errors.Is(err, speech.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "error", err.Error()
	default:
		return http.StatusInternalServerError, "error", err.Error()
	}
}

func respondError(c *gin.Context, err error) {
	status, key, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{key: msg})
}
