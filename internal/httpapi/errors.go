package httpapi

import (
	"errors"
	"net/http"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Error codes carried in the JSON body next to the message.
const (
	CodeInvalidArgument   = "invalid_argument"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInternal          = "internal"
)

// ErrorBody is the error response shape. Call is set on invalid_transition
// and holds the record as it stands after the losing attempt.
type ErrorBody struct {
	Error string        `json:"error"`
	Code  string        `json:"code"`
	Call  *calls.Record `json:"call,omitempty"`
}

// StatusFor maps the calls error taxonomy to an HTTP status and code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, calls.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, calls.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, err error, rec calls.Record) {
	status, code := StatusFor(err)
	body := ErrorBody{Error: err.Error(), Code: code}
	if code == CodeInvalidTransition && rec.ID != "" {
		body.Call = &rec
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Warn("call operation failed", "call_id", c.Param("id"), "err", err)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
