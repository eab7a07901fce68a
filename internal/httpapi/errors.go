package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"call-signaling/internal/calls"
	"call-signaling/pkg/logger"
)

// Error codes returned in the "code" field. Clients switch on these, never on "error".
const (
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeInvalidTransition   = "invalid_transition"
	CodeUnauthorized        = "unauthorized"
	CodeCallTypeDisabled    = "call_type_disabled"
	CodeCalleeNotFound      = "callee_not_found"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInvalidArgument     = "invalid_argument"
	CodeInternal            = "internal"
)

// Classify maps a service error to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, calls.ErrCalleeNotFound):
		return http.StatusNotFound, CodeCalleeNotFound
	case errors.Is(err, calls.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, calls.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, calls.ErrCallTypeDisabled):
		return http.StatusForbidden, CodeCallTypeDisabled
	case errors.Is(err, calls.ErrInsufficientBalance):
		return http.StatusPaymentRequired, CodeInsufficientBalance
	case errors.Is(err, calls.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, CodeUpstreamUnavailable
	case errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, err error) {
	status, code := Classify(err)
	body := gin.H{"error": err.Error(), "code": code}
	if st, ok := calls.CurrentState(err); ok {
		body["state"] = st
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("call request failed", "code", code, "err", err)
		body["error"] = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": CodeInvalidArgument})
}
