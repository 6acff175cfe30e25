package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/warden/internal/bridge"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("resource not found")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, bridge.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, bridge.ErrNotPending):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrAuditDisabled), errors.Is(err, bridge.ErrExecutionDisabled):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
