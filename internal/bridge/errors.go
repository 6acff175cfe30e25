package bridge

import "errors"

// Sentinel errors. The bridge returns errors only for caller mistakes;
// data problems inside the pipeline become results.
var (
	ErrNotInitialized = errors.New("bridge not initialized")
	ErrNotPending     = errors.New("intent is not pending approval")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrAuditDisabled  = errors.New("audit logging is not configured")

	// ErrExecutionDisabled is returned by Approve while the execution stage
	// is off. The intent stays queued.
	ErrExecutionDisabled = errors.New("execution is disabled")
)
