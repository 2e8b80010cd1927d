package flagz

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryable marks transport failures worth resending: 5xx, timeouts
	// and network errors.
	ErrRetryable = errors.New("retryable transport error")
	// ErrNonRetryable marks 4xx responses. The request will not succeed
	// without a change on the caller's side.
	ErrNonRetryable = errors.New("non-retryable transport error")
	// ErrInvalidConfiguration is fatal: the SDK key is rejected or the
	// configuration does not exist. Polling stops permanently.
	ErrInvalidConfiguration = errors.New("invalid sdk key or config not found")

	ErrBeforeHook = errors.New("before hook failed")
	ErrAfterHook  = errors.New("after hook failed")

	ErrInvalidSDKKey = errors.New("sdk key is required")
	ErrInvalidUser   = errors.New("user id is required")
	ErrInvalidKey    = errors.New("variable key is required")
	ErrInvalidEvent  = errors.New("event type is required")
	ErrQueueFull     = errors.New("event queue is full")
	ErrClosed        = errors.New("client is closed")

	// ErrInvalidDefaultValue is returned for a nil default value.
	ErrInvalidDefaultValue = errors.New("default value is required")
)

// Hook stages.
const (
	StageBefore  = "before"
	StageAfter   = "after"
	StageError   = "error"
	StageFinally = "finally"
)

// HookError wraps a failure raised by a hook.
type HookError struct {
	Stage string
	Index int
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %d: %v", e.Stage, e.Index, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Is reports stage identity so callers can match ErrBeforeHook/ErrAfterHook.
func (e *HookError) Is(target error) bool {
	switch target {
	case ErrBeforeHook:
		return e.Stage == StageBefore
	case ErrAfterHook:
		return e.Stage == StageAfter
	}
	return false
}
