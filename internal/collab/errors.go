package collab

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation indicates a malformed operation or command.
	ErrValidation = errors.New("collab: validation failed")
	// ErrPermission indicates the caller lacks the capability for the attempted action.
	ErrPermission = errors.New("collab: permission denied")
	// ErrUnauthorized indicates the caller may not enter a session at all.
	ErrUnauthorized = errors.New("collab: unauthorized")
	// ErrCapacity indicates a session or queue is full.
	ErrCapacity = errors.New("collab: capacity exceeded")
	// ErrState indicates the action is invalid for the current state.
	ErrState = errors.New("collab: invalid state")
	// ErrNotFound indicates an unknown session, invitation, user, operation or conflict.
	ErrNotFound = errors.New("collab: not found")
	// ErrTimeout indicates a command or operation exceeded its deadline.
	ErrTimeout = errors.New("collab: timeout")
	// ErrNotConnected indicates the engine has no live transport subscription.
	ErrNotConnected = errors.New("collab: not connected")
	// ErrConnectionFailed indicates reconnect attempts were exhausted.
	ErrConnectionFailed = errors.New("collab: connection failed")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError whose code is "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Code returns the ServiceError code found in err's chain, or "".
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}

// Reason returns the trailing reason token of err's code, e.g. "full" for
// "sessions.join.full".
func Reason(err error) string {
	code := Code(err)
	if code == "" {
		return ""
	}
	if index := strings.LastIndex(code, "."); index >= 0 {
		return code[index+1:]
	}
	return code
}
