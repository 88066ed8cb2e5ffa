package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// RecoverableError is implemented by errors that know whether a retry can
// succeed
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether an error is worth retrying
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}

	return isRecoverableByType(err)
}

func isRecoverableByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// transientPatterns are message fragments of connection-level failures
// that usually clear up on their own
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary failure",
	"too many clients",
	"the database system is starting up",
	"could not serialize access",
	"deadlock detected",
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string {
	return e.err.Error()
}

func (e *recoverableError) IsRecoverable() bool {
	return true
}

func (e *recoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError marks err as safe to retry
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError marks an error that must not be retried even if it
// looks transient
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string {
	return e.err.Error()
}

func (e *NonRecoverableError) IsRecoverable() bool {
	return false
}

func (e *NonRecoverableError) Unwrap() error {
	return e.err
}

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
