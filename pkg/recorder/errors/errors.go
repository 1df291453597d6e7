package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Code returns the code of the first AppError in err's chain, or "" if there is none.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Error codes
const (
	ErrCodeNoActiveSession    = "NO_ACTIVE_SESSION"
	ErrCodeSessionSave        = "SESSION_SAVE_FAILED"
	ErrCodeConversationGet    = "CONVERSATION_GET_FAILED"
	ErrCodeConversationList   = "CONVERSATION_LIST_FAILED"
	ErrCodeConversationDelete = "CONVERSATION_DELETE_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvocationNotFound = "INVOCATION_NOT_FOUND"
	ErrCodeInvalidFormat      = "INVALID_FORMAT"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeConversion         = "CONVERSION_FAILED"
	ErrCodeFileOperation      = "FILE_OPERATION_FAILED"
	ErrCodeDatabase           = "DATABASE_FAILED"
	ErrCodeConfig             = "CONFIG_INVALID"
	ErrCodeRemote             = "REMOTE_REQUEST_FAILED"
)

// ErrNoActiveSession is returned when an invocation is started on a thread
// that has no open session.
var ErrNoActiveSession = New(ErrCodeNoActiveSession, "no active session", nil)

// ErrNotFound matches any AppError carrying ErrCodeNotFound.
var ErrNotFound = New(ErrCodeNotFound, "not found", nil)
