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

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsValidation reports whether err is one of the validation error codes.
func IsValidation(err error) bool {
	switch Code(err) {
	case ErrCodeValidation, ErrCodeUnsupportedType, ErrCodeTooLarge, ErrCodeMissingIdentifier:
		return true
	}
	return false
}

// Error codes
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeUnsupportedType    = "UNSUPPORTED_TYPE"
	ErrCodeTooLarge           = "TOO_LARGE"
	ErrCodeMissingIdentifier  = "MISSING_IDENTIFIER"
	ErrCodeUploadFailed       = "UPLOAD_FAILED"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodePersistenceFailed  = "PERSISTENCE_FAILED"
	ErrCodeParseFailed        = "PARSE_FAILED"
	ErrCodeDuplicateTurn      = "DUPLICATE_TURN"
	ErrCodeConfigMissing      = "CONFIG_MISSING"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConversationCreate = "CONVERSATION_CREATE_FAILED"
	ErrCodeConversationGet    = "CONVERSATION_GET_FAILED"
	ErrCodeConversationDelete = "CONVERSATION_DELETE_FAILED"
	ErrCodeAuthFailed         = "AUTH_FAILED"
)
