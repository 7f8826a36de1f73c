package engine

import (
	"errors"
	"fmt"
)

// ErrorClass drives retry decisions for failed collaborator calls.
type ErrorClass string

const (
	// ErrorClassTransient is a temporary failure (network error, 5xx) that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled is a rate-limit rejection. Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict is a lost optimistic-concurrency race on persisted state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeConfig           = "CONFIG_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInstanceNotFound = "INSTANCE_NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeMalformedFeed    = "MALFORMED_FEED"
	ErrCodeMalformedSignal  = "MALFORMED_SIGNAL"
	ErrCodeSignalRejected   = "SIGNAL_REJECTED"
	ErrCodeTargetResolution = "AMBIGUOUS_OR_MISSING_TARGET"
	ErrCodeNondeterminism   = "NONDETERMINISM"
	ErrCodeCollaborator     = "COLLABORATOR_FAILED"
	ErrCodeActivityTimeout  = "ACTIVITY_TIMEOUT"
)

// EngineError is a classified error carrying enough context to decide on retries
// and to render an API error.
// nolint:revive // name kept distinct from the builtin error
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Err       error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work through wrapping.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a retryable rate-limit error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err).WithCode(ErrCodeRateLimited)
}

// NewConflictError creates a retryable concurrency error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewConfigError reports a missing or invalid setting.
func NewConfigError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeConfig)
}

// NewValidationError reports invalid caller input.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeNotFound)
}

// NewMalformedFeedError reports feed content that cannot be turned into events.
func NewMalformedFeedError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeMalformedFeed)
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain.
// Unclassified errors are treated as permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

func IsThrottled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassThrottled
}

func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether a failed call should be attempted again.
// Transient, throttled and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
