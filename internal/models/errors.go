package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies pipeline failures for callers.
type ErrorKind string

const (
	ErrUnauthenticated          ErrorKind = "UNAUTHENTICATED"
	ErrProfileNotFound          ErrorKind = "PROFILE_NOT_FOUND"
	ErrInsufficientCredits      ErrorKind = "INSUFFICIENT_CREDITS"
	ErrMissingRequiredField     ErrorKind = "MISSING_REQUIRED_FIELD"
	ErrInvalidImage             ErrorKind = "INVALID_IMAGE"
	ErrStorageWriteFailed       ErrorKind = "STORAGE_WRITE_FAILED"
	ErrInferenceFailed          ErrorKind = "INFERENCE_FAILED"
	ErrInferenceTimeout         ErrorKind = "INFERENCE_TIMEOUT"
	ErrMalformedInferenceOutput ErrorKind = "MALFORMED_INFERENCE_OUTPUT"
	ErrResultFetchFailed        ErrorKind = "RESULT_FETCH_FAILED"
	ErrLedgerCommitFailed       ErrorKind = "LEDGER_COMMIT_FAILED"
	ErrDuplicateAttempt         ErrorKind = "DUPLICATE_ATTEMPT"
	ErrInternal                 ErrorKind = "INTERNAL"
)

// PipelineError is the caller-visible failure of a generation attempt.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind onto the response status code.
func (e *PipelineError) HTTPStatus() int {
	switch e.Kind {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrInsufficientCredits:
		return http.StatusPaymentRequired
	case ErrMissingRequiredField, ErrInvalidImage:
		return http.StatusBadRequest
	case ErrDuplicateAttempt:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewPipelineError wraps err under the given kind.
func NewPipelineError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// NewMissingFieldError reports an absent required request field.
func NewMissingFieldError(field string) *PipelineError {
	return &PipelineError{
		Kind:    ErrMissingRequiredField,
		Message: fmt.Sprintf("%s is required", field),
	}
}

// NewInsufficientCreditsError reports an exhausted balance.
func NewInsufficientCreditsError() *PipelineError {
	return &PipelineError{
		Kind:    ErrInsufficientCredits,
		Message: "No credits left. Please top up your credit balance to keep generating.",
	}
}

// NewInferenceFailedError keeps the backend's reason in the message.
func NewInferenceFailedError(reason string, err error) *PipelineError {
	if reason == "" {
		reason = "unknown error"
	}
	return &PipelineError{
		Kind:    ErrInferenceFailed,
		Message: fmt.Sprintf("Image generation failed: %s", reason),
		Err:     err,
	}
}

// KindOf returns the kind of err, or ErrInternal when it is not a PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}
