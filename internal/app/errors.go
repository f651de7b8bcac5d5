package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rars/api/internal/auth"
	"rars/api/internal/authpw"
	"rars/api/internal/blob"
	"rars/api/internal/documents"
	"rars/api/internal/idempotency"
	"rars/api/internal/lifecycle"
	"rars/api/internal/store"
)

const (
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNotFound           = "NOT_FOUND"
	CodeConflictingVersion = "CONFLICTING_VERSION"
	CodeUpstreamFailure    = "UPSTREAM_FAILURE"
	CodeValidation         = "VALIDATION_ERROR"
	CodeDuplicate          = "DUPLICATE"
	CodeInProgress         = "REQUEST_IN_PROGRESS"
	CodeKeyReused          = "IDEMPOTENCY_KEY_REUSED"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errForbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, CodeUnauthorized, "You are not allowed to perform this action", map[string]string{"action": action})
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

func errInvalidTransition(message string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidTransition, message, nil)
}

func errNotFound(entity string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, entity+" not found", nil)
}

// asDomainError maps package sentinels onto the error taxonomy. Anything it
// does not recognise is treated as an upstream failure.
func asDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var mapped *DomainError
	var transitionErr *lifecycle.TransitionError
	switch {
	case errors.As(err, &transitionErr) && errors.Is(err, lifecycle.ErrValidation):
		mapped = errValidation(transitionErr.Reason)
	case errors.As(err, &transitionErr):
		mapped = errInvalidTransition(transitionErr.Reason)
		mapped.Details = map[string]string{"event": string(transitionErr.Event), "from": string(transitionErr.From)}
	case errors.Is(err, store.ErrStaleStatus):
		mapped = errInvalidTransition("The application changed while this action was in progress; reload and try again")
	case errors.Is(err, store.ErrNotFound):
		mapped = errNotFound("Record")
	case errors.Is(err, blob.ErrNotFound):
		mapped = errNotFound("Stored file")
	case errors.Is(err, store.ErrVersionConflict):
		mapped = domainError(http.StatusConflict, CodeConflictingVersion, "Another upload of this document type won the race; please retry", nil)
	case errors.Is(err, store.ErrDuplicate):
		mapped = domainError(http.StatusConflict, CodeDuplicate, "This record already exists", nil)
	case errors.Is(err, documents.ErrEmptyFile), errors.Is(err, documents.ErrUnknownType), errors.Is(err, store.ErrInvalidValue):
		mapped = errValidation(err.Error())
	case errors.Is(err, idempotency.ErrInProgress):
		mapped = domainError(http.StatusConflict, CodeInProgress, "A request with this idempotency key is still running", nil)
	case errors.Is(err, idempotency.ErrMismatch):
		mapped = domainError(http.StatusUnprocessableEntity, CodeKeyReused, "Idempotency key was already used for a different request", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		mapped = domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		mapped = domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInput):
		mapped = errValidation(err.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		mapped = domainError(http.StatusUnauthorized, CodeUnauthenticated, "Sign in to continue", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		mapped = domainError(http.StatusGatewayTimeout, CodeUpstreamFailure, "The request timed out; please retry", nil)
	default:
		mapped = domainError(http.StatusBadGateway, CodeUpstreamFailure, "A backing service failed; please retry", nil)
	}
	mapped.cause = err
	return mapped
}

func mapError(err error) (status int, code, message string, details any) {
	domainErr := asDomainError(err)
	return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
}

// ErrorCode returns the taxonomy code for err, or "" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	return asDomainError(err).Code
}
