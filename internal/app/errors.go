package app

import (
	"fmt"
	"net/http"
)

const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyResolved = "ALREADY_RESOLVED"
	CodeExpired         = "EXPIRED"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeConflict        = "CONFLICT"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errUnauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthenticated, message, nil)
}

func errNotAuthorized(message string, details any) *DomainError {
	return domainError(http.StatusForbidden, CodeNotAuthorized, message, details)
}

func errNotFound(resource string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, resource+" not found", map[string]any{"resource": resource})
}

func errAlreadyResolved(message, status string) *DomainError {
	return domainError(http.StatusConflict, CodeAlreadyResolved, message, map[string]any{"status": status})
}

func errExpired(message string, details any) *DomainError {
	return domainError(http.StatusGone, CodeExpired, message, details)
}

func errInvalidPayload(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeInvalidPayload, message, details)
}

func errConflict(message string, details any) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, details)
}
