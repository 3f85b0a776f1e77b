package scim

import (
	"fmt"
	"net/http"
)

// SCIM error types as defined in RFC 7644
const (
	ScimTypeInvalidFilter = "invalidFilter"
	ScimTypeInvalidPath   = "invalidPath"
	ScimTypeInvalidSyntax = "invalidSyntax"
	ScimTypeInvalidValue  = "invalidValue"
	ScimTypeMutability    = "mutability"
	ScimTypeUniqueness    = "uniqueness"
)

// SCIMError represents a SCIM error
type SCIMError struct {
	Status   int
	Detail   string
	ScimType string
}

// Error implements the error interface
func (e *SCIMError) Error() string {
	return e.Detail
}

// NewSCIMError creates a new SCIM error
func NewSCIMError(status int, detail, scimType string) *SCIMError {
	return &SCIMError{
		Status:   status,
		Detail:   detail,
		ScimType: scimType,
	}
}

// Common SCIM errors
var (
	ErrInvalidFilter = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidFilter)
	}

	ErrInvalidSyntax = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidSyntax)
	}

	ErrInvalidValue = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidValue)
	}

	ErrInvalidPath = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidPath)
	}

	ErrUniqueness = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusConflict, detail, ScimTypeUniqueness)
	}

	ErrNotFound = func(resourceType, id string) *SCIMError {
		return NewSCIMError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resourceType, id), "")
	}

	ErrInternalServer = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusInternalServerError, detail, "")
	}

	ErrBadGateway = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadGateway, detail, "")
	}
)
