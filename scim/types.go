package scim

import (
	"encoding/json"
	"strings"
	"time"
)

// Meta contains metadata about a SCIM resource
type Meta struct {
	ResourceType string     `json:"resourceType"`
	Created      *time.Time `json:"created,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Location     string     `json:"location,omitempty"`
	Version      string     `json:"version,omitempty"`
}

// User represents the upstream-facing SCIM User resource.
// The id field always carries the bridge's own internal identifier;
// the downstream system's identifier is never exposed here.
type User struct {
	ID         string   `json:"id,omitempty"`
	ExternalID string   `json:"externalId,omitempty"`
	Meta       *Meta    `json:"meta,omitempty"`
	Schemas    []string `json:"schemas"`
	UserName   string   `json:"userName,omitempty"`
	Name       *Name    `json:"name,omitempty"`
	Active     *bool    `json:"active,omitempty"`
	Emails     []Email  `json:"emails,omitempty"`
	Roles      []Role   `json:"roles,omitempty"`
}

// Name represents a user's name components
type Name struct {
	Formatted  string `json:"formatted,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
}

// MultiValuedAttribute represents a generic multi-valued SCIM attribute
type MultiValuedAttribute[T any] struct {
	Value   T       `json:"value"`
	Type    string  `json:"type,omitempty"`
	Primary Boolean `json:"primary,omitempty"`
	Display string  `json:"display,omitempty"`
}

// Boolean tolerates providers that send booleans as strings ("True"/"False").
type Boolean bool

func (b *Boolean) UnmarshalJSON(data []byte) error {
	var val any
	if err := json.Unmarshal(data, &val); err != nil {
		return err
	}
	switch v := val.(type) {
	case bool:
		*b = Boolean(v)
	case string:
		*b = Boolean(strings.EqualFold(v, "true"))
	}
	return nil
}

func (b Boolean) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Email represents an email address
type Email = MultiValuedAttribute[string]

// Role represents a role assignment
type Role = MultiValuedAttribute[string]

// ListResponse represents a SCIM list response with generic resource type
type ListResponse[T any] struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []T      `json:"Resources"`
}

// Error represents a SCIM error response
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	ScimType string   `json:"scimType,omitempty"`
}

// PatchOp represents a SCIM PATCH request
type PatchOp struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation represents a single SCIM PATCH operation
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// SearchRequest represents the body of a POST /Users/.search request
type SearchRequest struct {
	Schemas    []string `json:"schemas"`
	Filter     string   `json:"filter,omitempty"`
	StartIndex int      `json:"startIndex,omitempty"`
	Count      int      `json:"count,omitempty"`
}

// QueryParams represents query parameters for list operations
type QueryParams struct {
	Filter     string
	StartIndex int
	Count      int
}

// Bool returns a pointer to the given bool value
func Bool(b bool) *bool {
	return &b
}
