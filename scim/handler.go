package scim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	SchemaListResponse  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError         = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaUser          = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaPatchOp       = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaSearchRequest = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
)

// Handler handles response writing and query parsing for SCIM endpoints
type Handler struct {
	baseURL string
}

// NewHandler creates a new SCIM handler
func NewHandler(baseURL string) *Handler {
	return &Handler{
		baseURL: baseURL,
	}
}

// WriteError writes a SCIM error response
func (h *Handler) WriteError(w http.ResponseWriter, status int, detail string, scimType string) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)

	err := Error{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(status),
		Detail:   detail,
		ScimType: scimType,
	}

	json.NewEncoder(w).Encode(err)
}

// WriteSCIMError writes a SCIM error response from a *SCIMError
func (h *Handler) WriteSCIMError(w http.ResponseWriter, err *SCIMError) {
	h.WriteError(w, err.Status, err.Detail, err.ScimType)
}

// WriteJSON writes a successful JSON response
func (h *Handler) WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ParseQueryParams extracts SCIM query parameters from the request.
// startIndex defaults to 1 (1-based per RFC 7644), count to 100.
func (h *Handler) ParseQueryParams(r *http.Request) QueryParams {
	params := QueryParams{
		StartIndex: 1,
		Count:      100,
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		params.Filter = filter
	}

	if startIndex := r.URL.Query().Get("startIndex"); startIndex != "" {
		if idx, err := strconv.Atoi(startIndex); err == nil && idx > 0 {
			params.StartIndex = idx
		}
	}

	if count := r.URL.Query().Get("count"); count != "" {
		if c, err := strconv.Atoi(count); err == nil && c > 0 {
			params.Count = c
		}
	}

	return params
}

// ResourceLocation returns the upstream-facing location URL for a resource
func (h *Handler) ResourceLocation(resourceType, id string) string {
	return fmt.Sprintf("%s/%s/%s", h.baseURL, resourceType, id)
}
