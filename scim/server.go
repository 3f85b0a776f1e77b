package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// discardLogger returns a no-op logger that discards all output
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// UserProvisioner is the backend contract the server dispatches to.
// Implementations must be safe for concurrent use by multiple request
// handlers.
type UserProvisioner interface {
	GetUsers(ctx context.Context, params QueryParams) (*ListResponse[*User], error)
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ReplaceUser(ctx context.Context, id string, user *User) (*User, error)
	PatchUser(ctx context.Context, id string, patch *PatchOp) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Server represents the upstream-facing SCIM server
type Server struct {
	baseURL     string
	handler     *Handler
	provisioner UserProvisioner
	mux         *http.ServeMux
	logger      *slog.Logger
}

// NewServer creates a new SCIM server without logging
func NewServer(baseURL string, provisioner UserProvisioner) *Server {
	return NewServerWithLogger(baseURL, provisioner, nil)
}

// NewServerWithLogger creates a new SCIM server with an optional logger.
// Pass nil for logger to disable logging.
func NewServerWithLogger(baseURL string, provisioner UserProvisioner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = discardLogger()
	}

	s := &Server{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		handler:     NewHandler(strings.TrimSuffix(baseURL, "/")),
		provisioner: provisioner,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes sets up HTTP routes using Go 1.22+ enhanced routing patterns
func (s *Server) setupRoutes() {
	// Discovery endpoints
	s.mux.HandleFunc("GET /ServiceProviderConfig", s.handleServiceProviderConfig)
	s.mux.HandleFunc("GET /ResourceTypes", s.handleResourceTypes)
	s.mux.HandleFunc("GET /Schemas", s.handleSchemas)

	// Search endpoints
	s.mux.HandleFunc("POST /.search", s.handleSearch)
	s.mux.HandleFunc("POST /Users/.search", s.handleSearch)

	// User endpoints
	s.mux.HandleFunc("GET /Users", s.handleGetUsers)
	s.mux.HandleFunc("POST /Users", s.handleCreateUser)
	s.mux.HandleFunc("GET /Users/{id}", s.handleGetUser)
	s.mux.HandleFunc("PUT /Users/{id}", s.handleReplaceUser)
	s.mux.HandleFunc("PATCH /Users/{id}", s.handlePatchUser)
	s.mux.HandleFunc("DELETE /Users/{id}", s.handleDeleteUser)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// writeProvisionerError writes the appropriate error response based on error type.
// *SCIMError values carry their own status and scimType; anything else is an
// internal error.
func (s *Server) writeProvisionerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var scimErr *SCIMError
	if errors.As(err, &scimErr) {
		if scimErr.Status >= http.StatusInternalServerError {
			s.logger.Error("operation failed",
				"operation", op,
				"status", scimErr.Status,
				"error", scimErr.Detail,
				"path", r.URL.Path,
			)
		}
		s.handler.WriteSCIMError(w, scimErr)
		return
	}

	s.logger.Error("operation failed",
		"operation", op,
		"error", err,
		"path", r.URL.Path,
	)
	s.handler.WriteError(w, http.StatusInternalServerError, err.Error(), "")
}

// handleServiceProviderConfig handles GET /ServiceProviderConfig
func (s *Server) handleServiceProviderConfig(w http.ResponseWriter, _ *http.Request) {
	s.handler.WriteJSON(w, http.StatusOK, GetServiceProviderConfig())
}

// handleResourceTypes handles GET /ResourceTypes
func (s *Server) handleResourceTypes(w http.ResponseWriter, _ *http.Request) {
	resourceTypes := GetResourceTypes()
	s.handler.WriteJSON(w, http.StatusOK, &ListResponse[ResourceTypeDefinition]{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(resourceTypes),
		StartIndex:   1,
		ItemsPerPage: len(resourceTypes),
		Resources:    resourceTypes,
	})
}

// handleSchemas handles GET /Schemas
func (s *Server) handleSchemas(w http.ResponseWriter, _ *http.Request) {
	s.handler.WriteJSON(w, http.StatusOK, []any{GetUserSchema()})
}

// handleGetUsers handles GET /Users
func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	params := s.handler.ParseQueryParams(r)
	s.listUsers(w, r, params)
}

// handleSearch handles POST /.search and POST /Users/.search with the query
// carried in the request body instead of the URL
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handler.WriteError(w, http.StatusBadRequest, "Invalid JSON", ScimTypeInvalidSyntax)
		return
	}

	params := QueryParams{
		Filter:     req.Filter,
		StartIndex: req.StartIndex,
		Count:      req.Count,
	}
	if params.StartIndex < 1 {
		params.StartIndex = 1
	}
	if params.Count < 1 {
		params.Count = 100
	}

	s.listUsers(w, r, params)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, params QueryParams) {
	response, err := s.provisioner.GetUsers(r.Context(), params)
	if err != nil {
		s.writeProvisionerError(w, r, "list users", err)
		return
	}
	s.handler.WriteJSON(w, http.StatusOK, response)
}

// handleCreateUser handles POST /Users
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.handler.WriteError(w, http.StatusBadRequest, "Failed to read request body", ScimTypeInvalidSyntax)
		return
	}
	defer r.Body.Close()

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		s.handler.WriteError(w, http.StatusBadRequest, "Invalid JSON", ScimTypeInvalidSyntax)
		return
	}

	if user.UserName == "" {
		s.handler.WriteError(w, http.StatusBadRequest, "userName is required", ScimTypeInvalidValue)
		return
	}

	// Default active to true only when the attribute was absent from the
	// request, which requires looking at the raw JSON. The body already
	// unmarshaled once, so this cannot fail.
	var rawData map[string]any
	_ = json.Unmarshal(body, &rawData)
	if _, exists := rawData["active"]; !exists {
		user.Active = Bool(true)
	}

	created, err := s.provisioner.CreateUser(r.Context(), &user)
	if err != nil {
		s.writeProvisionerError(w, r, "create user", err)
		return
	}

	location := s.handler.ResourceLocation("Users", created.ID)
	w.Header().Set("Location", location)
	if created.Meta != nil {
		created.Meta.Location = location
	}

	s.handler.WriteJSON(w, http.StatusCreated, created)
}

// handleGetUser handles GET /Users/{id}
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	user, err := s.provisioner.GetUser(r.Context(), id)
	if err != nil {
		s.writeProvisionerError(w, r, "get user", err)
		return
	}

	s.handler.WriteJSON(w, http.StatusOK, user)
}

// handleReplaceUser handles PUT /Users/{id}
func (s *Server) handleReplaceUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var user User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		s.handler.WriteError(w, http.StatusBadRequest, "Invalid JSON", ScimTypeInvalidSyntax)
		return
	}

	if user.UserName == "" {
		s.handler.WriteError(w, http.StatusBadRequest, "userName is required", ScimTypeInvalidValue)
		return
	}

	replaced, err := s.provisioner.ReplaceUser(r.Context(), id, &user)
	if err != nil {
		s.writeProvisionerError(w, r, "replace user", err)
		return
	}

	s.handler.WriteJSON(w, http.StatusOK, replaced)
}

// handlePatchUser handles PATCH /Users/{id}
func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch PatchOp
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.handler.WriteError(w, http.StatusBadRequest, "Invalid JSON", ScimTypeInvalidSyntax)
		return
	}

	if len(patch.Operations) == 0 {
		s.handler.WriteError(w, http.StatusBadRequest, "Operations is required", ScimTypeInvalidValue)
		return
	}

	for _, op := range patch.Operations {
		switch strings.ToLower(op.Op) {
		case "add", "remove", "replace":
		default:
			s.handler.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid patch op %q", op.Op), ScimTypeInvalidValue)
			return
		}
	}

	patched, err := s.provisioner.PatchUser(r.Context(), id, &patch)
	if err != nil {
		s.writeProvisionerError(w, r, "patch user", err)
		return
	}

	s.handler.WriteJSON(w, http.StatusOK, patched)
}

// handleDeleteUser handles DELETE /Users/{id}
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.provisioner.DeleteUser(r.Context(), id); err != nil {
		s.writeProvisionerError(w, r, "delete user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
