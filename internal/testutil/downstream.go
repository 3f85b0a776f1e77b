// Package testutil provides test fixtures for the scimbridge project.
// This package is internal and not part of the public API.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/marcelom97/scimbridge/downstream"
	"github.com/marcelom97/scimbridge/scim"
)

// FakeDownstream is an in-memory rendition of the downstream authorization
// service: an OAuth2 token endpoint plus a SCIM user API that requires the
// most recently issued token. It is used by client, provisioning and
// end-to-end tests.
type FakeDownstream struct {
	mu     sync.Mutex
	users  map[string]*downstream.User
	nextID int

	validToken  string
	tokenSerial int

	// TokenRequests counts calls to the token endpoint.
	TokenRequests int
	// APIRequests counts calls to the user API (including rejected ones).
	APIRequests int

	// ExpiresIn is the expires_in value the token endpoint reports; zero
	// omits the field entirely.
	ExpiresIn int64
	// FailTokens makes the token endpoint return 500.
	FailTokens bool
	// FailDeletes makes DELETE /Users/{id} return 500.
	FailDeletes bool

	server *httptest.Server
}

// NewFakeDownstream starts the fake service on an httptest server. Callers
// must Close it.
func NewFakeDownstream() *FakeDownstream {
	f := &FakeDownstream{
		users: make(map[string]*downstream.User),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", f.handleToken)
	mux.HandleFunc("GET /scim/Users", f.handleList)
	mux.HandleFunc("POST /scim/Users", f.handleCreate)
	mux.HandleFunc("GET /scim/Users/{id}", f.handleGet)
	mux.HandleFunc("PUT /scim/Users/{id}", f.handleReplace)
	mux.HandleFunc("PATCH /scim/Users/{id}", f.handlePatch)
	mux.HandleFunc("DELETE /scim/Users/{id}", f.handleDelete)

	f.server = httptest.NewServer(mux)
	return f
}

// Close shuts down the underlying test server
func (f *FakeDownstream) Close() {
	f.server.Close()
}

// TokenURL returns the token endpoint URL
func (f *FakeDownstream) TokenURL() string {
	return f.server.URL + "/oauth/token"
}

// BaseURL returns the SCIM API base URL
func (f *FakeDownstream) BaseURL() string {
	return f.server.URL + "/scim"
}

// InvalidateToken revokes the current token out-of-band, so the next API
// call is rejected until a fresh token is acquired.
func (f *FakeDownstream) InvalidateToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validToken = ""
}

// AddUser seeds a user directly, returning its assigned downstream id
func (f *FakeDownstream) AddUser(user *downstream.User) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	user.ID = fmt.Sprintf("ds-%d", f.nextID)
	f.users[user.ID] = user
	return user.ID
}

// RemoveUser deletes a user directly, simulating an out-of-band delete
func (f *FakeDownstream) RemoveUser(downstreamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, downstreamID)
}

// User returns the stored user with the given downstream id, or nil
func (f *FakeDownstream) User(downstreamID string) *downstream.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[downstreamID]
}

// UserCount returns the number of stored users
func (f *FakeDownstream) UserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func (f *FakeDownstream) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.TokenRequests++

	if err := r.ParseForm(); err != nil || r.PostFormValue("grant_type") != "client_credentials" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_request"}`)
		return
	}
	if f.FailTokens {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error_description":"token service unavailable"}`)
		return
	}

	f.tokenSerial++
	f.validToken = fmt.Sprintf("tok-%d", f.tokenSerial)

	resp := map[string]any{"access_token": f.validToken}
	if f.ExpiresIn > 0 {
		resp["expires_in"] = f.ExpiresIn
	}
	json.NewEncoder(w).Encode(resp)
}

// authorized checks the bearer token, counting the API request
func (f *FakeDownstream) authorized(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.APIRequests++

	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if f.validToken == "" || got != f.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"invalid or expired token"}`)
		return false
	}
	return true
}

func (f *FakeDownstream) handleList(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	filter := scim.ParseUserNameFilter(r.URL.Query().Get("filter"))
	matched := make([]*downstream.User, 0)
	for _, u := range f.users {
		if filter.Matches(u.UserName) {
			matched = append(matched, u)
		}
	}

	json.NewEncoder(w).Encode(&scim.ListResponse[*downstream.User]{
		Schemas:      []string{scim.SchemaListResponse},
		TotalResults: len(matched),
		StartIndex:   1,
		ItemsPerPage: len(matched),
		Resources:    matched,
	})
}

func (f *FakeDownstream) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	var user downstream.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"invalid body"}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.users {
		if existing.UserName == user.UserName {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"detail":"userName already exists"}`)
			return
		}
	}

	f.nextID++
	user.ID = fmt.Sprintf("ds-%d", f.nextID)
	f.users[user.ID] = &user

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&user)
}

func (f *FakeDownstream) handleGet(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"user not found"}`)
		return
	}
	json.NewEncoder(w).Encode(user)
}

func (f *FakeDownstream) handleReplace(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	var user downstream.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"invalid body"}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("id")
	if _, ok := f.users[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"user not found"}`)
		return
	}

	user.ID = id
	f.users[id] = &user
	json.NewEncoder(w).Encode(&user)
}

func (f *FakeDownstream) handlePatch(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	var patch scim.PatchOp
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"invalid body"}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"user not found"}`)
		return
	}

	for _, op := range patch.Operations {
		switch op.Path {
		case downstream.ExtensionSchema:
			data, err := json.Marshal(op.Value)
			if err != nil {
				continue
			}
			var ext downstream.Extension
			if err := json.Unmarshal(data, &ext); err == nil {
				user.Extension = &ext
			}
		case "active":
			if b, ok := op.Value.(bool); ok {
				user.Active = scim.Bool(b)
			}
		case "userName":
			if s, ok := op.Value.(string); ok {
				user.UserName = s
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeDownstream) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailDeletes {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail":"delete failed"}`)
		return
	}

	id := r.PathValue("id")
	if _, ok := f.users[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"user not found"}`)
		return
	}

	delete(f.users, id)
	w.WriteHeader(http.StatusNoContent)
}
