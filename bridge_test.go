package scimbridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcelom97/scimbridge/config"
	"github.com/marcelom97/scimbridge/internal/testutil"
	"github.com/marcelom97/scimbridge/scim"
	"github.com/marcelom97/scimbridge/store"
)

const testBearerToken = "upstream-secret"

func newTestBridge(t *testing.T) (*httptest.Server, *testutil.FakeDownstream) {
	t.Helper()

	fake := testutil.NewFakeDownstream()
	t.Cleanup(fake.Close)

	cfg := config.DefaultConfig()
	cfg.Gateway.BaseURL = "http://localhost:8880"
	cfg.Upstream.Auth = &config.AuthConfig{
		Type:   "bearer",
		Bearer: &config.BearerAuth{Token: testBearerToken},
	}
	cfg.Downstream.BaseURL = fake.BaseURL()
	cfg.Downstream.OAuth.TokenURL = fake.TokenURL()
	cfg.Downstream.OAuth.ClientID = "bridge"
	cfg.Downstream.OAuth.ClientSecret = "secret"
	cfg.Store.Driver = "memory"
	cfg.Roles.Mappings = []config.RoleMapping{
		{Role: "ld-developer", CustomRoles: []string{"developer"}},
	}

	bridge := New(cfg)
	bridge.SetStore(store.NewMemoryStore())
	if err := bridge.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { bridge.Close() })

	handler, err := bridge.Handler()
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, fake
}

func doSCIM(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Content-Type", "application/scim+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, buf.Bytes()
}

func TestBridgeRejectsUnauthenticatedRequests(t *testing.T) {
	srv, _ := newTestBridge(t)

	resp, err := http.Get(srv.URL + "/Users")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/scim+json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestBridgeUserLifecycle(t *testing.T) {
	srv, fake := newTestBridge(t)

	// Create
	resp, body := doSCIM(t, srv, http.MethodPost, "/Users", map[string]any{
		"schemas":    []string{scim.SchemaUser},
		"userName":   "alice@example.com",
		"externalId": "ext-1",
		"roles":      []map[string]any{{"value": "ld-developer"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}

	var created scim.User
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected an internal id")
	}
	if fake.UserCount() != 1 {
		t.Fatalf("downstream users = %d, want 1", fake.UserCount())
	}
	if len(created.Roles) != 1 || created.Roles[0].Value != "developer" {
		t.Errorf("roles = %+v", created.Roles)
	}

	// Read back through the bridge
	resp, body = doSCIM(t, srv, http.MethodGet, "/Users/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, body)
	}
	var fetched scim.User
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if fetched.UserName != "alice@example.com" || fetched.ID != created.ID {
		t.Errorf("fetched = %+v", fetched)
	}

	// List with a username filter
	resp, body = doSCIM(t, srv, http.MethodGet, `/Users?filter=userName+eq+%22alice@example.com%22`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	var list scim.ListResponse[*scim.User]
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if list.TotalResults != 1 || len(list.Resources) != 1 {
		t.Fatalf("list = %+v", list)
	}

	// Deactivate via patch
	resp, body = doSCIM(t, srv, http.MethodPatch, "/Users/"+created.ID, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "replace", "path": "active", "value": false},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, body)
	}
	var patched scim.User
	if err := json.Unmarshal(body, &patched); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if patched.Active == nil || *patched.Active {
		t.Errorf("active = %v, want false", patched.Active)
	}

	// Delete
	resp, _ = doSCIM(t, srv, http.MethodDelete, "/Users/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if fake.UserCount() != 0 {
		t.Errorf("downstream users = %d after delete", fake.UserCount())
	}

	// Deleting again is still a success
	resp, _ = doSCIM(t, srv, http.MethodDelete, "/Users/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestBridgeDuplicateExternalIDConflict(t *testing.T) {
	srv, _ := newTestBridge(t)

	resp, body := doSCIM(t, srv, http.MethodPost, "/Users", map[string]any{
		"schemas":    []string{scim.SchemaUser},
		"userName":   "first@example.com",
		"externalId": "ext-dup",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doSCIM(t, srv, http.MethodPost, "/Users", map[string]any{
		"schemas":    []string{scim.SchemaUser},
		"userName":   "second@example.com",
		"externalId": "ext-dup",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409: %s", resp.StatusCode, body)
	}

	var scimErr scim.Error
	if err := json.Unmarshal(body, &scimErr); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if scimErr.ScimType != scim.ScimTypeUniqueness {
		t.Errorf("scimType = %q", scimErr.ScimType)
	}
}

func TestBridgeRecoversFromRevokedDownstreamToken(t *testing.T) {
	srv, fake := newTestBridge(t)

	resp, body := doSCIM(t, srv, http.MethodPost, "/Users", map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice@example.com",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var created scim.User
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Revoke the token out-of-band; the next call must refresh and succeed
	fake.InvalidateToken()

	resp, body = doSCIM(t, srv, http.MethodGet, "/Users/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after revocation status = %d: %s", resp.StatusCode, body)
	}
	if fake.TokenRequests < 2 {
		t.Errorf("token requests = %d, want a refresh after revocation", fake.TokenRequests)
	}
}

func TestBridgeDiscoveryDocuments(t *testing.T) {
	srv, _ := newTestBridge(t)

	resp, body := doSCIM(t, srv, http.MethodGet, "/ServiceProviderConfig", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var spc map[string]any
	if err := json.Unmarshal(body, &spc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := spc["authenticationSchemes"]; !ok {
		t.Error("missing authenticationSchemes")
	}
}

func TestBridgeHandlerRequiresInitialize(t *testing.T) {
	cfg := config.DefaultConfig()
	bridge := New(cfg)

	if _, err := bridge.Handler(); err == nil {
		t.Error("Handler before Initialize should fail")
	}
}
