package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/marcelom97/scimbridge/downstream"
	"github.com/marcelom97/scimbridge/rolemap"
	"github.com/marcelom97/scimbridge/scim"
	"github.com/marcelom97/scimbridge/store"
)

// fakeAPI is an in-memory downstream implementing DownstreamAPI
type fakeAPI struct {
	users  map[string]*downstream.User
	serial int

	creates     int
	deletes     int
	lastPatch   *scim.PatchOp
	failDeletes bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: make(map[string]*downstream.User)}
}

func (f *fakeAPI) CreateUser(_ context.Context, user *downstream.User) (*downstream.User, error) {
	f.creates++
	f.serial++
	created := *user
	created.ID = fmt.Sprintf("ds-%d", f.serial)
	f.users[created.ID] = &created
	copied := created
	return &copied, nil
}

func (f *fakeAPI) GetUser(_ context.Context, downstreamID string) (*downstream.User, error) {
	u, ok := f.users[downstreamID]
	if !ok {
		return nil, &downstream.Error{Status: http.StatusNotFound, Detail: "Resource not found"}
	}
	copied := *u
	return &copied, nil
}

func (f *fakeAPI) ReplaceUser(_ context.Context, downstreamID string, user *downstream.User) (*downstream.User, error) {
	if _, ok := f.users[downstreamID]; !ok {
		return nil, &downstream.Error{Status: http.StatusNotFound, Detail: "Resource not found"}
	}
	replaced := *user
	replaced.ID = downstreamID
	f.users[downstreamID] = &replaced
	copied := replaced
	return &copied, nil
}

func (f *fakeAPI) PatchUser(_ context.Context, downstreamID string, patch *scim.PatchOp) error {
	u, ok := f.users[downstreamID]
	if !ok {
		return &downstream.Error{Status: http.StatusNotFound, Detail: "Resource not found"}
	}
	f.lastPatch = patch

	for _, op := range patch.Operations {
		switch op.Path {
		case downstream.ExtensionSchema:
			if ext, ok := op.Value.(*downstream.Extension); ok {
				u.Extension = ext
			}
		case "active":
			if b, ok := op.Value.(bool); ok {
				u.Active = &b
			}
		case "userName":
			if s, ok := op.Value.(string); ok {
				u.UserName = s
			}
		}
	}
	return nil
}

func (f *fakeAPI) DeleteUser(_ context.Context, downstreamID string) error {
	f.deletes++
	if f.failDeletes {
		return &downstream.Error{Status: http.StatusServiceUnavailable, Detail: "maintenance"}
	}
	if _, ok := f.users[downstreamID]; !ok {
		return &downstream.Error{Status: http.StatusNotFound, Detail: "Resource not found"}
	}
	delete(f.users, downstreamID)
	return nil
}

func (f *fakeAPI) FindUserByUsername(_ context.Context, userName string) (*downstream.User, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.UserName, userName) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *fakeAPI, store.Store) {
	t.Helper()

	table, err := rolemap.New([]rolemap.Rule{
		{Role: "ld-developer", CustomRoles: []string{"developer"}},
		{Role: "ld-ops", CustomRoles: []string{"developer", "operator"}},
	}, rolemap.BaseRoleReader, false)
	if err != nil {
		t.Fatalf("failed to build role table: %v", err)
	}

	api := newFakeAPI()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	return NewService(st, api, table, "http://localhost:8880", nil), api, st
}

func upstreamUser(userName, externalID string, roles ...string) *scim.User {
	u := &scim.User{
		Schemas:    []string{scim.SchemaUser},
		UserName:   userName,
		ExternalID: externalID,
	}
	for _, r := range roles {
		u.Roles = append(u.Roles, scim.Role{Value: r})
	}
	return u
}

func TestCreateUser(t *testing.T) {
	t.Run("new downstream user", func(t *testing.T) {
		svc, api, _ := newTestService(t)

		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1", "ld-developer"))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		if api.creates != 1 {
			t.Errorf("downstream creates = %d, want 1", api.creates)
		}
		if created.ID == "" {
			t.Fatal("expected an internal id")
		}
		for id := range api.users {
			if created.ID == id {
				t.Error("downstream id leaked as the upstream resource id")
			}
		}
		if len(created.Roles) != 1 || created.Roles[0].Value != "developer" {
			t.Errorf("roles = %+v", created.Roles)
		}
	})

	t.Run("links existing downstream user instead of duplicating", func(t *testing.T) {
		svc, api, st := newTestService(t)

		// Pre-existing downstream record with a stale role assignment
		api.users["ds-old"] = &downstream.User{
			ID:       "ds-old",
			UserName: "alice@example.com",
			Active:   scim.Bool(true),
			Extension: &downstream.Extension{
				Role: "no_access",
			},
		}

		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1", "ld-developer"))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		if api.creates != 0 {
			t.Errorf("downstream creates = %d, want 0 on link", api.creates)
		}
		if api.lastPatch == nil {
			t.Fatal("expected a role sync patch against the linked record")
		}
		if got := api.users["ds-old"].Extension; got == nil || len(got.CustomRole) != 1 || got.CustomRole[0] != "developer" {
			t.Errorf("linked record extension = %+v", got)
		}

		rec, err := st.FindByInternalID(context.Background(), created.ID)
		if err != nil || rec == nil {
			t.Fatalf("correlation record missing: %v", err)
		}
		if rec.DownstreamID != "ds-old" {
			t.Errorf("correlated downstream id = %q, want ds-old", rec.DownstreamID)
		}
	})

	t.Run("already correlated username is a conflict", func(t *testing.T) {
		svc, api, st := newTestService(t)

		first, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", ""))
		if err != nil {
			t.Fatalf("first create failed: %v", err)
		}

		_, err = svc.CreateUser(context.Background(), upstreamUser("alice@example.com", ""))
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusConflict {
			t.Fatalf("expected 409 for an already provisioned username, got %v", err)
		}

		// Exactly one correlation record remains, still pointing at the
		// one downstream record.
		records, err := st.List(context.Background())
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("correlation records = %d, want 1", len(records))
		}
		if records[0].InternalID != first.ID {
			t.Errorf("surviving record = %q, want %q", records[0].InternalID, first.ID)
		}

		// Deleting through the surviving id removes both sides cleanly.
		if err := svc.DeleteUser(context.Background(), first.ID); err != nil {
			t.Fatalf("DeleteUser failed: %v", err)
		}
		if api.deletes != 1 {
			t.Errorf("downstream deletes = %d, want 1", api.deletes)
		}
		records, _ = st.List(context.Background())
		if len(records) != 0 {
			t.Errorf("correlation records after delete = %d, want 0", len(records))
		}
	})

	t.Run("duplicate external id is a conflict", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		if _, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1")); err != nil {
			t.Fatalf("first create failed: %v", err)
		}

		_, err := svc.CreateUser(context.Background(), upstreamUser("alice2@example.com", "ext-1"))
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusConflict {
			t.Fatalf("expected 409, got %v", err)
		}
		if serr.ScimType != scim.ScimTypeUniqueness {
			t.Errorf("scimType = %q", serr.ScimType)
		}
	})

	t.Run("unmatched roles fall back to default base role", func(t *testing.T) {
		svc, api, _ := newTestService(t)

		if _, err := svc.CreateUser(context.Background(), upstreamUser("bob@example.com", "", "unmapped-role")); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		var du *downstream.User
		for _, u := range api.users {
			du = u
		}
		if du.Extension.Role != "reader" {
			t.Errorf("base role = %q, want reader", du.Extension.Role)
		}
		if len(du.Extension.CustomRole) != 0 {
			t.Errorf("customRole = %v, want empty", du.Extension.CustomRole)
		}
	})
}

func TestGetUser(t *testing.T) {
	svc, api, _ := newTestService(t)

	created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1", "ld-developer"))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	t.Run("found", func(t *testing.T) {
		user, err := svc.GetUser(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if user.UserName != "alice@example.com" || user.ID != created.ID {
			t.Errorf("user = %+v", user)
		}
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		_, err := svc.GetUser(context.Background(), "missing")
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusNotFound {
			t.Fatalf("expected 404, got %v", err)
		}
	})

	t.Run("downstream record deleted out-of-band is 404", func(t *testing.T) {
		for id := range api.users {
			delete(api.users, id)
		}
		_, err := svc.GetUser(context.Background(), created.ID)
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusNotFound {
			t.Fatalf("expected 404 for stale correlation, got %v", err)
		}
	})
}

func TestGetUsers(t *testing.T) {
	newPopulated := func(t *testing.T) (*Service, *fakeAPI, map[string]string) {
		svc, api, _ := newTestService(t)
		ids := make(map[string]string)
		for _, name := range []string{"alice@example.com", "bob@example.com", "carol@example.com"} {
			created, err := svc.CreateUser(context.Background(), upstreamUser(name, ""))
			if err != nil {
				t.Fatalf("seed create %s failed: %v", name, err)
			}
			ids[name] = created.ID
		}
		return svc, api, ids
	}

	t.Run("unfiltered list", func(t *testing.T) {
		svc, _, _ := newPopulated(t)

		resp, err := svc.GetUsers(context.Background(), scim.QueryParams{StartIndex: 1, Count: 100})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if resp.TotalResults != 3 || len(resp.Resources) != 3 {
			t.Errorf("totalResults = %d, resources = %d", resp.TotalResults, len(resp.Resources))
		}
	})

	t.Run("username filter", func(t *testing.T) {
		svc, _, ids := newPopulated(t)

		resp, err := svc.GetUsers(context.Background(), scim.QueryParams{
			Filter:     `userName eq "bob@example.com"`,
			StartIndex: 1,
			Count:      100,
		})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if resp.TotalResults != 1 || len(resp.Resources) != 1 {
			t.Fatalf("totalResults = %d, resources = %d", resp.TotalResults, len(resp.Resources))
		}
		if resp.Resources[0].ID != ids["bob@example.com"] {
			t.Errorf("id = %q", resp.Resources[0].ID)
		}
	})

	t.Run("unrecognized filter matches nothing", func(t *testing.T) {
		svc, _, _ := newPopulated(t)

		resp, err := svc.GetUsers(context.Background(), scim.QueryParams{
			Filter:     `emails co "example"`,
			StartIndex: 1,
			Count:      100,
		})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if resp.TotalResults != 0 || len(resp.Resources) != 0 {
			t.Errorf("unsupported filter should match nothing, got %d", resp.TotalResults)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		svc, _, _ := newPopulated(t)

		resp, err := svc.GetUsers(context.Background(), scim.QueryParams{StartIndex: 2, Count: 1})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if resp.TotalResults != 3 {
			t.Errorf("totalResults = %d, want 3 regardless of page size", resp.TotalResults)
		}
		if len(resp.Resources) != 1 {
			t.Errorf("page size = %d, want 1", len(resp.Resources))
		}
		if resp.StartIndex != 2 {
			t.Errorf("startIndex = %d", resp.StartIndex)
		}

		// Past the end
		resp, err = svc.GetUsers(context.Background(), scim.QueryParams{StartIndex: 10, Count: 5})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if len(resp.Resources) != 0 {
			t.Errorf("expected empty page past the end, got %d", len(resp.Resources))
		}
	})

	t.Run("vanished downstream record dropped from page", func(t *testing.T) {
		svc, api, ids := newPopulated(t)

		// Remove bob downstream without touching the correlation store
		for id, u := range api.users {
			if u.UserName == "bob@example.com" {
				delete(api.users, id)
			}
		}

		resp, err := svc.GetUsers(context.Background(), scim.QueryParams{StartIndex: 1, Count: 100})
		if err != nil {
			t.Fatalf("GetUsers failed: %v", err)
		}
		if len(resp.Resources) != 2 {
			t.Fatalf("resources = %d, want 2 after one record vanished", len(resp.Resources))
		}
		for _, u := range resp.Resources {
			if u.ID == ids["bob@example.com"] {
				t.Error("vanished record still present in the page")
			}
		}
	})
}

func TestReplaceUser(t *testing.T) {
	svc, api, st := newTestService(t)

	created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1", "ld-developer"))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	replaced, err := svc.ReplaceUser(context.Background(), created.ID, upstreamUser("alice.doe@example.com", "ext-1", "ld-ops"))
	if err != nil {
		t.Fatalf("ReplaceUser failed: %v", err)
	}

	if replaced.UserName != "alice.doe@example.com" {
		t.Errorf("userName = %q", replaced.UserName)
	}
	if len(replaced.Roles) != 2 {
		t.Errorf("roles = %+v", replaced.Roles)
	}

	// The username change is reflected into the correlation cache
	rec, err := st.FindByInternalID(context.Background(), created.ID)
	if err != nil || rec == nil {
		t.Fatalf("correlation record missing: %v", err)
	}
	if rec.DownstreamUserName != "alice.doe@example.com" {
		t.Errorf("cached username = %q", rec.DownstreamUserName)
	}

	// And the downstream record carries the new role set
	du := api.users[rec.DownstreamID]
	if du == nil || len(du.Extension.CustomRole) != 2 {
		t.Errorf("downstream extension = %+v", du)
	}

	t.Run("unknown id is 404", func(t *testing.T) {
		_, err := svc.ReplaceUser(context.Background(), "missing", upstreamUser("x@example.com", ""))
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusNotFound {
			t.Fatalf("expected 404, got %v", err)
		}
	})
}

func TestPatchUser(t *testing.T) {
	seed := func(t *testing.T) (*Service, *fakeAPI, string) {
		svc, api, _ := newTestService(t)
		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", "ext-1", "ld-developer"))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		return svc, api, created.ID
	}

	t.Run("roles path rewritten to extension replace", func(t *testing.T) {
		svc, api, id := seed(t)

		patched, err := svc.PatchUser(context.Background(), id, &scim.PatchOp{
			Schemas: []string{scim.SchemaPatchOp},
			Operations: []scim.PatchOperation{
				{Op: "replace", Path: "roles", Value: []any{map[string]any{"value": "ld-ops"}}},
			},
		})
		if err != nil {
			t.Fatalf("PatchUser failed: %v", err)
		}

		if len(api.lastPatch.Operations) != 1 {
			t.Fatalf("forwarded operations = %+v", api.lastPatch.Operations)
		}
		fwd := api.lastPatch.Operations[0]
		if fwd.Op != "replace" || fwd.Path != downstream.ExtensionSchema {
			t.Errorf("forwarded op = %+v", fwd)
		}
		ext, ok := fwd.Value.(*downstream.Extension)
		if !ok || len(ext.CustomRole) != 2 {
			t.Errorf("forwarded value = %+v", fwd.Value)
		}

		if len(patched.Roles) != 2 {
			t.Errorf("patched roles = %+v", patched.Roles)
		}
	})

	t.Run("clearing roles sets default base role", func(t *testing.T) {
		svc, api, id := seed(t)

		if _, err := svc.PatchUser(context.Background(), id, &scim.PatchOp{
			Schemas: []string{scim.SchemaPatchOp},
			Operations: []scim.PatchOperation{
				{Op: "replace", Path: "roles", Value: []any{}},
			},
		}); err != nil {
			t.Fatalf("PatchUser failed: %v", err)
		}

		ext := api.lastPatch.Operations[0].Value.(*downstream.Extension)
		if ext.Role != "reader" || len(ext.CustomRole) != 0 {
			t.Errorf("extension = %+v", ext)
		}
	})

	t.Run("active string value normalized", func(t *testing.T) {
		svc, api, id := seed(t)

		patched, err := svc.PatchUser(context.Background(), id, &scim.PatchOp{
			Schemas: []string{scim.SchemaPatchOp},
			Operations: []scim.PatchOperation{
				{Op: "replace", Path: "active", Value: "False"},
			},
		})
		if err != nil {
			t.Fatalf("PatchUser failed: %v", err)
		}

		if v, ok := api.lastPatch.Operations[0].Value.(bool); !ok || v {
			t.Errorf("forwarded active = %v (%T)", api.lastPatch.Operations[0].Value, api.lastPatch.Operations[0].Value)
		}
		if patched.Active == nil || *patched.Active {
			t.Errorf("patched active = %v", patched.Active)
		}
	})

	t.Run("other paths pass through", func(t *testing.T) {
		svc, api, id := seed(t)

		if _, err := svc.PatchUser(context.Background(), id, &scim.PatchOp{
			Schemas: []string{scim.SchemaPatchOp},
			Operations: []scim.PatchOperation{
				{Op: "replace", Path: "userName", Value: "alice.doe@example.com"},
			},
		}); err != nil {
			t.Fatalf("PatchUser failed: %v", err)
		}

		fwd := api.lastPatch.Operations[0]
		if fwd.Path != "userName" || fwd.Value != "alice.doe@example.com" {
			t.Errorf("forwarded op = %+v", fwd)
		}
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		svc, _, _ := seed(t)

		_, err := svc.PatchUser(context.Background(), "missing", &scim.PatchOp{
			Operations: []scim.PatchOperation{{Op: "replace", Path: "active", Value: true}},
		})
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusNotFound {
			t.Fatalf("expected 404, got %v", err)
		}
	})
}

func TestDeleteUser(t *testing.T) {
	t.Run("delete removes downstream record and correlation", func(t *testing.T) {
		svc, api, st := newTestService(t)
		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", ""))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		if err := svc.DeleteUser(context.Background(), created.ID); err != nil {
			t.Fatalf("DeleteUser failed: %v", err)
		}

		if len(api.users) != 0 {
			t.Errorf("downstream users remaining: %d", len(api.users))
		}
		rec, _ := st.FindByInternalID(context.Background(), created.ID)
		if rec != nil {
			t.Error("correlation record not removed")
		}
	})

	t.Run("delete of unknown id is idempotent and makes no outbound call", func(t *testing.T) {
		svc, api, _ := newTestService(t)

		if err := svc.DeleteUser(context.Background(), "missing"); err != nil {
			t.Fatalf("DeleteUser should succeed for unknown id: %v", err)
		}
		if api.deletes != 0 {
			t.Errorf("outbound deletes = %d, want 0", api.deletes)
		}
	})

	t.Run("downstream 404 still removes the correlation", func(t *testing.T) {
		svc, api, st := newTestService(t)
		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", ""))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		for id := range api.users {
			delete(api.users, id)
		}

		if err := svc.DeleteUser(context.Background(), created.ID); err != nil {
			t.Fatalf("DeleteUser failed: %v", err)
		}
		rec, _ := st.FindByInternalID(context.Background(), created.ID)
		if rec != nil {
			t.Error("correlation record should be removed when downstream is already gone")
		}
	})

	t.Run("downstream failure keeps the correlation for retry", func(t *testing.T) {
		svc, api, st := newTestService(t)
		created, err := svc.CreateUser(context.Background(), upstreamUser("alice@example.com", ""))
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		api.failDeletes = true
		err = svc.DeleteUser(context.Background(), created.ID)
		var serr *scim.SCIMError
		if !errors.As(err, &serr) || serr.Status != http.StatusBadGateway {
			t.Fatalf("expected 502, got %v", err)
		}

		rec, _ := st.FindByInternalID(context.Background(), created.ID)
		if rec == nil {
			t.Fatal("correlation record must survive a failed downstream delete")
		}

		// Retry after the outage succeeds
		api.failDeletes = false
		if err := svc.DeleteUser(context.Background(), created.ID); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		rec, _ = st.FindByInternalID(context.Background(), created.ID)
		if rec != nil {
			t.Error("correlation record not removed on retry")
		}
	})
}

func TestDownstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"conflict passes through", &downstream.Error{Status: http.StatusConflict, Detail: "exists"}, http.StatusConflict},
		{"too many requests passes through", &downstream.Error{Status: http.StatusTooManyRequests, Detail: "slow down"}, http.StatusTooManyRequests},
		{"server error becomes 502", &downstream.Error{Status: http.StatusInternalServerError, Detail: "boom"}, http.StatusBadGateway},
		{"transport error becomes 502", errors.New("connection refused"), http.StatusBadGateway},
	}

	svc, _, _ := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.downstreamError("test", "id", tt.err)
			var serr *scim.SCIMError
			if !errors.As(err, &serr) {
				t.Fatalf("expected SCIMError, got %v", err)
			}
			if serr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", serr.Status, tt.wantStatus)
			}
		})
	}
}
