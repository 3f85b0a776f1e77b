// Package provision orchestrates inbound SCIM operations: it correlates
// identities, translates attributes, and drives the downstream client.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcelom97/scimbridge/downstream"
	"github.com/marcelom97/scimbridge/rolemap"
	"github.com/marcelom97/scimbridge/scim"
	"github.com/marcelom97/scimbridge/store"
	"github.com/marcelom97/scimbridge/translate"
)

// listFanOutLimit bounds how many downstream fetches a list operation runs
// concurrently.
const listFanOutLimit = 8

// DownstreamAPI is the slice of the downstream client the orchestrator uses
type DownstreamAPI interface {
	CreateUser(ctx context.Context, user *downstream.User) (*downstream.User, error)
	GetUser(ctx context.Context, downstreamID string) (*downstream.User, error)
	ReplaceUser(ctx context.Context, downstreamID string, user *downstream.User) (*downstream.User, error)
	PatchUser(ctx context.Context, downstreamID string, patch *scim.PatchOp) error
	DeleteUser(ctx context.Context, downstreamID string) error
	FindUserByUsername(ctx context.Context, userName string) (*downstream.User, error)
}

// Service implements scim.UserProvisioner against the downstream API with
// the correlation store as the source of truth for identity mapping.
type Service struct {
	store   store.Store
	client  DownstreamAPI
	table   *rolemap.Table
	baseURL string
	logger  *slog.Logger
}

// NewService creates the orchestrator. baseURL is the upstream-facing
// resource base used for meta.location values. logger may be nil.
func NewService(st store.Store, client DownstreamAPI, table *rolemap.Table, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:   st,
		client:  client,
		table:   table,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// CreateUser provisions a user. A duplicate externalId is a conflict. When a
// downstream record with the same username already exists, the bridge links
// to it instead of creating a second one, and pushes a role sync so the
// existing record reflects the upstream role assignment.
func (s *Service) CreateUser(ctx context.Context, user *scim.User) (*scim.User, error) {
	if user.ExternalID != "" {
		existing, err := s.store.FindByExternalID(ctx, user.ExternalID)
		if err != nil {
			return nil, s.storageError("create", err)
		}
		if existing != nil {
			return nil, scim.ErrUniqueness(fmt.Sprintf("user with externalId %q already exists", user.ExternalID))
		}
	}

	du, unmatched, err := translate.ToDownstream(user, s.table)
	if err != nil {
		return nil, s.translationError(err)
	}
	s.logUnmatched("create", user.UserName, unmatched)

	linked, err := s.client.FindUserByUsername(ctx, user.UserName)
	if err != nil {
		return nil, s.downstreamError("create", user.UserName, err)
	}

	var provisioned *downstream.User
	if linked != nil {
		// A downstream record that is already correlated must not be
		// linked a second time: one correlation per provisioned user.
		correlated, err := s.store.FindByDownstreamID(ctx, linked.ID)
		if err != nil {
			return nil, s.storageError("create", err)
		}
		if correlated != nil {
			return nil, scim.ErrUniqueness(fmt.Sprintf("user with userName %q is already provisioned", user.UserName))
		}

		// Pre-existing downstream record: adopt it and sync the role
		// assignment instead of creating a duplicate.
		patch := &scim.PatchOp{
			Schemas: []string{scim.SchemaPatchOp},
			Operations: []scim.PatchOperation{
				{Op: "replace", Path: downstream.ExtensionSchema, Value: du.Extension},
			},
		}
		if err := s.client.PatchUser(ctx, linked.ID, patch); err != nil {
			return nil, s.downstreamError("create", user.UserName, err)
		}
		linked.Extension = du.Extension
		provisioned = linked
		s.logger.Info("linked existing downstream user",
			"userName", user.UserName,
		)
	} else {
		provisioned, err = s.client.CreateUser(ctx, du)
		if err != nil {
			return nil, s.downstreamError("create", user.UserName, err)
		}
	}

	rec := &store.Record{
		InternalID:         uuid.New().String(),
		ExternalID:         user.ExternalID,
		DownstreamID:       provisioned.ID,
		DownstreamUserName: provisioned.UserName,
	}
	created, err := s.store.Create(ctx, rec)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			// Lost a race against a concurrent create for the same
			// external id; exactly one of them wins.
			return nil, scim.ErrUniqueness(conflict.Error())
		}
		return nil, s.storageError("create", err)
	}

	s.logger.Info("provisioned user",
		"internalId", created.InternalID,
		"userName", created.DownstreamUserName,
	)

	return translate.ToUpstream(provisioned, created.InternalID, s.baseURL), nil
}

// GetUser reads a user by its upstream-visible internal id
func (s *Service) GetUser(ctx context.Context, id string) (*scim.User, error) {
	rec, err := s.store.FindByInternalID(ctx, id)
	if err != nil {
		return nil, s.storageError("read", err)
	}
	if rec == nil {
		return nil, scim.ErrNotFound("User", id)
	}

	du, err := s.client.GetUser(ctx, rec.DownstreamID)
	if err != nil {
		if downstream.IsStatus(err, http.StatusNotFound) {
			// Deleted out-of-band downstream; the correlation is stale.
			return nil, scim.ErrNotFound("User", id)
		}
		return nil, s.downstreamError("read", id, err)
	}

	return translate.ToUpstream(du, rec.InternalID, s.baseURL), nil
}

// GetUsers lists users from the correlation store, optionally filtered by
// the userName equality predicate against the cached downstream username,
// and pages by 1-based start index. The matching downstream records are
// fetched concurrently; a record whose downstream counterpart has vanished
// is dropped from the page rather than failing it.
func (s *Service) GetUsers(ctx context.Context, params scim.QueryParams) (*scim.ListResponse[*scim.User], error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, s.storageError("list", err)
	}

	filter := scim.ParseUserNameFilter(params.Filter)
	matched := make([]*store.Record, 0, len(records))
	for _, rec := range records {
		if filter.Matches(rec.DownstreamUserName) {
			matched = append(matched, rec)
		}
	}

	total := len(matched)
	page := paginate(matched, params.StartIndex, params.Count)

	type indexed struct {
		pos  int
		user *scim.User
	}

	var (
		mu      sync.Mutex
		results []indexed
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listFanOutLimit)
	for i, rec := range page {
		g.Go(func() error {
			du, err := s.client.GetUser(gctx, rec.DownstreamID)
			if err != nil {
				// An individual fetch failure is isolated to this one
				// resource.
				if !downstream.IsStatus(err, http.StatusNotFound) {
					s.logger.Warn("dropping user from list response",
						"internalId", rec.InternalID,
						"error", err,
					)
				}
				return nil
			}
			mu.Lock()
			results = append(results, indexed{pos: i, user: translate.ToUpstream(du, rec.InternalID, s.baseURL)})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].pos < results[j].pos })
	users := make([]*scim.User, 0, len(results))
	for _, r := range results {
		users = append(users, r.user)
	}

	return &scim.ListResponse[*scim.User]{
		Schemas:      []string{scim.SchemaListResponse},
		TotalResults: total,
		StartIndex:   params.StartIndex,
		ItemsPerPage: len(users),
		Resources:    users,
	}, nil
}

// ReplaceUser replaces the full downstream representation of a user. A
// downstream username change is reflected into the correlation cache;
// externalId is immutable after create and changes to it are not
// correlated.
func (s *Service) ReplaceUser(ctx context.Context, id string, user *scim.User) (*scim.User, error) {
	rec, err := s.store.FindByInternalID(ctx, id)
	if err != nil {
		return nil, s.storageError("replace", err)
	}
	if rec == nil {
		return nil, scim.ErrNotFound("User", id)
	}

	du, unmatched, err := translate.ToDownstream(user, s.table)
	if err != nil {
		return nil, s.translationError(err)
	}
	s.logUnmatched("replace", user.UserName, unmatched)

	replaced, err := s.client.ReplaceUser(ctx, rec.DownstreamID, du)
	if err != nil {
		return nil, s.downstreamError("replace", id, err)
	}

	if err := s.syncUserName(ctx, rec, replaced.UserName); err != nil {
		return nil, err
	}

	return translate.ToUpstream(replaced, rec.InternalID, s.baseURL), nil
}

// PatchUser forwards patch operations downstream. Operations targeting the
// roles path are rewritten into a replace of the downstream extension;
// operations on active normalize their value to a boolean; everything else
// passes through unchanged.
func (s *Service) PatchUser(ctx context.Context, id string, patch *scim.PatchOp) (*scim.User, error) {
	rec, err := s.store.FindByInternalID(ctx, id)
	if err != nil {
		return nil, s.storageError("patch", err)
	}
	if rec == nil {
		return nil, scim.ErrNotFound("User", id)
	}

	rewritten := &scim.PatchOp{
		Schemas:    []string{scim.SchemaPatchOp},
		Operations: make([]scim.PatchOperation, 0, len(patch.Operations)),
	}
	for _, op := range patch.Operations {
		switch strings.ToLower(strings.TrimSpace(op.Path)) {
		case "roles":
			ext, unmatched, err := translate.DeriveRoleUpdate(op.Value, s.table)
			if err != nil {
				return nil, s.translationError(err)
			}
			s.logUnmatched("patch", rec.DownstreamUserName, unmatched)
			rewritten.Operations = append(rewritten.Operations, scim.PatchOperation{
				Op:    "replace",
				Path:  downstream.ExtensionSchema,
				Value: ext,
			})
		case "active":
			rewritten.Operations = append(rewritten.Operations, scim.PatchOperation{
				Op:    op.Op,
				Path:  "active",
				Value: normalizeBool(op.Value),
			})
		default:
			rewritten.Operations = append(rewritten.Operations, op)
		}
	}

	if err := s.client.PatchUser(ctx, rec.DownstreamID, rewritten); err != nil {
		if downstream.IsStatus(err, http.StatusNotFound) {
			return nil, scim.ErrNotFound("User", id)
		}
		return nil, s.downstreamError("patch", id, err)
	}

	du, err := s.client.GetUser(ctx, rec.DownstreamID)
	if err != nil {
		return nil, s.downstreamError("patch", id, err)
	}

	if err := s.syncUserName(ctx, rec, du.UserName); err != nil {
		return nil, err
	}

	return translate.ToUpstream(du, rec.InternalID, s.baseURL), nil
}

// DeleteUser deprovisions a user. No correlation means already deleted,
// which is a success. The correlation record is removed only after the
// downstream delete succeeds or the record is confirmed absent, so a failed
// downstream delete can be retried later.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	rec, err := s.store.FindByInternalID(ctx, id)
	if err != nil {
		return s.storageError("delete", err)
	}
	if rec == nil {
		return nil
	}

	if err := s.client.DeleteUser(ctx, rec.DownstreamID); err != nil {
		if !downstream.IsStatus(err, http.StatusNotFound) {
			return s.downstreamError("delete", id, err)
		}
		// Already gone downstream; proceed with the correlation removal.
	}

	if _, err := s.store.Delete(ctx, rec.InternalID); err != nil {
		return s.storageError("delete", err)
	}

	s.logger.Info("deprovisioned user",
		"internalId", rec.InternalID,
		"userName", rec.DownstreamUserName,
	)
	return nil
}

// syncUserName refreshes the cached downstream username after an observed
// change.
func (s *Service) syncUserName(ctx context.Context, rec *store.Record, userName string) error {
	if userName == "" || userName == rec.DownstreamUserName {
		return nil
	}
	if _, err := s.store.Update(ctx, rec.InternalID, store.Fields{DownstreamUserName: &userName}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Record deleted concurrently; the response is still valid.
			return nil
		}
		return s.storageError("update", err)
	}
	rec.DownstreamUserName = userName
	return nil
}

func (s *Service) logUnmatched(op, userName string, unmatched []string) {
	for _, v := range unmatched {
		s.logger.Warn("ignoring upstream role with no mapping rule",
			"operation", op,
			"userName", userName,
			"role", v,
		)
	}
}

// translationError maps translator failures to SCIM errors
func (s *Service) translationError(err error) error {
	var verr *translate.ValidationError
	if errors.As(err, &verr) {
		return scim.ErrInvalidValue(verr.Detail)
	}
	return scim.ErrInternalServer(err.Error())
}

// storageError wraps a correlation store failure. Storage failures are
// always fatal to the request: correlation integrity is the bridge's core
// guarantee.
func (s *Service) storageError(op string, err error) error {
	s.logger.Error("correlation store failure",
		"operation", op,
		"error", err,
	)
	return scim.ErrInternalServer("correlation store failure")
}

// downstreamError maps a downstream failure to the upstream response. The
// downstream's own status passes through where it is meaningful to the
// upstream protocol; everything else, including token acquisition failures,
// normalizes to 502.
func (s *Service) downstreamError(op, id string, err error) error {
	var derr *downstream.Error
	if errors.As(err, &derr) {
		s.logger.Error("downstream request failed",
			"operation", op,
			"id", id,
			"status", derr.Status,
		)
		switch derr.Status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusConflict, http.StatusPreconditionFailed,
			http.StatusTooManyRequests:
			return scim.NewSCIMError(derr.Status, derr.Detail, "")
		default:
			return scim.ErrBadGateway(derr.Detail)
		}
	}

	s.logger.Error("downstream call failed",
		"operation", op,
		"id", id,
		"error", err,
	)
	return scim.ErrBadGateway(err.Error())
}

// paginate slices records by 1-based start index and count
func paginate(records []*store.Record, startIndex, count int) []*store.Record {
	if startIndex < 1 {
		startIndex = 1
	}
	offset := startIndex - 1
	if offset >= len(records) {
		return nil
	}
	end := offset + count
	if count < 1 || end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

// normalizeBool coerces the loosely-typed active patch value into a real
// boolean; Azure AD is known to send "True"/"False" strings.
func normalizeBool(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return value
	}
}
