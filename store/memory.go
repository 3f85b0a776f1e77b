package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory correlation store with the same semantics as
// the SQLite store. Correlations do not survive a restart, so it is suited
// to tests and ephemeral deployments only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Create inserts a new record, enforcing internal and external id
// uniqueness under the store lock.
func (m *MemoryStore) Create(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.InternalID]; exists {
		return nil, &ConflictError{Field: "internalId", Value: rec.InternalID}
	}
	if rec.ExternalID != "" {
		for _, existing := range m.records {
			if existing.ExternalID == rec.ExternalID {
				return nil, &ConflictError{Field: "externalId", Value: rec.ExternalID}
			}
		}
	}

	now := time.Now().UTC()
	stored := &Record{
		InternalID:         rec.InternalID,
		ExternalID:         rec.ExternalID,
		DownstreamID:       rec.DownstreamID,
		DownstreamUserName: rec.DownstreamUserName,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.records[rec.InternalID] = stored

	copied := *stored
	return &copied, nil
}

// FindByInternalID looks up a record by internal id
func (m *MemoryStore) FindByInternalID(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// FindByExternalID looks up a record by the upstream external id
func (m *MemoryStore) FindByExternalID(_ context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.ExternalID == id {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

// FindByDownstreamID looks up a record by the downstream identifier
func (m *MemoryStore) FindByDownstreamID(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.DownstreamID == id {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

// Update mutates the given fields of a record
func (m *MemoryStore) Update(_ context.Context, internalID string, fields Fields) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[internalID]
	if !ok {
		return nil, ErrNotFound
	}

	if fields.DownstreamID != nil {
		rec.DownstreamID = *fields.DownstreamID
	}
	if fields.DownstreamUserName != nil {
		rec.DownstreamUserName = *fields.DownstreamUserName
	}
	rec.UpdatedAt = time.Now().UTC()

	copied := *rec
	return &copied, nil
}

// Delete removes a record, reporting whether one existed
func (m *MemoryStore) Delete(_ context.Context, internalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[internalID]; !ok {
		return false, nil
	}
	delete(m.records, internalID)
	return true, nil
}

// List returns all records, most recently created first
func (m *MemoryStore) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		copied := *rec
		records = append(records, &copied)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].InternalID > records[j].InternalID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	return records, nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error {
	return nil
}
