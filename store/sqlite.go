package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable correlation store. Uniqueness of internal and
// external ids is enforced by the table constraints, not application logic.
type SQLiteStore struct {
	db *sqlx.DB
}

// correlationRow is the database representation of a Record
type correlationRow struct {
	InternalID         string         `db:"internal_id"`
	ExternalID         sql.NullString `db:"external_id"`
	DownstreamID       string         `db:"downstream_id"`
	DownstreamUserName string         `db:"downstream_username"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *correlationRow) toRecord() *Record {
	return &Record{
		InternalID:         r.InternalID,
		ExternalID:         r.ExternalID.String,
		DownstreamID:       r.DownstreamID,
		DownstreamUserName: r.DownstreamUserName,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// NewSQLiteStore opens (creating if necessary) the correlation database at
// the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the correlation table if it doesn't exist
func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS correlations (
			internal_id TEXT PRIMARY KEY,
			external_id TEXT,
			downstream_id TEXT NOT NULL,
			downstream_username TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_external_id
			ON correlations(external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_downstream_id ON correlations(downstream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_username ON correlations(downstream_username)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new correlation record. A duplicate internal or external
// id surfaces as *ConflictError from the unique constraints.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) (*Record, error) {
	now := time.Now().UTC()

	row := correlationRow{
		InternalID:         rec.InternalID,
		ExternalID:         toNullString(rec.ExternalID),
		DownstreamID:       rec.DownstreamID,
		DownstreamUserName: rec.DownstreamUserName,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO correlations (internal_id, external_id, downstream_id, downstream_username, created_at, updated_at)
		VALUES (:internal_id, :external_id, :downstream_id, :downstream_username, :created_at, :updated_at)`,
		&row)
	if err != nil {
		if isUniqueViolation(err) {
			if rec.ExternalID != "" {
				return nil, &ConflictError{Field: "externalId", Value: rec.ExternalID}
			}
			return nil, &ConflictError{Field: "internalId", Value: rec.InternalID}
		}
		return nil, fmt.Errorf("failed to insert correlation record: %w", err)
	}

	return row.toRecord(), nil
}

// FindByInternalID looks up a record by internal id
func (s *SQLiteStore) FindByInternalID(ctx context.Context, id string) (*Record, error) {
	return s.findBy(ctx, "internal_id", id)
}

// FindByExternalID looks up a record by the upstream external id
func (s *SQLiteStore) FindByExternalID(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}
	return s.findBy(ctx, "external_id", id)
}

// FindByDownstreamID looks up a record by the downstream identifier
func (s *SQLiteStore) FindByDownstreamID(ctx context.Context, id string) (*Record, error) {
	return s.findBy(ctx, "downstream_id", id)
}

func (s *SQLiteStore) findBy(ctx context.Context, column, value string) (*Record, error) {
	var row correlationRow
	query := fmt.Sprintf(`
		SELECT internal_id, external_id, downstream_id, downstream_username, created_at, updated_at
		FROM correlations WHERE %s = ?`, column)

	err := s.db.GetContext(ctx, &row, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation record: %w", err)
	}

	return row.toRecord(), nil
}

// Update mutates the given fields of a record. Returns ErrNotFound when no
// record has the internal id.
func (s *SQLiteStore) Update(ctx context.Context, internalID string, fields Fields) (*Record, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if fields.DownstreamID != nil {
		sets = append(sets, "downstream_id = ?")
		args = append(args, *fields.DownstreamID)
	}
	if fields.DownstreamUserName != nil {
		sets = append(sets, "downstream_username = ?")
		args = append(args, *fields.DownstreamUserName)
	}
	args = append(args, internalID)

	query := fmt.Sprintf("UPDATE correlations SET %s WHERE internal_id = ?", strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update correlation record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.FindByInternalID(ctx, internalID)
}

// Delete removes a record, reporting whether one existed
func (s *SQLiteStore) Delete(ctx context.Context, internalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM correlations WHERE internal_id = ?", internalID)
	if err != nil {
		return false, fmt.Errorf("failed to delete correlation record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}

	return affected > 0, nil
}

// List returns all records, most recently created first
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	var rows []correlationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT internal_id, external_id, downstream_id, downstream_username, created_at, updated_at
		FROM correlations ORDER BY created_at DESC, internal_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlation records: %w", err)
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation detects a unique constraint failure from the sqlite
// driver, which reports constraint errors via the error message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
