package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/blackmichael/bluesky-tagstore/internal/domain"
)

// GetSubStateCursor retrieves the saved stream cursor for a service.
// Returns 0 if no cursor has been saved.
func (s *Store) GetSubStateCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor FROM sub_state WHERE service = ?", service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor for %s: %w", service, err)
	}
	return cursor, nil
}

// UpdateSubStateCursor upserts the stream cursor for a service. The store
// does not enforce monotonicity; that is the caller's job.
func (s *Store) UpdateSubStateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_state (service, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", service, err)
	}
	return nil
}

// GetCollection returns the JSON value stored under key.
func (s *Store) GetCollection(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM collections WHERE key = ?", key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", key, err)
	}
	return value, nil
}

// InsertOrReplaceRecord stores value under key, last write wins.
func (s *Store) InsertOrReplaceRecord(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (key, value)
		VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store collection %s: %w", key, err)
	}
	return nil
}

// identPattern is what table and column names must match before they are
// spliced into a query. They cannot be bound as parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// GetDistinctFromCollection returns the distinct non-NULL values of a
// column across a table.
func (s *Store) GetDistinctFromCollection(ctx context.Context, table, field string) ([]string, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if !identPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL", field, table, field)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query distinct %s from %s: %w", field, table, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct values: %w", err)
	}
	return values, nil
}

// AddListMembers inserts the identifiers into the member list, ignoring
// ones already present.
func (s *Store) AddListMembers(ctx context.Context, dids []string) error {
	if len(dids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO list_members (did) VALUES (?) ON CONFLICT (did) DO NOTHING")
		if err != nil {
			return fmt.Errorf("prepare member insert: %w", err)
		}
		defer stmt.Close()

		for _, did := range dids {
			if _, err := stmt.ExecContext(ctx, did); err != nil {
				return fmt.Errorf("add member %s: %w", did, err)
			}
		}
		return nil
	})
}

// GetListMembers returns all member identifiers.
func (s *Store) GetListMembers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT did FROM list_members ORDER BY did")
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return dids, nil
}

// DeleteListMembers removes the given identifiers from the member list.
func (s *Store) DeleteListMembers(ctx context.Context, dids []string) error {
	if len(dids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM list_members WHERE did IN ("+placeholders(len(dids))+")",
		stringArgs(dids)...,
	)
	if err != nil {
		return fmt.Errorf("delete members: %w", err)
	}
	return nil
}
