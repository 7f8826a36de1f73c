package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// GetEntity retrieves the persisted state of an entity. A missing key wraps ErrNotFound.
func (s *SQLiteStore) GetEntity(ctx context.Context, key string) (*Entity, error) {
	entity := &Entity{}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, state, version, updated_at FROM entities WHERE key = ?`, key,
	).Scan(&entity.Key, &entity.State, &entity.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	entity.UpdatedAt = fromNanos(updatedAt)
	return entity, nil
}

// SaveEntity writes state if the stored version still equals expectedVersion
// (0 meaning the entity must not exist yet) and returns the new version.
// A mismatch returns ErrVersionConflict.
func (s *SQLiteStore) SaveEntity(ctx context.Context, key, state string, expectedVersion int64) (int64, error) {
	now := time.Now().UTC().UnixNano()

	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO entities (key, state, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO NOTHING
		`, key, state, now)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE entities
			SET state = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?
		`, state, now, key, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("entity %s at version %d: %w", key, expectedVersion, ErrVersionConflict)
	}
	return expectedVersion + 1, nil
}

// DeleteEntity removes an entity. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

// AddExclusion stores an excluded subject. The subject is trimmed.
func (s *SQLiteStore) AddExclusion(ctx context.Context, ex *Exclusion) error {
	ex.Subject = strings.TrimSpace(ex.Subject)
	if ex.Subject == "" {
		return fmt.Errorf("exclusion subject is required")
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exclusions (id, subject, created_at) VALUES (?, ?, ?)`,
		ex.ID, ex.Subject, ex.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add exclusion: %w", err)
	}
	return nil
}

// ListExclusions lists all exclusions, oldest first.
func (s *SQLiteStore) ListExclusions(ctx context.Context) ([]*Exclusion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subject, created_at FROM exclusions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	defer rows.Close()

	exclusions := []*Exclusion{}
	for rows.Next() {
		ex := &Exclusion{}
		var createdAt int64
		if err := rows.Scan(&ex.ID, &ex.Subject, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %w", err)
		}
		ex.CreatedAt = fromNanos(createdAt)
		exclusions = append(exclusions, ex)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exclusions: %w", err)
	}
	return exclusions, nil
}

// DeleteExclusion removes an exclusion by ID
func (s *SQLiteStore) DeleteExclusion(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM exclusions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete exclusion: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("exclusion %s: %w", id, ErrNotFound)
	}
	return nil
}
