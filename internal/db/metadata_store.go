package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// GetMetadata returns the value stored under key. ok is false when absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError("get metadata "+key, err)
	}
	return value, true, nil
}

// SetMetadata stores value under key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO metadata (key, value, last_updated) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, last_updated = excluded.last_updated
	`
	if _, err := s.q.ExecContext(ctx, query, key, value, s.now().UnixMilli()); err != nil {
		return dbError("set metadata "+key, err)
	}
	return nil
}

// GetMetadataInt returns an integer value stored under key, or 0 when absent.
func (s *Store) GetMetadataInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.GetMetadata(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, dbError("parse metadata "+key, err)
	}
	return n, nil
}

// SetMetadataInt stores an integer value under key.
func (s *Store) SetMetadataInt(ctx context.Context, key string, value int64) error {
	return s.SetMetadata(ctx, key, strconv.FormatInt(value, 10))
}

// ClearMetadata removes every metadata entry.
func (s *Store) ClearMetadata(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM metadata`); err != nil {
		return dbError("clear metadata", err)
	}
	return nil
}
