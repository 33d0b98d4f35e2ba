package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
)

// =====================================================
// ConflictLog Operations
// =====================================================

const conflictColumns = `id, entity_kind, entity_id, local_timestamp, remote_timestamp, local_version, remote_payload, resolution, detected_at, resolved_at`

// InsertConflict records a detected conflict.
func (s *Store) InsertConflict(ctx context.Context, c *models.ConflictLog) error {
	if c.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "conflict id is required")
	}
	query := `INSERT INTO conflict_log (` + conflictColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query, c.ID, c.EntityKind, c.EntityID, c.LocalTimestamp, c.RemoteTimestamp,
		c.LocalVersion, nullablePayload(c.RemotePayload), c.Resolution, c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return dbError("insert conflict", err)
	}
	return nil
}

// ListConflicts returns every logged conflict, newest first.
func (s *Store) ListConflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	return s.queryConflicts(ctx, `SELECT `+conflictColumns+` FROM conflict_log ORDER BY detected_at DESC, id`)
}

// ListUnresolvedConflicts returns conflicts awaiting a manual decision, oldest first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE resolution = ? AND resolved_at = 0 ORDER BY detected_at, id`
	return s.queryConflicts(ctx, query, models.ResolutionManualRequired)
}

// GetOpenConflict returns the most recent unresolved conflict for an entity, or nil.
func (s *Store) GetOpenConflict(ctx context.Context, kind models.EntityKind, entityID string) (*models.ConflictLog, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log
	WHERE entity_kind = ? AND entity_id = ? AND resolution = ? AND resolved_at = 0
	ORDER BY detected_at DESC LIMIT 1`
	c, err := scanConflict(s.q.QueryRowContext(ctx, query, kind, entityID, models.ResolutionManualRequired))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get conflict", err)
	}
	return c, nil
}

// ResolveConflictLog marks a conflict resolved.
func (s *Store) ResolveConflictLog(ctx context.Context, id, resolution string, resolvedAt int64) error {
	res, err := s.q.ExecContext(ctx, `UPDATE conflict_log SET resolution = ?, resolved_at = ? WHERE id = ?`,
		resolution, resolvedAt, id)
	if err != nil {
		return dbError("resolve conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "conflict "+id+" not found")
	}
	return nil
}

// ClearConflicts removes every conflict log entry.
func (s *Store) ClearConflicts(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM conflict_log`); err != nil {
		return dbError("clear conflicts", err)
	}
	return nil
}

func (s *Store) queryConflicts(ctx context.Context, query string, args ...any) ([]*models.ConflictLog, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, dbError("scan conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list conflicts", err)
	}
	return out, nil
}

func scanConflict(row scanner) (*models.ConflictLog, error) {
	var c models.ConflictLog
	var payload sql.NullString
	err := row.Scan(&c.ID, &c.EntityKind, &c.EntityID, &c.LocalTimestamp, &c.RemoteTimestamp,
		&c.LocalVersion, &payload, &c.Resolution, &c.DetectedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		c.RemotePayload = []byte(payload.String)
	}
	return &c, nil
}
