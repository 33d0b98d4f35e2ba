package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
)

// =====================================================
// SyncQueue Operations
// =====================================================

const operationColumns = `id, type, entity_kind, entity_id, payload, priority, timestamp, retry_count, error, local_version`

// InsertOperation appends an operation to the sync queue.
func (s *Store) InsertOperation(ctx context.Context, op *models.SyncOperation) error {
	if op.ID == "" || op.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation id and entity id are required")
	}
	query := `INSERT INTO sync_queue (` + operationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query, op.ID, op.Type, op.EntityKind, op.EntityID, nullablePayload(op.Payload),
		op.Priority, op.Timestamp, op.RetryCount, op.Error, op.LocalVersion)
	if err != nil {
		return dbError("insert operation", err)
	}
	return nil
}

// ListOperations returns every queued operation by priority, then timestamp, then insertion order.
func (s *Store) ListOperations(ctx context.Context) ([]*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue ORDER BY priority, timestamp, seq`
	return s.queryOperations(ctx, query)
}

// ListOperationsForEntity returns the queued operations for one entity in drain order.
func (s *Store) ListOperationsForEntity(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue WHERE entity_kind = ? AND entity_id = ? ORDER BY priority, timestamp, seq`
	return s.queryOperations(ctx, query, kind, entityID)
}

// GetOperation returns the operation with id, or nil if absent.
func (s *Store) GetOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue WHERE id = ?`
	op, err := scanOperation(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get operation", err)
	}
	return op, nil
}

// UpdateOperation persists retry bookkeeping for a queued operation.
func (s *Store) UpdateOperation(ctx context.Context, op *models.SyncOperation) error {
	res, err := s.q.ExecContext(ctx, `UPDATE sync_queue SET retry_count = ?, error = ? WHERE id = ?`,
		op.RetryCount, op.Error, op.ID)
	if err != nil {
		return dbError("update operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "operation "+op.ID+" not queued")
	}
	return nil
}

// DeleteOperation removes a queued operation. Removing an absent operation is not an error.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return dbError("delete operation", err)
	}
	return nil
}

// DeleteOperationsForEntity removes every queued operation for one entity.
func (s *Store) DeleteOperationsForEntity(ctx context.Context, kind models.EntityKind, entityID string) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_kind = ? AND entity_id = ?`, kind, entityID)
	if err != nil {
		return 0, dbError("delete entity operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountOperations returns the queue length.
func (s *Store) CountOperations(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, dbError("count operations", err)
	}
	return n, nil
}

// ClearOperations empties the sync queue.
func (s *Store) ClearOperations(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return dbError("clear operations", err)
	}
	return nil
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]*models.SyncOperation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list operations", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, dbError("scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list operations", err)
	}
	return ops, nil
}

func scanOperation(row scanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var payload sql.NullString
	err := row.Scan(&op.ID, &op.Type, &op.EntityKind, &op.EntityID, &payload,
		&op.Priority, &op.Timestamp, &op.RetryCount, &op.Error, &op.LocalVersion)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	return &op, nil
}

func nullablePayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
