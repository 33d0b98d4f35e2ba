// Package queue provides the durable sync queue of pending local mutations.
package queue

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// DefaultMaxRetries is the number of failed attempts after which an operation is dropped.
const DefaultMaxRetries = 3

// Store is the slice of the durable store the queue persists through.
type Store interface {
	InsertOperation(ctx context.Context, op *models.SyncOperation) error
	ListOperations(ctx context.Context) ([]*models.SyncOperation, error)
	ListOperationsForEntity(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.SyncOperation, error)
	GetOperation(ctx context.Context, id string) (*models.SyncOperation, error)
	UpdateOperation(ctx context.Context, op *models.SyncOperation) error
	DeleteOperation(ctx context.Context, id string) error
	DeleteOperationsForEntity(ctx context.Context, kind models.EntityKind, entityID string) (int, error)
	CountOperations(ctx context.Context) (int, error)
	ClearOperations(ctx context.Context) error
}

// DropFunc is called when an operation exceeds the retry ceiling.
type DropFunc func(op *models.SyncOperation, cause error)

// SyncQueue manages pending sync operations with retry accounting.
type SyncQueue struct {
	store      Store
	maxRetries int
	now        func() time.Time
	ids        uuid.Generator
	onDrop     DropFunc
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithMaxRetries overrides DefaultMaxRetries. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(q *SyncQueue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock sets the time source used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// WithIDGenerator sets the operation id generator.
func WithIDGenerator(g uuid.Generator) Option {
	return func(q *SyncQueue) { q.ids = g }
}

// WithDropHandler registers a callback for operations dropped after max retries.
func WithDropHandler(fn DropFunc) Option {
	return func(q *SyncQueue) { q.onDrop = fn }
}

// New creates a SyncQueue backed by store.
func New(store Store, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		ids:        uuid.RandomGenerator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// In returns a queue with the same configuration that writes through store,
// typically a transaction-bound store.
func (q *SyncQueue) In(store Store) *SyncQueue {
	c := *q
	c.store = store
	return &c
}

// MaxRetries returns the retry ceiling.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// NewOperation builds an operation stamped with a fresh id, the kind's priority and the current time.
func (q *SyncQueue) NewOperation(typ models.OperationType, kind models.EntityKind, entityID string, payload json.RawMessage, localVersion int64) *models.SyncOperation {
	return &models.SyncOperation{
		ID:           q.ids.New(),
		Type:         typ,
		EntityKind:   kind,
		EntityID:     entityID,
		Payload:      payload,
		Priority:     kind.Priority(),
		Timestamp:    q.now().UnixMilli(),
		LocalVersion: localVersion,
	}
}

// Enqueue persists op. Missing id, priority and timestamp are filled in.
// Multiple operations for the same entity are kept separately.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	switch op.Type {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown operation type "+string(op.Type))
	}
	if op.ID == "" {
		op.ID = q.ids.New()
	}
	if op.Priority == 0 {
		op.Priority = op.EntityKind.Priority()
	}
	if op.Timestamp == 0 {
		op.Timestamp = q.now().UnixMilli()
	}

	if err := q.store.InsertOperation(ctx, op); err != nil {
		return err
	}

	logging.Debug("sync operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"type":         op.Type,
		"entity_kind":  op.EntityKind,
		"entity_id":    op.EntityID,
		"priority":     op.Priority,
	})
	return nil
}

// Drain returns a snapshot of every queued operation ordered by priority
// ascending, then timestamp ascending. Operations stay queued until Remove.
func (q *SyncQueue) Drain(ctx context.Context) ([]*models.SyncOperation, error) {
	return q.store.ListOperations(ctx)
}

// ListForEntity returns the queued operations for one entity in drain order.
func (q *SyncQueue) ListForEntity(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.SyncOperation, error) {
	return q.store.ListOperationsForEntity(ctx, kind, entityID)
}

// Get returns a queued operation, or nil if it is no longer queued.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	return q.store.GetOperation(ctx, id)
}

// Remove deletes an operation after successful execution.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	return q.store.DeleteOperation(ctx, id)
}

// RemoveForEntity deletes every queued operation for one entity.
func (q *SyncQueue) RemoveForEntity(ctx context.Context, kind models.EntityKind, entityID string) (int, error) {
	return q.store.DeleteOperationsForEntity(ctx, kind, entityID)
}

// RequeueWithBackoffAccounting records a failed attempt. The operation is
// re-persisted while its retry count stays below MaxRetries; otherwise it is
// removed permanently and dropped is true.
func (q *SyncQueue) RequeueWithBackoffAccounting(ctx context.Context, op *models.SyncOperation, cause error) (dropped bool, err error) {
	op.RetryCount++
	if cause != nil {
		op.Error = cause.Error()
	}

	logCtx := map[string]interface{}{
		"operation_id": op.ID,
		"type":         op.Type,
		"entity_kind":  op.EntityKind,
		"entity_id":    op.EntityID,
		"retry_count":  op.RetryCount,
		"max_retries":  q.maxRetries,
	}

	if op.RetryCount < q.maxRetries {
		if err := q.store.UpdateOperation(ctx, op); err != nil {
			return false, err
		}
		logging.Warn("sync operation failed, will retry", logCtx)
		return false, nil
	}

	if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
		return false, err
	}
	logging.ErrorWithCode("sync operation dropped after max retries",
		string(apperrors.ErrQueueDropped), cause, logCtx)
	if q.onDrop != nil {
		q.onDrop(op, cause)
	}
	return true, nil
}

// Size returns the number of queued operations.
func (q *SyncQueue) Size(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx)
}

// Clear removes every queued operation.
func (q *SyncQueue) Clear(ctx context.Context) error {
	if err := q.store.ClearOperations(ctx); err != nil {
		return err
	}
	logging.Info("sync queue cleared")
	return nil
}

// Stats summarizes the queue.
type Stats struct {
	Total    int                          `json:"total"`
	Retrying int                          `json:"retrying"`
	ByKind   map[models.EntityKind]int    `json:"byKind"`
	ByType   map[models.OperationType]int `json:"byType"`
	Oldest   int64                        `json:"oldest,omitempty"` // epoch ms of the oldest operation
}

// Stats returns queue statistics.
func (q *SyncQueue) Stats(ctx context.Context) (*Stats, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByKind: make(map[models.EntityKind]int),
		ByType: make(map[models.OperationType]int),
	}
	for _, op := range ops {
		stats.Total++
		stats.ByKind[op.EntityKind]++
		stats.ByType[op.Type]++
		if op.RetryCount > 0 {
			stats.Retrying++
		}
		if stats.Oldest == 0 || op.Timestamp < stats.Oldest {
			stats.Oldest = op.Timestamp
		}
	}
	return stats, nil
}
