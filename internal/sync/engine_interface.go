// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetops/fieldsync/internal/db"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/sync/notify"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler and repositories depend on it rather than on *Engine.
type SyncEngineInterface interface {
	// SyncWhenOnline runs one push+pull attempt. It is a no-op when offline
	// or when an attempt is already running.
	SyncWhenOnline(ctx context.Context) (*SyncResult, error)

	// TriggerSync starts an attempt in the background.
	// Returns false when offline or already syncing.
	TriggerSync(ctx context.Context) bool

	// SetOnline records a connectivity transition.
	SetOnline(online bool)

	// IsOnline reports the last known connectivity.
	IsOnline() bool

	// IsSyncing reports whether an attempt is running.
	IsSyncing() bool

	// State returns the current engine state.
	State() notify.State

	// LastSync returns the time of the last successful pull, if any.
	LastSync() *time.Time

	// LastError returns the error of the last failed attempt.
	LastError() error
}

// Store is the slice of the durable store the engine reads and writes.
type Store interface {
	Get(ctx context.Context, collection, id string) (*db.Record, error)
	Put(ctx context.Context, collection string, rec *db.Record) error
	GetMetadataInt(ctx context.Context, key string) (int64, error)
	SetMetadataInt(ctx context.Context, key string, value int64) error
	InsertConflict(ctx context.Context, c *models.ConflictLog) error
	GetOpenConflict(ctx context.Context, kind models.EntityKind, entityID string) (*models.ConflictLog, error)
}

// Queue is the slice of the sync queue the push phase drains.
type Queue interface {
	Drain(ctx context.Context) ([]*models.SyncOperation, error)
	ListForEntity(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.SyncOperation, error)
	Remove(ctx context.Context, id string) error
	RequeueWithBackoffAccounting(ctx context.Context, op *models.SyncOperation, cause error) (bool, error)
	Size(ctx context.Context) (int, error)
}

// Remote is the server API the engine pushes to and pulls from.
type Remote interface {
	Push(ctx context.Context, op *models.SyncOperation) (json.RawMessage, error)
	Changes(ctx context.Context, kind models.EntityKind, since int64) ([]json.RawMessage, error)
}

// Metrics receives sync instrumentation. See internal/metrics.
type Metrics interface {
	ObserveAttempt(result string, d time.Duration)
	ObservePush(kind models.EntityKind, typ models.OperationType, result string)
	ObservePulled(kind models.EntityKind, n int)
	ObserveDropped(kind models.EntityKind)
	ObserveConflict(kind models.EntityKind)
	SetQueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAttempt(string, time.Duration)                        {}
func (nopMetrics) ObservePush(models.EntityKind, models.OperationType, string) {}
func (nopMetrics) ObservePulled(models.EntityKind, int)                        {}
func (nopMetrics) ObserveDropped(models.EntityKind)                            {}
func (nopMetrics) ObserveConflict(models.EntityKind)                           {}
func (nopMetrics) SetQueueDepth(int)                                           {}
