// Package sync reconciles the local store with the fleet server.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetops/fieldsync/internal/db"
	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/sync/conflict"
	"github.com/fleetops/fieldsync/internal/sync/notify"
	"github.com/fleetops/fieldsync/internal/sync/remote"
)

// Attempt results reported to Metrics.
const (
	ResultSynced  = "synced"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Skip reasons.
const (
	SkipOffline    = "offline"
	SkipInProgress = "in_progress"
)

// Options configures an Engine.
type Options struct {
	// Online is the connectivity known at construction.
	Online bool
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Resolver defaults to last-write-wins.
	Resolver *conflict.Resolver
	Metrics  Metrics
}

// SyncResult represents the result of a sync attempt.
type SyncResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Skipped    bool
	SkipReason string
	Pushed     int
	Failed     int
	Dropped    int
	Suspended  int // operations held back for entities in conflict
	Pulled     int
	Conflicts  int
	Watermark  int64
	Error      string
}

// Engine runs push+pull attempts, one at a time.
type Engine struct {
	store    Store
	queue    Queue
	remote   Remote
	notifier *notify.Notifier
	resolver *conflict.Resolver
	metrics  Metrics
	now      func() time.Time

	online  atomic.Bool
	syncing atomic.Bool
	wg      sync.WaitGroup

	mu       sync.RWMutex
	state    notify.State
	lastSync *time.Time
	lastErr  error
}

var _ SyncEngineInterface = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(store Store, queue Queue, client Remote, notifier *notify.Notifier, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins).WithClock(opts.Clock)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if notifier == nil {
		notifier = notify.New()
	}

	e := &Engine{
		store:    store,
		queue:    queue,
		remote:   client,
		notifier: notifier,
		resolver: opts.Resolver,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		state:    notify.StateOffline,
	}
	e.online.Store(opts.Online)
	if opts.Online {
		// optimistic until the first attempt proves otherwise
		e.state = notify.StateSynced
	}
	return e
}

// Notifier returns the notifier state changes are published on.
func (e *Engine) Notifier() *notify.Notifier {
	return e.notifier
}

// SetOnline records a connectivity transition. Going offline publishes the
// offline status; going online does not start an attempt by itself.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": was,
		"is_online":  online,
	})
	if !online {
		e.setState(notify.Status{Status: notify.StateOffline, Message: "Working offline"})
	}
}

// IsOnline reports the last known connectivity.
func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

// IsSyncing reports whether an attempt is running.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// State returns the current engine state.
func (e *Engine) State() notify.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastSync returns the time of the last successful pull.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last failed attempt, nil after a clean one.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// TriggerSync starts an attempt in a goroutine tracked by Wait.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	if !e.online.Load() || e.syncing.Load() {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, err := e.SyncWhenOnline(ctx)
		if err != nil {
			// already reported through the notifier
			return
		}
		if result != nil && !result.Skipped {
			logging.Debug("Triggered sync completed", map[string]interface{}{
				"pushed": result.Pushed,
				"pulled": result.Pulled,
			})
		}
	}()
	return true
}

// Wait blocks until every attempt started by TriggerSync has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SyncWhenOnline runs one push+pull attempt and blocks until it finishes.
// Offline or overlapping calls return a skipped result and no error.
func (e *Engine) SyncWhenOnline(ctx context.Context) (*SyncResult, error) {
	if !e.online.Load() {
		e.metrics.ObserveAttempt(ResultSkipped, 0)
		return &SyncResult{Skipped: true, SkipReason: SkipOffline}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", nil)
		e.metrics.ObserveAttempt(ResultSkipped, 0)
		return &SyncResult{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.syncing.Store(false)

	return e.attempt(ctx)
}

func (e *Engine) attempt(ctx context.Context) (result *SyncResult, err error) {
	result = &SyncResult{StartTime: e.now()}
	e.setState(notify.Status{Status: notify.StateSyncing, Message: "Syncing..."})

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("sync attempt panicked: %v", r))
		}

		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.refreshQueueDepth(ctx)

		if err != nil {
			result.Error = err.Error()
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
			logging.ErrorWithCode("Sync attempt failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"pushed": result.Pushed,
				"failed": result.Failed,
				"pulled": result.Pulled,
			})
			e.setState(notify.Status{Status: notify.StateError, Message: "Sync failed", Error: err})
			e.metrics.ObserveAttempt(ResultError, result.Duration)
			return
		}

		e.mu.Lock()
		e.lastErr = nil
		e.mu.Unlock()
		logging.Info("Sync attempt completed", map[string]interface{}{
			"pushed":      result.Pushed,
			"pulled":      result.Pulled,
			"conflicts":   result.Conflicts,
			"suspended":   result.Suspended,
			"duration_ms": result.Duration.Milliseconds(),
		})
		e.setState(notify.Status{Status: notify.StateSynced, Message: "All changes synced"})
		e.metrics.ObserveAttempt(ResultSynced, result.Duration)
	}()

	ops, err := e.queue.Drain(ctx)
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrSyncPush, "drain sync queue", err)
	}

	pushErr := e.push(ctx, ops, result)
	pullErr := e.pull(ctx, result)
	return result, errors.Join(pushErr, pullErr)
}

// push drains the queue in priority order. A failed operation is accounted
// for and the batch continues.
func (e *Engine) push(ctx context.Context, ops []*models.SyncOperation, result *SyncResult) error {
	var failures []error
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		collection := op.EntityKind.Collection()
		local, err := e.store.Get(ctx, collection, op.EntityID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if local != nil && local.SyncStatus == models.SyncStatusConflict {
			result.Suspended++
			continue
		}

		resp, err := e.remote.Push(ctx, op)
		if err != nil && op.Type == models.OperationDelete && remote.IsStatus(err, http.StatusNotFound) {
			// already gone on the server
			err = nil
		}
		if err != nil {
			result.Failed++
			e.metrics.ObservePush(op.EntityKind, op.Type, ResultError)
			failures = append(failures, remote.Classify(err, apperrors.ErrSyncPush,
				fmt.Sprintf("%s %s %s", op.Type, op.EntityKind, op.EntityID)))

			dropped, qerr := e.queue.RequeueWithBackoffAccounting(ctx, op, err)
			if qerr != nil {
				failures = append(failures, qerr)
			}
			if dropped {
				result.Dropped++
				e.metrics.ObserveDropped(op.EntityKind)
			}
			continue
		}

		if err := e.applyPushResponse(ctx, op, resp); err != nil {
			// The server accepted the change; the next pull reconciles the local copy.
			logging.Warn("Failed to apply server response", map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
				"error":        err.Error(),
			})
		}
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			failures = append(failures, err)
			continue
		}

		result.Pushed++
		e.metrics.ObservePush(op.EntityKind, op.Type, ResultSynced)
	}

	if len(failures) > 0 {
		return apperrors.Wrap(apperrors.ErrSyncPush,
			fmt.Sprintf("%d of %d operations failed", len(failures), len(ops)), errors.Join(failures...))
	}
	return nil
}

// applyPushResponse marks the local copy synced with the server's authoritative
// payload, unless the entity was edited again after op was queued.
func (e *Engine) applyPushResponse(ctx context.Context, op *models.SyncOperation, resp json.RawMessage) error {
	if op.Type == models.OperationDelete {
		return nil
	}

	collection := op.EntityKind.Collection()
	local, err := e.store.Get(ctx, collection, op.EntityID)
	if err != nil {
		return err
	}
	if local == nil {
		// deleted locally while the push was in flight; the queued delete follows
		return nil
	}
	if op.LocalVersion != 0 && local.LocalVersion > op.LocalVersion {
		return nil
	}

	data := local.Data
	if len(resp) > 0 {
		data = resp
	}
	return e.store.Put(ctx, collection, &db.Record{
		ID:           op.EntityID,
		SyncStatus:   models.SyncStatusSynced,
		LastUpdated:  e.now().UnixMilli(),
		LocalVersion: local.LocalVersion,
		Data:         data,
	})
}

// remoteHeader is the part of a pulled record the engine needs.
type remoteHeader struct {
	ID          string `json:"id"`
	LastUpdated int64  `json:"lastUpdated"`
}

// pull fetches server deltas for every kind in order and upserts them. The
// watermark advances only when every kind was pulled.
func (e *Engine) pull(ctx context.Context, result *SyncResult) error {
	since, err := e.store.GetMetadataInt(ctx, models.MetadataKeyLastSyncTime)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncPull, "read watermark", err)
	}
	pullStart := e.now()

	for _, kind := range models.PullOrder {
		records, err := e.remote.Changes(ctx, kind, since)
		if err != nil {
			return remote.Classify(err, apperrors.ErrSyncPull, "pull "+kind.Collection())
		}

		n, err := e.mergeRecords(ctx, kind, records, result)
		result.Pulled += n
		e.metrics.ObservePulled(kind, n)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncPull, "merge "+kind.Collection(), err)
		}
	}

	watermark := pullStart.UnixMilli()
	if err := e.store.SetMetadataInt(ctx, models.MetadataKeyLastSyncTime, watermark); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncPull, "advance watermark", err)
	}
	result.Watermark = watermark

	e.mu.Lock()
	e.lastSync = &pullStart
	e.mu.Unlock()
	return nil
}

func (e *Engine) mergeRecords(ctx context.Context, kind models.EntityKind, records []json.RawMessage, result *SyncResult) (int, error) {
	collection := kind.Collection()
	merged := 0

	for _, raw := range records {
		var head remoteHeader
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			logging.Warn("Skipping malformed server record", map[string]interface{}{
				"entity_kind": kind,
			})
			continue
		}

		local, err := e.store.Get(ctx, collection, head.ID)
		if err != nil {
			return merged, err
		}

		if local != nil && local.SyncStatus != models.SyncStatusSynced {
			// Unsent local edits are only resolved through the push phase.
			if err := e.handleConflict(ctx, kind, local, raw, head.LastUpdated, result); err != nil {
				return merged, err
			}
			continue
		}
		if local == nil {
			// A queued delete removed the row; the server copy must not bring it back.
			queued, err := e.queue.ListForEntity(ctx, kind, head.ID)
			if err != nil {
				return merged, err
			}
			if len(queued) > 0 {
				logging.Debug("Skipping server record with queued local operations", map[string]interface{}{
					"entity_kind": kind,
					"entity_id":   head.ID,
					"queued":      len(queued),
				})
				continue
			}
		}

		var version int64
		if local != nil {
			version = local.LocalVersion
		}
		err = e.store.Put(ctx, collection, &db.Record{
			ID:           head.ID,
			SyncStatus:   models.SyncStatusSynced,
			LastUpdated:  e.now().UnixMilli(),
			LocalVersion: version,
			Data:         raw,
		})
		if err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

func (e *Engine) handleConflict(ctx context.Context, kind models.EntityKind, local *db.Record, raw json.RawMessage, remoteUpdated int64, result *SyncResult) error {
	c, ok := e.resolver.DetectConflict(kind, local, raw, remoteUpdated)
	if !ok {
		return nil
	}
	if local.SyncStatus == models.SyncStatusConflict {
		open, err := e.store.GetOpenConflict(ctx, kind, local.ID)
		if err != nil {
			return err
		}
		if open != nil {
			// still awaiting review
			return nil
		}
	}
	res, err := e.resolver.Resolve(c)
	if err != nil {
		return err
	}

	if res.Action == conflict.ActionMarkConflict && local.SyncStatus != models.SyncStatusConflict {
		marked := *local
		marked.SyncStatus = models.SyncStatusConflict
		if err := e.store.Put(ctx, kind.Collection(), &marked); err != nil {
			return err
		}
	}
	if err := e.store.InsertConflict(ctx, res.ConflictLog); err != nil {
		return err
	}

	result.Conflicts++
	e.metrics.ObserveConflict(kind)
	return nil
}

func (e *Engine) setState(s notify.Status) {
	e.mu.Lock()
	e.state = s.Status
	e.mu.Unlock()

	logging.Debug("Sync state changed", map[string]interface{}{
		"status":  s.Status,
		"message": s.Message,
	})
	e.notifier.Publish(s)
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	if n, err := e.queue.Size(ctx); err == nil {
		e.metrics.SetQueueDepth(n)
	}
}
