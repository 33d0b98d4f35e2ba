// Package repository provides typed local read/write operations over the durable store.
// Every write is stamped pending and queued for sync in the same transaction.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetops/fieldsync/internal/db"
	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/sync/queue"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// SyncTrigger starts an opportunistic sync after a local write.
type SyncTrigger interface {
	IsOnline() bool
	TriggerSync(ctx context.Context) bool
}

// Deps holds what every repository needs.
type Deps struct {
	Store   *db.Store
	Queue   *queue.SyncQueue
	Trigger SyncTrigger // optional
	Clock   func() time.Time
	IDs     uuid.Generator // assigns ids to new entities
}

// Repository provides local persistence for one entity kind.
type Repository[T models.Entity] struct {
	kind    models.EntityKind
	newFn   func() T
	store   *db.Store
	queue   *queue.SyncQueue
	trigger SyncTrigger
	now     func() time.Time
	ids     uuid.Generator
}

// New creates a Repository. newFn returns an empty entity to decode into.
func New[T models.Entity](d Deps, newFn func() T) *Repository[T] {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.IDs == nil {
		d.IDs = uuid.RandomGenerator{}
	}
	return &Repository[T]{
		kind:    newFn().Kind(),
		newFn:   newFn,
		store:   d.Store,
		queue:   d.Queue,
		trigger: d.Trigger,
		now:     d.Clock,
		ids:     d.IDs,
	}
}

// Kind returns the entity kind this repository stores.
func (r *Repository[T]) Kind() models.EntityKind {
	return r.kind
}

// SaveLocal persists e as pending and queues a create or update. The write
// is visible to readers as soon as SaveLocal returns, online or not.
func (r *Repository[T]) SaveLocal(ctx context.Context, e T) (T, error) {
	var zero T
	e, err := r.ensureID(e)
	if err != nil {
		return zero, err
	}
	id := e.EntityID()
	before := *e.Control()

	var opType models.OperationType
	err = r.store.InTx(ctx, func(tx *db.Store) error {
		existing, err := tx.Get(ctx, r.kind.Collection(), id)
		if err != nil {
			return err
		}

		ctrl := e.Control()
		opType = models.OperationUpdate
		if existing == nil && ctrl.LocalVersion == 0 {
			opType = models.OperationCreate
		}

		version := ctrl.LocalVersion
		status := models.SyncStatusPending
		if existing != nil {
			version = max(version, existing.LocalVersion)
			if existing.SyncStatus == models.SyncStatusConflict {
				// stays suspended until the conflict is resolved
				status = models.SyncStatusConflict
			}
		}
		ctrl.SyncStatus = status
		ctrl.LastUpdated = r.now().UnixMilli()
		ctrl.LocalVersion = version + 1

		data, err := json.Marshal(e)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode "+string(r.kind), err)
		}

		rec := &db.Record{
			ID:           id,
			SyncStatus:   ctrl.SyncStatus,
			LastUpdated:  ctrl.LastUpdated,
			LocalVersion: ctrl.LocalVersion,
			Data:         data,
		}
		if err := tx.Put(ctx, r.kind.Collection(), rec); err != nil {
			return err
		}

		q := r.queue.In(tx)
		return q.Enqueue(ctx, q.NewOperation(opType, r.kind, id, data, ctrl.LocalVersion))
	})
	if err != nil {
		// nothing was committed, so the caller keeps its original sync fields
		*e.Control() = before
		return zero, err
	}

	logging.Debug("Saved local change", map[string]interface{}{
		"entity_kind":   r.kind,
		"entity_id":     id,
		"operation":     opType,
		"local_version": e.Control().LocalVersion,
	})
	r.kick(ctx)
	return e, nil
}

// GetLocal returns the local copy of id.
func (r *Repository[T]) GetLocal(ctx context.Context, id string) (T, bool, error) {
	var zero T
	rec, err := r.store.Get(ctx, r.kind.Collection(), id)
	if err != nil {
		return zero, false, err
	}
	if rec == nil {
		return zero, false, nil
	}
	e, err := r.decode(rec)
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// GetAllLocal returns every local record of the kind, ordered by id.
func (r *Repository[T]) GetAllLocal(ctx context.Context) ([]T, error) {
	recs, err := r.store.GetAll(ctx, r.kind.Collection())
	if err != nil {
		return nil, err
	}
	return r.decodeAll(recs)
}

// GetPending returns records with unsent local changes.
func (r *Repository[T]) GetPending(ctx context.Context) ([]T, error) {
	return r.byStatus(ctx, models.SyncStatusPending)
}

// GetConflicts returns records awaiting a manual conflict decision.
func (r *Repository[T]) GetConflicts(ctx context.Context) ([]T, error) {
	return r.byStatus(ctx, models.SyncStatusConflict)
}

func (r *Repository[T]) byStatus(ctx context.Context, status models.SyncStatus) ([]T, error) {
	recs, err := r.store.GetAllByStatus(ctx, r.kind.Collection(), status)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(recs)
}

// DeleteLocal removes id locally and queues a delete.
func (r *Repository[T]) DeleteLocal(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}

	err := r.store.InTx(ctx, func(tx *db.Store) error {
		existing, err := tx.Get(ctx, r.kind.Collection(), id)
		if err != nil {
			return err
		}
		var version int64 = 1
		if existing != nil {
			version = existing.LocalVersion + 1
		}

		if err := tx.Delete(ctx, r.kind.Collection(), id); err != nil {
			return err
		}
		q := r.queue.In(tx)
		return q.Enqueue(ctx, q.NewOperation(models.OperationDelete, r.kind, id, nil, version))
	})
	if err != nil {
		return err
	}

	logging.Debug("Deleted local record", map[string]interface{}{
		"entity_kind": r.kind,
		"entity_id":   id,
	})
	r.kick(ctx)
	return nil
}

// ResolveConflict settles an open manual conflict. Keeping local re-arms the
// queued push; keeping remote adopts the server copy and discards queued changes.
func (r *Repository[T]) ResolveConflict(ctx context.Context, id string, keepLocal bool) error {
	err := r.store.InTx(ctx, func(tx *db.Store) error {
		open, err := tx.GetOpenConflict(ctx, r.kind, id)
		if err != nil {
			return err
		}
		if open == nil {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no open conflict for %s %s", r.kind, id))
		}
		rec, err := tx.Get(ctx, r.kind.Collection(), id)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", r.kind, id))
		}

		now := r.now().UnixMilli()
		q := r.queue.In(tx)
		resolution := models.ResolutionKeptRemote

		if keepLocal {
			resolution = models.ResolutionKeptLocal
			rec.SyncStatus = models.SyncStatusPending
			rec.LastUpdated = now
			ops, err := q.ListForEntity(ctx, r.kind, id)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				// the original operation was dropped; queue the local copy again
				if err := q.Enqueue(ctx, q.NewOperation(models.OperationUpdate, r.kind, id, rec.Data, rec.LocalVersion)); err != nil {
					return err
				}
			}
		} else {
			rec.SyncStatus = models.SyncStatusSynced
			rec.LastUpdated = now
			rec.Data = open.RemotePayload
			if _, err := q.RemoveForEntity(ctx, r.kind, id); err != nil {
				return err
			}
		}

		if err := tx.Put(ctx, r.kind.Collection(), rec); err != nil {
			return err
		}
		return tx.ResolveConflictLog(ctx, open.ID, resolution, now)
	})
	if err != nil {
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_kind": r.kind,
		"entity_id":   id,
		"keep_local":  keepLocal,
	})
	if keepLocal {
		r.kick(ctx)
	}
	return nil
}

// kick asks for an opportunistic sync without waiting for it.
func (r *Repository[T]) kick(ctx context.Context) {
	if r.trigger == nil || !r.trigger.IsOnline() {
		return
	}
	r.trigger.TriggerSync(context.WithoutCancel(ctx))
}

// ensureID assigns a fresh id to entities created without one.
func (r *Repository[T]) ensureID(e T) (T, error) {
	if e.EntityID() != "" {
		return e, nil
	}

	var zero T
	fields := map[string]interface{}{}
	raw, err := json.Marshal(e)
	if err != nil {
		return zero, apperrors.Wrap(apperrors.ErrInvalid, "encode "+string(r.kind), err)
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, apperrors.Wrap(apperrors.ErrInvalid, "encode "+string(r.kind), err)
	}
	fields["id"] = r.ids.New()
	raw, err = json.Marshal(fields)
	if err != nil {
		return zero, apperrors.Wrap(apperrors.ErrInvalid, "assign id", err)
	}

	out := r.newFn()
	if err := json.Unmarshal(raw, out); err != nil {
		return zero, apperrors.Wrap(apperrors.ErrInvalid, "assign id", err)
	}
	*out.Control() = *e.Control()
	return out, nil
}

func (r *Repository[T]) decode(rec *db.Record) (T, error) {
	var zero T
	e := r.newFn()
	if err := json.Unmarshal(rec.Data, e); err != nil {
		return zero, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("decode %s %s", r.kind, rec.ID), err)
	}
	// columns are authoritative for sync control
	*e.Control() = models.SyncControl{
		SyncStatus:   rec.SyncStatus,
		LastUpdated:  rec.LastUpdated,
		LocalVersion: rec.LocalVersion,
	}
	return e, nil
}

func (r *Repository[T]) decodeAll(recs []*db.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		e, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveJSON decodes raw into a new entity and saves it.
func (r *Repository[T]) SaveJSON(ctx context.Context, raw json.RawMessage) (models.Entity, error) {
	e := r.newFn()
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode "+string(r.kind), err)
	}
	saved, err := r.SaveLocal(ctx, e)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetEntity is GetLocal returning the Entity interface.
func (r *Repository[T]) GetEntity(ctx context.Context, id string) (models.Entity, bool, error) {
	e, ok, err := r.GetLocal(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e, true, nil
}

// ListEntities is GetAllLocal returning the Entity interface.
func (r *Repository[T]) ListEntities(ctx context.Context) ([]models.Entity, error) {
	all, err := r.GetAllLocal(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Entity, len(all))
	for i, e := range all {
		out[i] = e
	}
	return out, nil
}
