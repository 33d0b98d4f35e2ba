// Package repository tests for local entity persistence.
package repository

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetops/fieldsync/internal/db"
	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/sync/queue"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeTrigger struct {
	online   atomic.Bool
	triggers atomic.Int32
}

func (f *fakeTrigger) IsOnline() bool { return f.online.Load() }

func (f *fakeTrigger) TriggerSync(context.Context) bool {
	f.triggers.Add(1)
	return true
}

type fixture struct {
	repos   *Repositories
	store   *db.Store
	queue   *queue.SyncQueue
	trigger *fakeTrigger
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	f := &fixture{now: time.UnixMilli(1700000000000), trigger: &fakeTrigger{}}
	clock := func() time.Time { return f.now }
	f.store = db.NewStore(database).WithClock(clock)
	f.queue = queue.New(f.store, queue.WithClock(clock), queue.WithIDGenerator(uuid.NewSequenceGenerator("op")))
	f.repos = NewRepositories(Deps{
		Store:   f.store,
		Queue:   f.queue,
		Trigger: f.trigger,
		Clock:   clock,
		IDs:     uuid.NewSequenceGenerator("entity"),
	})
	return f
}

func (f *fixture) ops(t *testing.T) []*models.SyncOperation {
	t.Helper()
	ops, err := f.queue.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	return ops
}

// =====================================================
// SaveLocal Tests
// =====================================================

// TestSaveLocal_readYourWrites verifies a saved record reads back pending while offline.
func TestSaveLocal_readYourWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saved, err := f.repos.Vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1", Make: "Ford"})
	if err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	if saved.SyncStatus != models.SyncStatusPending || saved.LocalVersion != 1 {
		t.Errorf("saved control = %+v, want pending v1", saved.SyncControl)
	}
	if saved.LastUpdated != f.now.UnixMilli() {
		t.Errorf("LastUpdated = %d, want %d", saved.LastUpdated, f.now.UnixMilli())
	}

	got, ok, err := f.repos.Vehicles.GetLocal(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("GetLocal() = %v, %v, %v", got, ok, err)
	}
	if got.Make != "Ford" || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("GetLocal() = %+v, want pending Ford", got)
	}

	ops := f.ops(t)
	if len(ops) != 1 {
		t.Fatalf("queued ops = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Type != models.OperationCreate || op.Priority != 4 || op.EntityKind != models.KindVehicle || op.LocalVersion != 1 {
		t.Errorf("op = %+v, want vehicle create priority 4", op)
	}
	if f.trigger.triggers.Load() != 0 {
		t.Error("offline save should not trigger a sync")
	}
}

// TestSaveLocal_update verifies the second save queues an update with a bumped version.
func TestSaveLocal_update(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	wo, err := f.repos.WorkOrders.SaveLocal(ctx, &models.WorkOrder{ID: "wo1", VehicleID: "v1", Title: "brakes"})
	if err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	wo.Title = "brakes and tires"
	f.now = f.now.Add(time.Second)
	wo, err = f.repos.WorkOrders.SaveLocal(ctx, wo)
	if err != nil {
		t.Fatalf("second SaveLocal() error = %v", err)
	}
	if wo.LocalVersion != 2 {
		t.Errorf("LocalVersion = %d, want 2", wo.LocalVersion)
	}

	ops := f.ops(t)
	if len(ops) != 2 {
		t.Fatalf("queued ops = %d, want 2 (duplicates are kept)", len(ops))
	}
	if ops[0].Type != models.OperationCreate || ops[1].Type != models.OperationUpdate {
		t.Errorf("op types = %s, %s, want create, update", ops[0].Type, ops[1].Type)
	}
	var payload models.WorkOrder
	if err := json.Unmarshal(ops[1].Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.Title != "brakes and tires" {
		t.Errorf("payload title = %q, want latest edit", payload.Title)
	}
}

// cancelOnNew cancels the save's context when the queue asks for an operation
// id, so the transaction fails after the record write.
type cancelOnNew struct {
	cancel context.CancelFunc
	ids    uuid.Generator
}

func (g *cancelOnNew) New() string {
	g.cancel()
	return g.ids.New()
}

// TestSaveLocal_failedSaveLeavesCaller verifies a rolled back save does not
// touch the caller's entity, so a retry is still queued as a create.
func TestSaveLocal_failedSaveLeavesCaller(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	failing := queue.New(f.store, queue.WithIDGenerator(&cancelOnNew{cancel: cancel, ids: uuid.NewSequenceGenerator("op")}))
	repo := New(Deps{Store: f.store, Queue: failing, Trigger: f.trigger, Clock: func() time.Time { return f.now }},
		func() *models.Vehicle { return &models.Vehicle{} })

	v := &models.Vehicle{ID: "v1", Make: "Ford"}
	if _, err := repo.SaveLocal(ctx, v); err == nil {
		t.Fatal("SaveLocal() error = nil, want failure from canceled context")
	}
	if v.SyncStatus != "" || v.LocalVersion != 0 || v.LastUpdated != 0 {
		t.Errorf("caller after failed save = %+v, want sync fields untouched", v.SyncControl)
	}
	if _, ok, _ := f.repos.Vehicles.GetLocal(context.Background(), "v1"); ok {
		t.Error("GetLocal() found v1, want nothing committed")
	}
	if ops := f.ops(t); len(ops) != 0 {
		t.Fatalf("queued ops = %d, want 0", len(ops))
	}

	saved, err := f.repos.Vehicles.SaveLocal(context.Background(), v)
	if err != nil {
		t.Fatalf("retry SaveLocal() error = %v", err)
	}
	if saved.LocalVersion != 1 {
		t.Errorf("LocalVersion = %d, want 1", saved.LocalVersion)
	}
	ops := f.ops(t)
	if len(ops) != 1 || ops[0].Type != models.OperationCreate {
		t.Errorf("queued ops = %+v, want one create", ops)
	}
}

// TestSaveLocal_callerVersion verifies a record known by version is queued as an update.
func TestSaveLocal_callerVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := &models.Inspection{ID: "i1", VehicleID: "v1"}
	in.LocalVersion = 5
	saved, err := f.repos.Inspections.SaveLocal(ctx, in)
	if err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	if saved.LocalVersion != 6 {
		t.Errorf("LocalVersion = %d, want 6", saved.LocalVersion)
	}
	if ops := f.ops(t); ops[0].Type != models.OperationUpdate {
		t.Errorf("op type = %s, want update", ops[0].Type)
	}
}

// TestSaveLocal_assignsID verifies new entities without an id get one.
func TestSaveLocal_assignsID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saved, err := f.repos.DamageReports.SaveLocal(ctx, &models.DamageReport{VehicleID: "v1", Severity: "minor"})
	if err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	if saved.ID != "entity-1" {
		t.Errorf("ID = %q, want entity-1", saved.ID)
	}
	if saved.Severity != "minor" {
		t.Errorf("Severity = %q, want fields kept", saved.Severity)
	}
	if _, ok, _ := f.repos.DamageReports.GetLocal(ctx, saved.ID); !ok {
		t.Error("GetLocal() should find the assigned id")
	}
}

// TestSaveLocal_triggersWhenOnline verifies an opportunistic sync is requested.
func TestSaveLocal_triggersWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trigger.online.Store(true)

	if _, err := f.repos.Vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1"}); err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	if err := f.repos.Vehicles.DeleteLocal(ctx, "v1"); err != nil {
		t.Fatalf("DeleteLocal() error = %v", err)
	}
	if n := f.trigger.triggers.Load(); n != 2 {
		t.Errorf("triggers = %d, want 2", n)
	}
}

// TestSaveLocal_keepsConflictStatus verifies edits to a conflicted record stay suspended.
func TestSaveLocal_keepsConflictStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Put(ctx, db.CollectionVehicles, &db.Record{
		ID: "v1", SyncStatus: models.SyncStatusConflict, LastUpdated: 1, LocalVersion: 3, Data: json.RawMessage(`{"id":"v1"}`),
	})

	saved, err := f.repos.Vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1", Make: "Ford"})
	if err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}
	if saved.SyncStatus != models.SyncStatusConflict || saved.LocalVersion != 4 {
		t.Errorf("control = %+v, want conflict v4", saved.SyncControl)
	}
}

// =====================================================
// Read Tests
// =====================================================

// TestGetPending verifies only unsent records are returned.
func TestGetPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.store.Put(ctx, db.CollectionVehicles, &db.Record{
		ID: "v0", SyncStatus: models.SyncStatusSynced, LastUpdated: 1, Data: json.RawMessage(`{"id":"v0","make":"Volvo"}`),
	})
	f.repos.Vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1"})

	pending, err := f.repos.Vehicles.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "v1" {
		t.Errorf("GetPending() = %+v, want v1 only", pending)
	}

	all, err := f.repos.Vehicles.GetAllLocal(ctx)
	if err != nil {
		t.Fatalf("GetAllLocal() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "v0" || all[0].Make != "Volvo" || all[0].SyncStatus != models.SyncStatusSynced {
		t.Errorf("GetAllLocal() = %+v", all)
	}
}

// TestGetLocal_missing verifies an absent record is reported without error.
func TestGetLocal_missing(t *testing.T) {
	f := newFixture(t)
	got, ok, err := f.repos.Inspections.GetLocal(context.Background(), "nope")
	if err != nil || ok || got != nil {
		t.Errorf("GetLocal() = %v, %v, %v, want nil, false, nil", got, ok, err)
	}
}

// =====================================================
// DeleteLocal Tests
// =====================================================

// TestDeleteLocal verifies the record is removed and a delete is queued.
func TestDeleteLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.repos.WorkOrders.SaveLocal(ctx, &models.WorkOrder{ID: "wo1"})
	if err := f.repos.WorkOrders.DeleteLocal(ctx, "wo1"); err != nil {
		t.Fatalf("DeleteLocal() error = %v", err)
	}

	if _, ok, _ := f.repos.WorkOrders.GetLocal(ctx, "wo1"); ok {
		t.Error("record should be gone locally")
	}
	ops := f.ops(t)
	if len(ops) != 2 || ops[1].Type != models.OperationDelete || ops[1].LocalVersion != 2 {
		t.Errorf("ops = %+v, want create then delete v2", ops)
	}

	if err := f.repos.WorkOrders.DeleteLocal(ctx, ""); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("DeleteLocal(\"\") error = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// ResolveConflict Tests
// =====================================================

func seedConflict(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	f.repos.Inspections.SaveLocal(ctx, &models.Inspection{ID: "i1", Notes: "local"})
	rec, _ := f.store.Get(ctx, db.CollectionInspections, "i1")
	rec.SyncStatus = models.SyncStatusConflict
	f.store.Put(ctx, db.CollectionInspections, rec)
	err := f.store.InsertConflict(ctx, &models.ConflictLog{
		ID:            "c1",
		EntityKind:    models.KindInspection,
		EntityID:      "i1",
		RemotePayload: json.RawMessage(`{"id":"i1","notes":"server"}`),
		Resolution:    models.ResolutionManualRequired,
		DetectedAt:    f.now.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}
}

// TestResolveConflict_keepRemote verifies the server copy replaces the local one.
func TestResolveConflict_keepRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedConflict(t, f)

	if err := f.repos.Inspections.ResolveConflict(ctx, "i1", false); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	got, _, _ := f.repos.Inspections.GetLocal(ctx, "i1")
	if got.Notes != "server" || got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("record = %+v, want synced server copy", got)
	}
	if ops := f.ops(t); len(ops) != 0 {
		t.Errorf("queued ops = %d, want 0", len(ops))
	}
	logs, _ := f.store.ListConflicts(ctx)
	if logs[0].Resolution != models.ResolutionKeptRemote || logs[0].ResolvedAt == 0 {
		t.Errorf("log = %+v, want kept_remote and resolved", logs[0])
	}
}

// TestResolveConflict_keepLocal verifies the queued push is re-armed.
func TestResolveConflict_keepLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedConflict(t, f)

	if err := f.repos.Inspections.ResolveConflict(ctx, "i1", true); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	got, _, _ := f.repos.Inspections.GetLocal(ctx, "i1")
	if got.Notes != "local" || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("record = %+v, want pending local copy", got)
	}
	if ops := f.ops(t); len(ops) != 1 {
		t.Errorf("queued ops = %d, want original create kept", len(ops))
	}

	err := f.repos.Inspections.ResolveConflict(ctx, "i1", true)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second ResolveConflict() error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Untyped Tests
// =====================================================

// TestRepositories_For verifies kind dispatch and raw JSON saves.
func TestRepositories_For(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	repo, err := f.repos.For(models.KindDamageReport)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	saved, err := repo.SaveJSON(ctx, json.RawMessage(`{"id":"d1","vehicleId":"v1","severity":"severe"}`))
	if err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}
	if saved.EntityID() != "d1" || saved.Control().SyncStatus != models.SyncStatusPending {
		t.Errorf("saved = %+v", saved)
	}

	got, ok, err := repo.GetEntity(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("GetEntity() = %v, %v, %v", got, ok, err)
	}
	if got.(*models.DamageReport).Severity != "severe" {
		t.Errorf("Severity = %q, want severe", got.(*models.DamageReport).Severity)
	}

	all, _ := repo.ListEntities(ctx)
	if len(all) != 1 {
		t.Errorf("ListEntities() = %d entities, want 1", len(all))
	}

	if _, err := repo.SaveJSON(ctx, json.RawMessage(`{not json`)); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("SaveJSON(bad) error = %v, want INVALID_INPUT", err)
	}
	if _, err := f.repos.For("truck"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("For(truck) error = %v, want INVALID_INPUT", err)
	}
}
