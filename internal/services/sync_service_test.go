// Package services tests for the offline sync service lifecycle.
package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetops/fieldsync/internal/config"
	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/metrics"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/sync/notify"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type echoServer struct {
	pushes atomic.Int32
	auth   atomic.Value
	down   atomic.Bool
}

func (e *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	e.auth.Store(r.Header.Get("Authorization"))
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		w.Write([]byte("[]"))
	default:
		e.pushes.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}
}

func newTestService(t *testing.T, mutate func(*config.Config)) (*OfflineSyncService, *echoServer) {
	t.Helper()
	remote := &echoServer{}
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	cfg := config.Default(t.TempDir())
	cfg.API.BaseURL = srv.URL
	cfg.Connectivity.AssumeOnline = true
	if mutate != nil {
		mutate(cfg)
	}

	svc := New(cfg, WithIDGenerator(uuid.NewSequenceGenerator("id")), WithMetrics(metrics.New()))
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { svc.Dispose() })
	return svc, remote
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestInit_storeFailure verifies an unusable data dir yields STORE_INIT_FAILED.
func TestInit_storeFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	os.WriteFile(file, []byte("x"), 0o644)

	svc := New(config.Default(file))
	err := svc.Init(context.Background())
	if !apperrors.Is(err, apperrors.ErrStoreInit) {
		t.Fatalf("Init() error = %v, want STORE_INIT_FAILED", err)
	}
	if svc.Repositories() != nil {
		t.Error("Repositories() should be nil after a failed Init")
	}
	if _, err := svc.SyncNow(context.Background()); !apperrors.Is(err, apperrors.ErrStoreInit) {
		t.Errorf("SyncNow() error = %v, want not initialized", err)
	}
}

// TestInit_invalidConfig verifies configuration is validated first.
func TestInit_invalidConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Sync.ConflictStrategy = "coin_flip"

	if err := New(cfg).Init(context.Background()); !apperrors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Init() error = %v, want CONFIG_INVALID", err)
	}
}

// TestDispose_idempotent verifies Dispose can be called repeatedly.
func TestDispose_idempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if err := svc.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := svc.Dispose(); err != nil {
		t.Errorf("second Dispose() error = %v", err)
	}
	if _, err := svc.Status(context.Background()); err == nil {
		t.Error("Status() after Dispose should fail")
	}
}

// =====================================================
// Sync Tests
// =====================================================

// TestSyncNow_pushesLocalChanges verifies the end-to-end save then sync path.
func TestSyncNow_pushesLocalChanges(t *testing.T) {
	ctx := context.Background()
	svc, remote := newTestService(t, func(c *config.Config) {
		// keep opportunistic syncs out of the way
		c.Connectivity.AssumeOnline = false
	})

	var states []notify.State
	svc.Subscribe(func(s notify.Status) { states = append(states, s.Status) })

	vehicles := svc.Repositories().Vehicles
	if _, err := vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1", Make: "Ford"}); err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Online || st.QueueSize != 1 || st.Counts["vehicles"] != 1 || st.State != notify.StateOffline {
		t.Errorf("Status() = %+v, want offline with one queued op", st)
	}

	if !svc.CheckConnectivity(ctx) {
		t.Fatal("CheckConnectivity() = false with a healthy server")
	}
	result, err := svc.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Pushed != 1 || remote.pushes.Load() != 1 {
		t.Errorf("Pushed = %d, server pushes = %d, want 1", result.Pushed, remote.pushes.Load())
	}

	st, _ = svc.Status(ctx)
	if st.QueueSize != 0 || st.State != notify.StateSynced || st.LastSync == nil {
		t.Errorf("Status() = %+v, want synced and empty queue", st)
	}
	got, _, _ := vehicles.GetLocal(ctx, "v1")
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("SyncStatus = %s, want synced", got.SyncStatus)
	}
	if len(states) < 2 || states[len(states)-1] != notify.StateSynced {
		t.Errorf("states = %v, want ending in synced", states)
	}
}

// TestCheckConnectivity_serverDown verifies a failed probe takes the engine offline.
func TestCheckConnectivity_serverDown(t *testing.T) {
	ctx := context.Background()
	svc, remote := newTestService(t, func(c *config.Config) { c.Connectivity.AssumeOnline = false })
	remote.down.Store(true)

	if svc.CheckConnectivity(ctx) {
		t.Error("CheckConnectivity() = true with a failing server")
	}
	result, err := svc.SyncNow(ctx)
	if err != nil || !result.Skipped {
		t.Errorf("SyncNow() = %+v, %v, want skipped", result, err)
	}
}

// TestTokenFile verifies the bearer token is read from api.token_file.
func TestTokenFile(t *testing.T) {
	ctx := context.Background()
	tokenPath := filepath.Join(t.TempDir(), "token")
	os.WriteFile(tokenPath, []byte("s3cret\n"), 0o600)

	svc, remote := newTestService(t, func(c *config.Config) { c.API.TokenFile = tokenPath })
	if _, err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if got, _ := remote.auth.Load().(string); got != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want Bearer s3cret", got)
	}
}

// TestStart_periodic verifies the monitor triggers attempts in the background.
func TestStart_periodic(t *testing.T) {
	ctx := context.Background()
	svc, remote := newTestService(t, func(c *config.Config) {
		c.Sync.Interval = config.Duration{Duration: 20 * time.Millisecond}
	})
	svc.Engine().SetOnline(false)
	svc.Repositories().WorkOrders.SaveLocal(ctx, &models.WorkOrder{ID: "wo1"})
	svc.Engine().SetOnline(true)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for remote.pushes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no push before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !svc.Monitor().Status().Running {
		t.Error("monitor should be running")
	}
}

// =====================================================
// Data Management Tests
// =====================================================

// TestForgetLocalData verifies every collection, the queue and the watermark are cleared.
func TestForgetLocalData(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, func(c *config.Config) { c.Connectivity.AssumeOnline = false })

	repos := svc.Repositories()
	repos.Vehicles.SaveLocal(ctx, &models.Vehicle{ID: "v1"})
	repos.Inspections.SaveLocal(ctx, &models.Inspection{ID: "i1"})

	if err := svc.ForgetLocalData(ctx); err != nil {
		t.Fatalf("ForgetLocalData() error = %v", err)
	}

	st, _ := svc.Status(ctx)
	if st.QueueSize != 0 {
		t.Errorf("QueueSize = %d, want 0", st.QueueSize)
	}
	for c, n := range st.Counts {
		if n != 0 {
			t.Errorf("Counts[%s] = %d, want 0", c, n)
		}
	}
}

// TestResolveConflict_unknown verifies resolving without an open conflict fails.
func TestResolveConflict_unknown(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	if err := svc.ResolveConflict(ctx, models.KindVehicle, "v1", true); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("ResolveConflict() error = %v, want NOT_FOUND", err)
	}
	if err := svc.ResolveConflict(ctx, "truck", "v1", true); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("ResolveConflict(truck) error = %v, want INVALID_INPUT", err)
	}
	conflicts, err := svc.Conflicts(ctx)
	if err != nil || len(conflicts) != 0 {
		t.Errorf("Conflicts() = %v, %v, want none", conflicts, err)
	}
}

// TestStatus_JSON verifies the snapshot encodes with camelCase keys.
func TestStatus_JSON(t *testing.T) {
	svc, _ := newTestService(t, nil)
	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	raw, _ := json.Marshal(st)
	for _, key := range []string{`"state"`, `"queueSize"`, `"queue"`, `"counts"`, `"vehicles"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("Status JSON %s missing %s", raw, key)
		}
	}
}

// TestStatus_queueBreakdown verifies queued operations are summarized per kind.
func TestStatus_queueBreakdown(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	q := svc.Queue()
	q.Enqueue(ctx, q.NewOperation(models.OperationCreate, models.KindDamageReport, "d1", []byte(`{"id":"d1"}`), 1))
	q.Enqueue(ctx, q.NewOperation(models.OperationDelete, models.KindVehicle, "v1", nil, 2))

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.QueueSize != 2 || st.Queue.Total != 2 {
		t.Errorf("QueueSize = %d, Queue.Total = %d, want 2", st.QueueSize, st.Queue.Total)
	}
	if st.Queue.ByKind[models.KindDamageReport] != 1 || st.Queue.ByType[models.OperationDelete] != 1 {
		t.Errorf("Queue = %+v, want per-kind and per-type counts", st.Queue)
	}
}
