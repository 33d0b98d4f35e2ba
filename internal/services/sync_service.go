// Package services wires the durable store, queue, engine and monitor into
// the offline sync service applications talk to.
package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fleetops/fieldsync/internal/config"
	"github.com/fleetops/fieldsync/internal/db"
	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/metrics"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/repository"
	syncpkg "github.com/fleetops/fieldsync/internal/sync"
	"github.com/fleetops/fieldsync/internal/sync/conflict"
	"github.com/fleetops/fieldsync/internal/sync/notify"
	"github.com/fleetops/fieldsync/internal/sync/queue"
	"github.com/fleetops/fieldsync/internal/sync/remote"
	"github.com/fleetops/fieldsync/internal/sync/scheduler"
	"github.com/fleetops/fieldsync/internal/uuid"
)

var _ syncpkg.Metrics = (*metrics.Metrics)(nil)

// Version is set at build time.
var Version = "0.1.0"

// ErrNotInitialized is returned by operations called before Init or after Dispose.
var ErrNotInitialized = apperrors.New(apperrors.ErrStoreInit, "sync service is not initialized")

// Option configures an OfflineSyncService.
type Option func(*OfflineSyncService)

// WithClock sets the time source for every component.
func WithClock(now func() time.Time) Option {
	return func(s *OfflineSyncService) { s.now = now }
}

// WithHTTPClient replaces the HTTP client used for the fleet API.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *OfflineSyncService) { s.httpClient = hc }
}

// WithTokenSource replaces the bearer token source from api.token_file.
func WithTokenSource(ts remote.TokenSource) Option {
	return func(s *OfflineSyncService) { s.tokens = ts }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *OfflineSyncService) { s.metrics = m }
}

// WithIDGenerator sets the generator for operation, conflict and entity ids.
func WithIDGenerator(g uuid.Generator) Option {
	return func(s *OfflineSyncService) { s.ids = g }
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	State         notify.State   `json:"state"`
	Online        bool           `json:"online"`
	Syncing       bool           `json:"syncing"`
	QueueSize     int            `json:"queueSize"`
	Queue         *queue.Stats   `json:"queue"`
	OpenConflicts int            `json:"openConflicts"`
	LastSync      *time.Time     `json:"lastSync,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	Counts        map[string]int `json:"counts"`
}

// OfflineSyncService owns every sync component and their lifecycle.
type OfflineSyncService struct {
	cfg        *config.Config
	now        func() time.Time
	httpClient *http.Client
	tokens     remote.TokenSource
	metrics    *metrics.Metrics
	ids        uuid.Generator

	mu          sync.RWMutex
	initialized bool
	database    *db.DB
	store       *db.Store
	queue       *queue.SyncQueue
	client      *remote.Client
	notifier    *notify.Notifier
	engine      *syncpkg.Engine
	repos       *repository.Repositories
	monitor     *scheduler.Monitor
	closers     []io.Closer
}

// New creates an uninitialized service.
func New(cfg *config.Config, opts ...Option) *OfflineSyncService {
	s := &OfflineSyncService{
		cfg:      cfg,
		now:      time.Now,
		ids:      uuid.RandomGenerator{},
		notifier: notify.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init opens the durable store and builds the engine. Any store failure is
// returned as STORE_INIT_FAILED and leaves the service unusable.
func (s *OfflineSyncService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	database, err := db.Open(s.cfg.DataDir)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStoreInit) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrStoreInit, "open store", err)
	}

	tokens := s.tokens
	var closers []io.Closer
	if tokens == nil {
		tokens, closers, err = s.openTokens()
		if err != nil {
			database.Close()
			return err
		}
	}

	store := db.NewStore(database).WithClock(s.now)
	q := queue.New(store,
		queue.WithMaxRetries(s.cfg.Sync.MaxRetries),
		queue.WithClock(s.now),
		queue.WithIDGenerator(s.ids),
		queue.WithDropHandler(func(op *models.SyncOperation, cause error) {
			logging.Warn("Local change discarded after retries", map[string]interface{}{
				"entity_kind": op.EntityKind,
				"entity_id":   op.EntityID,
				"operation":   op.Type,
			})
		}),
	)

	clientOpts := []remote.ClientOption{
		remote.WithProbeURL(s.cfg.ProbeURL()),
		remote.WithUserAgent("fieldsync/" + Version),
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(s.httpClient))
	}
	clientOpts = append(clientOpts, remote.WithTimeout(s.cfg.API.Timeout.Duration))
	client := remote.NewClient(s.cfg.API.BaseURL, tokens, clientOpts...)

	var engineMetrics syncpkg.Metrics
	if s.metrics != nil {
		engineMetrics = s.metrics
	}
	resolver := conflict.NewResolver(s.cfg.Strategy()).WithClock(s.now).WithIDGenerator(s.ids)
	engine := syncpkg.NewEngine(store, q, client, s.notifier, syncpkg.Options{
		Online:   s.cfg.Connectivity.AssumeOnline,
		Clock:    s.now,
		Resolver: resolver,
		Metrics:  engineMetrics,
	})

	monitorCfg := &scheduler.Config{SyncInterval: s.cfg.Sync.Interval.Duration}
	if !s.cfg.Connectivity.AssumeOnline {
		monitorCfg.Sources = []scheduler.ConnectivitySource{
			scheduler.NewProbeSource(client, s.cfg.Connectivity.ProbeInterval.Duration),
		}
	}

	s.database = database
	s.store = store
	s.queue = q
	s.client = client
	s.engine = engine
	s.closers = closers
	s.monitor = scheduler.NewMonitor(engine, monitorCfg)
	s.repos = repository.NewRepositories(repository.Deps{
		Store:   store,
		Queue:   q,
		Trigger: engine,
		Clock:   s.now,
		IDs:     s.ids,
	})
	s.initialized = true

	logging.Info("Offline sync service initialized", map[string]interface{}{
		"data_dir":          s.cfg.DataDir,
		"base_url":          s.cfg.API.BaseURL,
		"conflict_strategy": s.cfg.Strategy(),
		"assume_online":     s.cfg.Connectivity.AssumeOnline,
	})
	return nil
}

func (s *OfflineSyncService) openTokens() (remote.TokenSource, []io.Closer, error) {
	if s.cfg.API.TokenFile == "" {
		return remote.StaticTokenSource(""), nil, nil
	}
	fts, err := remote.NewFileTokenSource(s.cfg.API.TokenFile)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrConfig, "open token file", err)
	}
	return fts, []io.Closer{fts}, nil
}

// Start runs the connectivity monitor and periodic trigger until Dispose.
func (s *OfflineSyncService) Start(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.monitor.Start(ctx)
	if s.engine.IsOnline() {
		s.engine.TriggerSync(ctx)
	}
	return nil
}

// Dispose stops background work, waits for an in-flight attempt and closes the store.
func (s *OfflineSyncService) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false

	s.monitor.Stop()
	s.engine.Wait()

	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.database.Close())

	logging.Info("Offline sync service disposed", nil)
	return errors.Join(errs...)
}

func (s *OfflineSyncService) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Repositories returns the entity repositories, or nil before Init.
func (s *OfflineSyncService) Repositories() *repository.Repositories {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repos
}

// Engine returns the sync engine, or nil before Init.
func (s *OfflineSyncService) Engine() *syncpkg.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Queue returns the sync queue, or nil before Init.
func (s *OfflineSyncService) Queue() *queue.SyncQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Monitor returns the connectivity monitor, or nil before Init.
func (s *OfflineSyncService) Monitor() *scheduler.Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

// Notifier returns the status notifier. It is usable before Init.
func (s *OfflineSyncService) Notifier() *notify.Notifier {
	return s.notifier
}

// Subscribe registers fn for sync status changes.
func (s *OfflineSyncService) Subscribe(fn func(notify.Status)) (unsubscribe func()) {
	return s.notifier.Subscribe(fn)
}

// SetOnline forwards a platform connectivity signal.
func (s *OfflineSyncService) SetOnline(online bool) {
	if s.ready() != nil {
		return
	}
	s.monitor.SetOnline(online)
}

// CheckConnectivity probes the server once and records the result.
func (s *OfflineSyncService) CheckConnectivity(ctx context.Context) bool {
	if err := s.ready(); err != nil {
		return false
	}
	if s.cfg.Connectivity.AssumeOnline {
		return true
	}
	online := s.client.Ping(ctx) == nil
	s.engine.SetOnline(online)
	return online
}

// SyncNow runs one attempt and waits for it.
func (s *OfflineSyncService) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.engine.SyncWhenOnline(ctx)
}

// Status returns a snapshot of the service.
func (s *OfflineSyncService) Status(ctx context.Context) (*Status, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	st := &Status{
		State:    s.engine.State(),
		Online:   s.engine.IsOnline(),
		Syncing:  s.engine.IsSyncing(),
		LastSync: s.engine.LastSync(),
		Counts:   make(map[string]int),
	}
	if err := s.engine.LastError(); err != nil {
		st.LastError = err.Error()
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = stats
	st.QueueSize = stats.Total
	for _, c := range db.Collections() {
		n, err := s.store.Count(ctx, c)
		if err != nil {
			return nil, err
		}
		st.Counts[c] = n
	}
	open, err := s.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		return nil, err
	}
	st.OpenConflicts = len(open)
	return st, nil
}

// Conflicts returns conflicts awaiting a manual decision.
func (s *OfflineSyncService) Conflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ListUnresolvedConflicts(ctx)
}

// ResolveConflict settles the open conflict of one entity.
func (s *OfflineSyncService) ResolveConflict(ctx context.Context, kind models.EntityKind, id string, keepLocal bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	repo, err := s.repos.For(kind)
	if err != nil {
		return err
	}
	return repo.ResolveConflict(ctx, id, keepLocal)
}

// ForgetLocalData deletes every local record, queued operation, conflict
// and the sync watermark. Unsynced changes are lost.
func (s *OfflineSyncService) ForgetLocalData(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.engine.IsSyncing() {
		return apperrors.New(apperrors.ErrSyncFailed, "cannot clear local data while a sync is running")
	}

	err := s.store.InTx(ctx, func(tx *db.Store) error {
		for _, c := range db.Collections() {
			if err := tx.Clear(ctx, c); err != nil {
				return err
			}
		}
		if err := tx.ClearOperations(ctx); err != nil {
			return err
		}
		if err := tx.ClearConflicts(ctx); err != nil {
			return err
		}
		return tx.ClearMetadata(ctx)
	})
	if err != nil {
		return err
	}

	logging.Warn("Local data cleared", map[string]interface{}{"data_dir": s.cfg.DataDir})
	return nil
}
