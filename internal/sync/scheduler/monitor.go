// Package scheduler turns connectivity signals and a periodic timer into sync attempts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/fieldsync/internal/logging"
)

// DefaultSyncInterval is the periodic trigger interval.
const DefaultSyncInterval = 5 * time.Minute

// Engine is the slice of the sync engine the monitor drives.
type Engine interface {
	SetOnline(online bool)
	IsOnline() bool
	IsSyncing() bool
	TriggerSync(ctx context.Context) bool
}

// ConnectivitySource reports online/offline transitions until ctx is done.
type ConnectivitySource interface {
	Run(ctx context.Context, report func(online bool)) error
}

// Config holds monitor configuration.
type Config struct {
	SyncInterval time.Duration // periodic trigger, default 5 minutes
	Sources      []ConnectivitySource
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{SyncInterval: DefaultSyncInterval}
}

// Monitor manages background sync triggers.
type Monitor struct {
	engine   Engine
	sources  []ConnectivitySource
	interval time.Duration

	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool
	triggers    int
	lastTrigger time.Time
}

// Status is a snapshot of the monitor.
type Status struct {
	Running     bool
	Online      bool
	Syncing     bool
	Triggers    int
	LastTrigger *time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(engine Engine, cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Monitor{
		engine:   engine,
		sources:  cfg.Sources,
		interval: interval,
	}
}

// Start launches the periodic loop and every connectivity source.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1 + len(m.sources))
	go m.periodicLoop(runCtx)
	for _, src := range m.sources {
		go m.runSource(runCtx, src)
	}

	logging.Info("Sync monitor started", map[string]interface{}{
		"interval_seconds": m.interval.Seconds(),
		"sources":          len(m.sources),
	})
}

// Stop cancels the loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	logging.Info("Sync monitor stopped", nil)
}

// SetOnline forwards a platform connectivity signal. Going online triggers
// an attempt immediately.
func (m *Monitor) SetOnline(online bool) {
	m.engine.SetOnline(online)
	if online {
		m.trigger("online")
	}
}

// Status returns the current monitor status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Running:  m.running,
		Online:   m.engine.IsOnline(),
		Syncing:  m.engine.IsSyncing(),
		Triggers: m.triggers,
	}
	if !m.lastTrigger.IsZero() {
		last := m.lastTrigger
		s.LastTrigger = &last
	}
	return s
}

func (m *Monitor) periodicLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.engine.IsOnline() {
				continue
			}
			if m.engine.IsSyncing() {
				logging.Debug("Sync already in progress, skipping tick", nil)
				continue
			}
			m.trigger("timer")
		}
	}
}

func (m *Monitor) runSource(ctx context.Context, src ConnectivitySource) {
	defer m.wg.Done()
	if err := src.Run(ctx, m.SetOnline); err != nil && ctx.Err() == nil {
		logging.Error("Connectivity source stopped", err, nil)
	}
}

func (m *Monitor) trigger(reason string) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if !m.engine.TriggerSync(ctx) {
		return
	}

	m.mu.Lock()
	m.triggers++
	m.lastTrigger = time.Now()
	m.mu.Unlock()

	logging.Debug("Sync triggered", map[string]interface{}{"reason": reason})
}
