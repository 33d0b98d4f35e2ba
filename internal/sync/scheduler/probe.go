package scheduler

import (
	"context"
	"time"

	"github.com/fleetops/fieldsync/internal/logging"
)

// DefaultProbeInterval is how often ProbeSource checks the server.
const DefaultProbeInterval = 30 * time.Second

// Pinger checks that the server is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeSource derives connectivity from periodic server health checks.
type ProbeSource struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewProbeSource creates a ProbeSource. Each probe is bounded by the interval.
func NewProbeSource(p Pinger, interval time.Duration) *ProbeSource {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &ProbeSource{pinger: p, interval: interval, timeout: interval}
}

// Run probes immediately, reports the initial state, then reports only transitions.
func (p *ProbeSource) Run(ctx context.Context, report func(online bool)) error {
	online := p.probe(ctx)
	report(online)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := p.probe(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if now == online {
				continue
			}
			online = now
			logging.Info("Connectivity changed", map[string]interface{}{"online": online})
			report(online)
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(ctx); err != nil {
		logging.Debug("Server probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}
