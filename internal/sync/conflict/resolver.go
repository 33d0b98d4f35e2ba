// Package conflict detects concurrent local and server edits during pull.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetops/fieldsync/internal/db"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// ParseStrategy maps a config value to a strategy. Empty selects last-write-wins.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case "", ResolutionStrategyLastWriteWins:
		return ResolutionStrategyLastWriteWins, nil
	case ResolutionStrategyManual:
		return ResolutionStrategyManual, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Action tells the pull phase what to do with the local record.
type Action string

const (
	// ActionKeepLocal leaves the pending local record untouched; it is pushed next attempt.
	ActionKeepLocal Action = "keep_local"
	// ActionMarkConflict flips the local record to conflict status until resolved.
	ActionMarkConflict Action = "mark_conflict"
)

// Conflict is a pending local record that the server changed after the local edit.
type Conflict struct {
	Kind            models.EntityKind
	EntityID        string
	Local           *db.Record
	RemotePayload   json.RawMessage
	RemoteTimestamp int64
	DetectedAt      int64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Action      Action
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog
}

// Resolver handles conflict detection and resolution during pull.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
	ids      uuid.Generator
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
		ids:      uuid.RandomGenerator{},
	}
}

// WithClock sets the time source for DetectedAt.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// WithIDGenerator sets the conflict log id generator.
func (r *Resolver) WithIDGenerator(g uuid.Generator) *Resolver {
	r.ids = g
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// DetectConflict reports whether a pulled server record conflicts with the local one.
// Only local records with unsent edits can conflict, and only when the server
// copy was updated after the local edit.
func (r *Resolver) DetectConflict(kind models.EntityKind, local *db.Record, remote json.RawMessage, remoteUpdated int64) (*Conflict, bool) {
	if local == nil {
		return nil, false
	}
	if local.SyncStatus != models.SyncStatusPending && local.SyncStatus != models.SyncStatusConflict {
		return nil, false
	}
	if remoteUpdated <= local.LastUpdated {
		return nil, false
	}

	c := &Conflict{
		Kind:            kind,
		EntityID:        local.ID,
		Local:           local,
		RemotePayload:   remote,
		RemoteTimestamp: remoteUpdated,
		DetectedAt:      r.now().UnixMilli(),
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"entity_kind":      kind,
			"entity_id":        local.ID,
			"local_timestamp":  local.LastUpdated,
			"remote_timestamp": remoteUpdated,
			"local_version":    local.LocalVersion,
		})

	return c, true
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.EntityID {
		return nil, ErrItemIDMismatch
	}

	switch r.strategy {
	case ResolutionStrategyManual:
		return r.resolveManual(c), nil
	default:
		return r.resolveLastWriteWins(c), nil
	}
}

// resolveLastWriteWins keeps the local pending edit: it was written last from
// this device's point of view and its push will overwrite the server copy.
func (r *Resolver) resolveLastWriteWins(c *Conflict) *ResolveResult {
	log := r.newLog(c, models.ResolutionLocalPendingKept)

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"entity_kind":      c.Kind,
			"entity_id":        c.EntityID,
			"winner_side":      "local",
			"local_timestamp":  c.Local.LastUpdated,
			"remote_timestamp": c.RemoteTimestamp,
			"resolution":       log.Resolution,
		})

	return &ResolveResult{
		Action:      ActionKeepLocal,
		Strategy:    ResolutionStrategyLastWriteWins,
		ConflictLog: log,
	}
}

// resolveManual suspends the entity and stores the server copy for review.
func (r *Resolver) resolveManual(c *Conflict) *ResolveResult {
	log := r.newLog(c, models.ResolutionManualRequired)
	log.RemotePayload = c.RemotePayload

	logging.Warn("Conflict queued for manual review",
		map[string]interface{}{
			"entity_kind":      c.Kind,
			"entity_id":        c.EntityID,
			"local_timestamp":  c.Local.LastUpdated,
			"remote_timestamp": c.RemoteTimestamp,
			"resolution":       log.Resolution,
		})

	return &ResolveResult{
		Action:      ActionMarkConflict,
		Strategy:    ResolutionStrategyManual,
		ConflictLog: log,
	}
}

func (r *Resolver) newLog(c *Conflict, resolution string) *models.ConflictLog {
	detected := c.DetectedAt
	if detected == 0 {
		detected = r.now().UnixMilli()
	}
	return &models.ConflictLog{
		ID:              r.ids.New(),
		EntityKind:      c.Kind,
		EntityID:        c.EntityID,
		LocalTimestamp:  c.Local.LastUpdated,
		RemoteTimestamp: c.RemoteTimestamp,
		LocalVersion:    c.Local.LocalVersion,
		Resolution:      resolution,
		DetectedAt:      detected,
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local record must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "entity ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
