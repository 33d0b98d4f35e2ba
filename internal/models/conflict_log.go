package models

import (
	"encoding/json"
	"time"
)

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionLocalPendingKept = "local_pending_kept"
	ResolutionManualRequired   = "manual_review_required"
	ResolutionKeptLocal        = "kept_local"
	ResolutionKeptRemote       = "kept_remote"
)

// ConflictLog records a concurrent edit detected during pull.
type ConflictLog struct {
	ID              string          `db:"id" json:"id"`
	EntityKind      EntityKind      `db:"entity_kind" json:"entityKind"`
	EntityID        string          `db:"entity_id" json:"entityId"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"localTimestamp"`
	RemoteTimestamp int64           `db:"remote_timestamp" json:"remoteTimestamp"`
	LocalVersion    int64           `db:"local_version" json:"localVersion"`
	RemotePayload   json.RawMessage `db:"remote_payload" json:"remotePayload,omitempty"`
	Resolution      string          `db:"resolution" json:"resolution"`
	DetectedAt      int64           `db:"detected_at" json:"detectedAt"`
	ResolvedAt      int64           `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// Open reports whether the conflict still awaits a decision.
func (c *ConflictLog) Open() bool {
	return c.ResolvedAt == 0 && c.Resolution == ResolutionManualRequired
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
