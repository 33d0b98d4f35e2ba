// Package models provides data model definitions for the field sync store.
package models

import "fmt"

// SyncStatus records whether a local record matches the last known server state.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict:
		return true
	}
	return false
}

// SyncControl is embedded in every entity record.
type SyncControl struct {
	SyncStatus   SyncStatus `db:"sync_status" json:"syncStatus"`
	LastUpdated  int64      `db:"last_updated" json:"lastUpdated"` // epoch milliseconds
	LocalVersion int64      `db:"local_version" json:"localVersion"`
}

// Control returns the sync-control fields. Promoted to every embedding entity.
func (c *SyncControl) Control() *SyncControl {
	return c
}

// Entity is implemented by pointers to the four record types.
type Entity interface {
	EntityID() string
	Kind() EntityKind
	Control() *SyncControl
}

// EntityKind names a synchronized entity type.
type EntityKind string

const (
	KindVehicle      EntityKind = "vehicle"
	KindWorkOrder    EntityKind = "workOrder"
	KindInspection   EntityKind = "inspection"
	KindDamageReport EntityKind = "damageReport"
)

// PullOrder is the fixed order in which server deltas are fetched.
var PullOrder = []EntityKind{KindVehicle, KindWorkOrder, KindInspection, KindDamageReport}

// LowestPriority is assigned to kinds without a configured priority.
const LowestPriority = 5

var kindPriority = map[EntityKind]int{
	KindDamageReport: 1,
	KindInspection:   2,
	KindWorkOrder:    3,
	KindVehicle:      4,
}

// Priority returns the queue priority for the kind; 1 is drained first.
func (k EntityKind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return LowestPriority
}

// Collection returns the durable collection (and REST resource) name for the kind.
func (k EntityKind) Collection() string {
	return string(k) + "s"
}

// Valid reports whether k is one of the four synchronized kinds.
func (k EntityKind) Valid() bool {
	_, ok := kindPriority[k]
	return ok
}

// ParseKind accepts a kind ("workOrder") or a collection name ("workOrders").
func ParseKind(s string) (EntityKind, error) {
	for _, k := range PullOrder {
		if s == string(k) || s == k.Collection() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// NewEntity returns an empty record for the kind.
func NewEntity(k EntityKind) (Entity, error) {
	switch k {
	case KindVehicle:
		return &Vehicle{}, nil
	case KindWorkOrder:
		return &WorkOrder{}, nil
	case KindInspection:
		return &Inspection{}, nil
	case KindDamageReport:
		return &DamageReport{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", k)
}
