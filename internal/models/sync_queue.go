package models

import (
	"encoding/json"
	"net/http"
)

// OperationType is the mutation a queued operation carries to the server.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// HTTPMethod returns the REST verb used to push the operation.
func (t OperationType) HTTPMethod() string {
	switch t {
	case OperationCreate:
		return http.MethodPost
	case OperationUpdate:
		return http.MethodPut
	case OperationDelete:
		return http.MethodDelete
	}
	return ""
}

// SyncOperation represents a pending mutation awaiting transmission.
type SyncOperation struct {
	ID           string          `db:"id" json:"id"`
	Type         OperationType   `db:"type" json:"type"`
	EntityKind   EntityKind      `db:"entity_kind" json:"entityKind"`
	EntityID     string          `db:"entity_id" json:"entityId"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	Priority     int             `db:"priority" json:"priority"`   // 1=highest ... 5=lowest
	Timestamp    int64           `db:"timestamp" json:"timestamp"` // epoch milliseconds
	RetryCount   int             `db:"retry_count" json:"retryCount"`
	Error        string          `db:"error" json:"error,omitempty"`
	LocalVersion int64           `db:"local_version" json:"localVersion"` // entity version the payload captured
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_queue"
}
