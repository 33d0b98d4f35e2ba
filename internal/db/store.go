package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
)

// Collection names of the durable entity collections.
const (
	CollectionVehicles      = "vehicles"
	CollectionWorkOrders    = "workOrders"
	CollectionInspections   = "inspections"
	CollectionDamageReports = "damageReports"
)

var collectionTables = map[string]string{
	CollectionVehicles:      "vehicles",
	CollectionWorkOrders:    "work_orders",
	CollectionInspections:   "inspections",
	CollectionDamageReports: "damage_reports",
}

// Collections returns the entity collection names in pull order.
func Collections() []string {
	return []string{CollectionVehicles, CollectionWorkOrders, CollectionInspections, CollectionDamageReports}
}

// Secondary indexes accepted by GetAllByIndex.
const (
	IndexSyncStatus  = "syncStatus"
	IndexLastUpdated = "lastUpdated"
)

var indexColumns = map[string]string{
	IndexSyncStatus:  "sync_status",
	IndexLastUpdated: "last_updated",
}

// Record is one stored entity: the sync-control columns plus the entity JSON.
type Record struct {
	ID           string
	SyncStatus   models.SyncStatus
	LastUpdated  int64
	LocalVersion int64
	Data         json.RawMessage
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides collection-level persistence over the database.
type Store struct {
	db   *DB
	q    querier
	inTx bool
	now  func() time.Time
}

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.DB, now: time.Now}
}

// WithClock returns a copy of the store that stamps metadata with now.
func (s *Store) WithClock(now func() time.Time) *Store {
	c := *s
	c.now = now
	return &c
}

// InTx runs fn against a store bound to a single transaction. Nested calls reuse it.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, inTx: true, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit transaction", err)
	}
	return nil
}

func tableFor(collection string) (string, error) {
	table, ok := collectionTables[collection]
	if !ok {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}
	return table, nil
}

func dbError(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// =====================================================
// Entity collections
// =====================================================

// Put inserts or replaces a record by id.
func (s *Store) Put(ctx context.Context, collection string, rec *Record) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if !rec.SyncStatus.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid sync status %q", rec.SyncStatus))
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, sync_status, last_updated, local_version, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_status = excluded.sync_status,
		last_updated = excluded.last_updated,
		local_version = excluded.local_version,
		data = excluded.data
	`, table)
	if _, err := s.q.ExecContext(ctx, query, rec.ID, rec.SyncStatus, rec.LastUpdated, rec.LocalVersion, string(rec.Data)); err != nil {
		return dbError("put "+collection, err)
	}
	return nil
}

// Get returns the record with id, or nil if absent.
func (s *Store) Get(ctx context.Context, collection, id string) (*Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, sync_status, last_updated, local_version, data FROM %s WHERE id = ?`, table)
	rec, err := scanRecord(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get "+collection, err)
	}
	return rec, nil
}

// GetAll returns a snapshot of every record, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]*Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, sync_status, last_updated, local_version, data FROM %s ORDER BY id`, table)
	return s.queryRecords(ctx, collection, query)
}

// GetAllByIndex returns every record ordered by a secondary index, then id.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string) ([]*Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	column, ok := indexColumns[index]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown index %q", index))
	}
	query := fmt.Sprintf(`SELECT id, sync_status, last_updated, local_version, data FROM %s ORDER BY %s, id`, table, column)
	return s.queryRecords(ctx, collection, query)
}

// GetAllByStatus returns the records with the given sync status, oldest first.
func (s *Store) GetAllByStatus(ctx context.Context, collection string, status models.SyncStatus) ([]*Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, sync_status, last_updated, local_version, data FROM %s WHERE sync_status = ? ORDER BY last_updated, id`, table)
	return s.queryRecords(ctx, collection, query, status)
}

// Delete removes the record with id. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return dbError("delete "+collection, err)
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	table, err := tableFor(collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, dbError("count "+collection, err)
	}
	return n, nil
}

// Clear empties the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return dbError("clear "+collection, err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, collection, query string, args ...any) ([]*Record, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list "+collection, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, dbError("scan "+collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list "+collection, err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var data string
	if err := row.Scan(&rec.ID, &rec.SyncStatus, &rec.LastUpdated, &rec.LocalVersion, &data); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}
