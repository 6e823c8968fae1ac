// Package storage defines the flow history store. Only terminal outcomes are
// persisted; a pending flow never touches the database.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a history record does not exist.
var ErrNotFound = errors.New("record not found")

// FlowRecord is one completed flow. Nonces and card data are never stored.
type FlowRecord struct {
	ID          string    `json:"id"`
	Gateway     string    `json:"gateway"`
	Method      string    `json:"method"`
	RequestCode int       `json:"request_code"`
	Outcome     string    `json:"outcome"` // "success", "cancelled", "failure"
	Reason      string    `json:"reason,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// HistoryStore persists completed flows.
type HistoryStore interface {
	Record(ctx context.Context, rec *FlowRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]FlowRecord, error)
	Get(ctx context.Context, id string) (*FlowRecord, error)
	// Prune deletes records completed before olderThan and returns the count.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// MaxRecentLimit is the largest page Recent returns.
const MaxRecentLimit = 500

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}
