// Package syncbox implements the offline-sync and realtime-consistency
// core of the fintrack clients. It maintains a local cache of server
// entities so the UI can render while offline, reconciles that cache
// with the server, queues mutations made while offline and replays
// them, and reacts to server push events without polling.
package syncbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EntityType identifies one of the remote record collections tracked
// by the cache.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityWallet      EntityType = "wallet"
	EntityCategory    EntityType = "category"
	EntityTransaction EntityType = "transaction"
)

// AllEntityTypes returns the tracked entity types in stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityUser, EntityWallet, EntityCategory, EntityTransaction}
}

// IsValid reports whether t is one of the tracked entity types.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityUser, EntityWallet, EntityCategory, EntityTransaction:
		return true
	}
	return false
}

// CachedEntity is a snapshot of one remote record as last received
// from the server (or as optimistically written locally). At most one
// CachedEntity exists per (Type, ID). Deletion is logical: the record
// stays in place with Deleted set so the deletion propagates to
// readers instead of looking like "never existed".
type CachedEntity struct {
	Type      EntityType      `json:"entity_type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"is_deleted"`
}

// MutationOp is the kind of write a PendingMutation represents.
type MutationOp string

const (
	OpCreate   MutationOp = "create"
	OpUpdate   MutationOp = "update"
	OpDelete   MutationOp = "delete"
	OpTransfer MutationOp = "transfer"
)

// IsValid reports whether op is a known mutation operation.
func (op MutationOp) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpTransfer:
		return true
	}
	return false
}

// PendingMutation is a locally queued write not yet confirmed by the
// server. The queue preserves insertion order and replay is strictly
// FIFO per entity type, so an update can never be applied before the
// create that precedes it.
type PendingMutation struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"entity_type"`
	Op        MutationOp      `json:"operation"`
	EntityID  string          `json:"entity_id,omitempty"`
	TempID    string          `json:"temp_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncMetadata is the singleton bookkeeping record for the cache.
// SyncVersion is bumped on every completed sync run and exists only
// for UI display; it plays no part in conflict detection.
type SyncMetadata struct {
	LastSyncAt       *time.Time        `json:"last_sync_at"`
	PendingMutations []PendingMutation `json:"pending_mutations"`
	SyncVersion      int64             `json:"sync_version"`
}

// DefaultSyncMetadata returns the well-formed zero record stores hand
// out when no metadata has been persisted yet. PendingMutations is
// never nil.
func DefaultSyncMetadata() SyncMetadata {
	return SyncMetadata{PendingMutations: []PendingMutation{}}
}

// ErrNotFound is returned by LocalStore.Get when no record exists for
// the requested (type, id).
var ErrNotFound = errors.New("entity not found")

// LocalStore is the persistent, transactional cache of server
// entities plus the singleton sync metadata record. It is the single
// shared mutable resource of the core; SyncEngine and the realtime
// channel both write to it, only through the Put/tombstone contract.
//
// Storage failures (quota, corruption) surface as KindStorage errors
// and must not be swallowed; callers decide whether to degrade to a
// memory-only store.
type LocalStore interface {
	// Put upserts by (Type, ID). Duplicate is the normal upsert case,
	// never an error.
	Put(ctx context.Context, entity CachedEntity) error

	// Get returns the record for (entityType, id) or ErrNotFound.
	Get(ctx context.Context, entityType EntityType, id string) (CachedEntity, error)

	// GetAll returns records of one type in insertion order. Tombstoned
	// records are excluded unless includeDeleted is set. A store with
	// zero rows yields an empty slice, not an error.
	GetAll(ctx context.Context, entityType EntityType, includeDeleted bool) ([]CachedEntity, error)

	// Delete physically removes a record. Administrative use only;
	// normal lifecycle tombstones via Put.
	Delete(ctx context.Context, entityType EntityType, id string) error

	// Clear drops all cached entities and the metadata record. Used on
	// logout and full cache reset.
	Clear(ctx context.Context) error

	// GetSyncMetadata returns the singleton metadata record, or a
	// well-formed default when none exists yet.
	GetSyncMetadata(ctx context.Context) (SyncMetadata, error)

	// SetSyncMetadata overwrites the singleton metadata record.
	SetSyncMetadata(ctx context.Context, meta SyncMetadata) error

	Close() error
}

// RemoteGateway issues authenticated calls against the remote API, one
// CRUD surface per entity type. The core consumes this interface; the
// HTTP implementation lives in the gateway package. Failures carry the
// error taxonomy of the errors package: KindAuth for credential
// invalidation, KindNetwork for anything retry-eligible.
type RemoteGateway interface {
	ListAll(ctx context.Context, entityType EntityType) ([]CachedEntity, error)
	Create(ctx context.Context, entityType EntityType, payload json.RawMessage) (CachedEntity, error)
	Update(ctx context.Context, entityType EntityType, id string, payload json.RawMessage) (CachedEntity, error)
	Delete(ctx context.Context, entityType EntityType, id string) error
}

// ConnectionState is the realtime channel's connection lifecycle
// state. It is held only in memory and resets to StateDisconnected on
// explicit disconnect or logout.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateReconnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateReconnectionFailed:
		return "reconnection_failed"
	default:
		return "unknown"
	}
}

// SyncStatus is the terminal state of one sync run.
type SyncStatus int

const (
	SyncSucceeded SyncStatus = iota
	SyncPartiallyFailed
	SyncFailed
)

func (s SyncStatus) String() string {
	switch s {
	case SyncSucceeded:
		return "succeeded"
	case SyncPartiallyFailed:
		return "partially_failed"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncResult reports what one sync run did. Changed counts merged
// records per entity type; Errors holds the per-type fetch failures
// that made the run partial. Successful merges are never rolled back
// by another type's failure.
type SyncResult struct {
	Status   SyncStatus
	Started  time.Time
	Duration time.Duration
	Changed  map[EntityType]int
	Errors   map[EntityType]error
}

// EngineStatus is the engine state a UI needs to distinguish "fresh
// data", "stale cached data" and "no data available".
type EngineStatus struct {
	LastSyncAt   *time.Time
	SyncVersion  int64
	PendingCount int
	LastResult   *SyncResult
	LastErrors   map[EntityType]error
}
