// Package sqlite provides a SQLite implementation of the syncbox
// LocalStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/fintrack/syncbox"
	syncErrors "github.com/fintrack/syncbox/errors"
	"github.com/fintrack/syncbox/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// metadataKey is the fixed key of the singleton sync-metadata row.
const metadataKey = "lastSync"

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including
// WAL mode and a small connection pool suited to an embedded client
// cache.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to
	// DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=10, MaxIdle=2, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements syncbox.LocalStore on SQLite. Entities live in one
// table keyed (entity_type, id); the sync metadata singleton lives in
// its own table under a fixed key. Tombstoned rows stay in place so
// deletions propagate without racing in-flight reads.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check that Store satisfies the LocalStore interface
var _ syncbox.LocalStore = (*Store)(nil)

// New creates a new Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// setupSchema creates the cache tables if they don't exist.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        entity_type TEXT NOT NULL,
        id          TEXT NOT NULL,
        payload     TEXT,
        updated_at  TIMESTAMP NOT NULL,
        is_deleted  INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (entity_type, id)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_deleted ON entities (entity_type, is_deleted);

    CREATE TABLE IF NOT EXISTS sync_metadata (
        key          TEXT PRIMARY KEY,
        last_sync_at TIMESTAMP,
        sync_version INTEGER NOT NULL DEFAULT 0,
        pending      TEXT NOT NULL DEFAULT '[]'
    );
    `
	_, err := s.db.Exec(query)
	return err
}

// Put upserts an entity by (entity_type, id). The upsert keeps the
// original rowid, so GetAll's insertion order survives updates.
func (s *Store) Put(ctx context.Context, entity syncbox.CachedEntity) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `
    INSERT INTO entities (entity_type, id, payload, updated_at, is_deleted)
    VALUES (?, ?, ?, ?, ?)
    ON CONFLICT (entity_type, id) DO UPDATE SET
        payload    = excluded.payload,
        updated_at = excluded.updated_at,
        is_deleted = excluded.is_deleted`

	_, err := s.db.ExecContext(ctx, query,
		string(entity.Type),
		entity.ID,
		string(entity.Payload),
		entity.UpdatedAt.UTC(),
		boolToInt(entity.Deleted),
	)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpPut, err)
	}
	return nil
}

// Get returns the record for (entityType, id) or syncbox.ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType syncbox.EntityType, id string) (syncbox.CachedEntity, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return syncbox.CachedEntity{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `SELECT entity_type, id, payload, updated_at, is_deleted FROM entities WHERE entity_type = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, query, string(entityType), id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return syncbox.CachedEntity{}, syncbox.ErrNotFound
		}
		return syncbox.CachedEntity{}, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}
	return entity, nil
}

// GetAll returns all records of one type in insertion order,
// excluding tombstones unless includeDeleted is set.
func (s *Store) GetAll(ctx context.Context, entityType syncbox.EntityType, includeDeleted bool) ([]syncbox.CachedEntity, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `SELECT entity_type, id, payload, updated_at, is_deleted FROM entities WHERE entity_type = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, string(entityType))
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}
	defer rows.Close()

	entities := []syncbox.CachedEntity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}

	return entities, nil
}

// Delete physically removes a record. Administrative cache clears
// only; the normal lifecycle tombstones via Put.
func (s *Store) Delete(ctx context.Context, entityType syncbox.EntityType, id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND id = ?`,
		string(entityType), id)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	return nil
}

// Clear drops every cached entity and the metadata record in one
// transaction. Used on logout.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sync_metadata`); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	if err = tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	return nil
}

// GetSyncMetadata returns the singleton metadata record, or the
// well-formed default when none has been written yet.
func (s *Store) GetSyncMetadata(ctx context.Context) (syncbox.SyncMetadata, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return syncbox.SyncMetadata{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	var (
		lastSyncAt  sql.NullTime
		syncVersion int64
		pending     string
	)
	query := `SELECT last_sync_at, sync_version, pending FROM sync_metadata WHERE key = ?`
	err := s.db.QueryRowContext(ctx, query, metadataKey).Scan(&lastSyncAt, &syncVersion, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return syncbox.DefaultSyncMetadata(), nil
	}
	if err != nil {
		return syncbox.SyncMetadata{}, syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}

	meta := syncbox.SyncMetadata{SyncVersion: syncVersion}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		meta.LastSyncAt = &t
	}
	meta.PendingMutations = []syncbox.PendingMutation{}
	if pending != "" {
		if err := json.Unmarshal([]byte(pending), &meta.PendingMutations); err != nil {
			return syncbox.SyncMetadata{}, syncErrors.NewStorageError(syncErrors.OpMetadata, err)
		}
	}
	return meta, nil
}

// SetSyncMetadata overwrites the singleton metadata record.
func (s *Store) SetSyncMetadata(ctx context.Context, meta syncbox.SyncMetadata) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if meta.PendingMutations == nil {
		meta.PendingMutations = []syncbox.PendingMutation{}
	}
	pending, err := json.Marshal(meta.PendingMutations)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}

	var lastSyncAt interface{}
	if meta.LastSyncAt != nil {
		lastSyncAt = meta.LastSyncAt.UTC()
	}

	query := `
    INSERT INTO sync_metadata (key, last_sync_at, sync_version, pending)
    VALUES (?, ?, ?, ?)
    ON CONFLICT (key) DO UPDATE SET
        last_sync_at = excluded.last_sync_at,
        sync_version = excluded.sync_version,
        pending      = excluded.pending`

	_, err = s.db.ExecContext(ctx, query, metadataKey, lastSyncAt, meta.SyncVersion, string(pending))
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}

	return s.db.Stats()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (syncbox.CachedEntity, error) {
	var (
		entityType string
		id         string
		payload    sql.NullString
		updatedAt  time.Time
		isDeleted  int
	)
	if err := row.Scan(&entityType, &id, &payload, &updatedAt, &isDeleted); err != nil {
		return syncbox.CachedEntity{}, err
	}

	entity := syncbox.CachedEntity{
		Type:      syncbox.EntityType(entityType),
		ID:        id,
		UpdatedAt: updatedAt,
		Deleted:   isDeleted != 0,
	}
	if payload.Valid {
		entity.Payload = []byte(payload.String)
	}
	return entity, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
