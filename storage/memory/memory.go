// Package memory provides an in-memory implementation of the syncbox
// LocalStore. It backs unit tests and the degraded memory-only mode a
// client falls back to when persistent storage fails.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/fintrack/syncbox"
)

// ErrStoreClosed is returned by writes after Close.
var ErrStoreClosed = errors.New("store is closed")

type entityKey struct {
	entityType syncbox.EntityType
	id         string
}

// Store is a map-backed LocalStore. Insertion order per entity type is
// tracked explicitly so GetAll matches the persistent store's
// ordering contract.
type Store struct {
	mu       sync.RWMutex
	entities map[entityKey]syncbox.CachedEntity
	order    map[syncbox.EntityType][]string
	meta     *syncbox.SyncMetadata
	closed   bool
}

var _ syncbox.LocalStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities: make(map[entityKey]syncbox.CachedEntity),
		order:    make(map[syncbox.EntityType][]string),
	}
}

func (s *Store) Put(ctx context.Context, entity syncbox.CachedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	key := entityKey{entity.Type, entity.ID}
	if _, exists := s.entities[key]; !exists {
		s.order[entity.Type] = append(s.order[entity.Type], entity.ID)
	}
	s.entities[key] = cloneEntity(entity)
	return nil
}

func (s *Store) Get(ctx context.Context, entityType syncbox.EntityType, id string) (syncbox.CachedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[entityKey{entityType, id}]
	if !ok {
		return syncbox.CachedEntity{}, syncbox.ErrNotFound
	}
	return cloneEntity(entity), nil
}

func (s *Store) GetAll(ctx context.Context, entityType syncbox.EntityType, includeDeleted bool) ([]syncbox.CachedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []syncbox.CachedEntity{}
	for _, id := range s.order[entityType] {
		entity, ok := s.entities[entityKey{entityType, id}]
		if !ok {
			continue
		}
		if entity.Deleted && !includeDeleted {
			continue
		}
		result = append(result, cloneEntity(entity))
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, entityType syncbox.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{entityType, id}
	if _, ok := s.entities[key]; !ok {
		return nil
	}
	delete(s.entities, key)

	ids := s.order[entityType]
	for i, existing := range ids {
		if existing == id {
			s.order[entityType] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[entityKey]syncbox.CachedEntity)
	s.order = make(map[syncbox.EntityType][]string)
	s.meta = nil
	return nil
}

func (s *Store) GetSyncMetadata(ctx context.Context) (syncbox.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return syncbox.DefaultSyncMetadata(), nil
	}
	return cloneMetadata(*s.meta), nil
}

func (s *Store) SetSyncMetadata(ctx context.Context, meta syncbox.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneMetadata(meta)
	s.meta = &clone
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneEntity(entity syncbox.CachedEntity) syncbox.CachedEntity {
	clone := entity
	if entity.Payload != nil {
		clone.Payload = append([]byte(nil), entity.Payload...)
	}
	return clone
}

func cloneMetadata(meta syncbox.SyncMetadata) syncbox.SyncMetadata {
	clone := meta
	if meta.LastSyncAt != nil {
		t := *meta.LastSyncAt
		clone.LastSyncAt = &t
	}
	clone.PendingMutations = make([]syncbox.PendingMutation, len(meta.PendingMutations))
	copy(clone.PendingMutations, meta.PendingMutations)
	return clone
}
