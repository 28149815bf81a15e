package syncbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	syncErrors "github.com/fintrack/syncbox/errors"
	"github.com/fintrack/syncbox/logging"
)

var (
	// ErrSyncInFlight is returned by SyncNow when a run is already in
	// progress. The caller's request is dropped, not queued.
	ErrSyncInFlight = errors.New("sync already in flight")

	// ErrEngineClosed is returned by every operation after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// EngineConfig configures the sync engine.
type EngineConfig struct {
	// SyncInterval is the default periodic-sync cadence.
	// Defaults to 30 seconds.
	SyncInterval time.Duration

	// OpTimeout bounds one sync run's network work.
	// Defaults to 30 seconds.
	OpTimeout time.Duration

	// Clock abstraction for timers; defaults to the system clock.
	Clock Clock
}

func (c *EngineConfig) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
}

// Engine keeps the LocalStore eventually consistent with the
// RemoteGateway, exposes cache-first reads, and owns the
// pending-mutation queue. Construct it explicitly and inject it into
// the composition root; there is no package-level instance.
type Engine struct {
	store   LocalStore
	gateway RemoteGateway
	bus     *Bus
	cfg     EngineConfig
	clock   Clock
	logger  *logging.Logger

	mu           sync.Mutex
	running      bool
	closed       bool
	periodicStop chan struct{}
	remap        map[string]string
	lastResult   *SyncResult
	lastErrors   map[EntityType]error

	// replayMu serializes queue replay so the FIFO order per entity
	// type survives concurrent QueueMutation and SyncNow calls.
	replayMu sync.Mutex

	periodicWG sync.WaitGroup
}

// NewEngine creates an engine over the given store, gateway and bus.
func NewEngine(store LocalStore, gateway RemoteGateway, bus *Bus, cfg EngineConfig) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:   store,
		gateway: gateway,
		bus:     bus,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logging.WithComponent(logging.Component("sync-engine")),
		remap:   make(map[string]string),
	}
}

// SyncNow reconciles the cache with the server: pending mutations are
// replayed first, then all entity types are fetched concurrently and
// merged. Only one run may be active at a time; a call while a run is
// in progress returns ErrSyncInFlight immediately.
//
// A failed fetch for one entity type never rolls back the others'
// merges; the run ends PartiallyFailed and the stale types keep their
// previous cache.
func (e *Engine) SyncNow(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if e.running {
		e.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	result := &SyncResult{
		Started: e.clock.Now(),
		Changed: make(map[EntityType]int),
		Errors:  make(map[EntityType]error),
	}
	Publish(e.bus, SyncStartedEvent())

	// Push before pull so local writes are visible in the fetch.
	if err := e.ReplayPending(ctx); err != nil {
		e.logger.LogError(ctx, err, "pending replay failed before sync")
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	var resMu sync.Mutex
	g, gctx := errgroup.WithContext(opCtx)
	for _, entityType := range AllEntityTypes() {
		entityType := entityType
		g.Go(func() error {
			entities, err := e.gateway.ListAll(gctx, entityType)
			if err != nil {
				resMu.Lock()
				result.Errors[entityType] = err
				resMu.Unlock()
				e.logger.LogError(gctx, err, "fetch failed",
					slog.String("entity_type", string(entityType)),
				)
				// Partial failure tolerance: never abort the group.
				return nil
			}

			changed, err := e.mergeCollection(gctx, entityType, entities)
			resMu.Lock()
			if err != nil {
				result.Errors[entityType] = err
			} else {
				result.Changed[entityType] = changed
			}
			resMu.Unlock()
			return nil
		})
	}
	g.Wait()

	result.Duration = e.clock.Now().Sub(result.Started)
	switch len(result.Errors) {
	case 0:
		result.Status = SyncSucceeded
	case len(AllEntityTypes()):
		result.Status = SyncFailed
	default:
		result.Status = SyncPartiallyFailed
	}

	if result.Status != SyncFailed {
		if err := e.advanceSyncMetadata(ctx); err != nil {
			e.logger.LogError(ctx, err, "failed to advance sync metadata")
		}
	}

	for _, entityType := range AllEntityTypes() {
		if result.Changed[entityType] > 0 {
			Publish(e.bus, EntityRefreshedEvent(entityType, result.Changed[entityType]))
		}
	}
	if result.Status == SyncFailed {
		Publish(e.bus, SyncFailedEvent(result))
	} else {
		Publish(e.bus, SyncCompletedEvent(result))
	}

	e.mu.Lock()
	e.lastResult = result
	e.lastErrors = make(map[EntityType]error, len(result.Errors))
	for entityType, err := range result.Errors {
		e.lastErrors[entityType] = err
	}
	e.mu.Unlock()

	e.logger.Info("sync completed",
		slog.String("status", result.Status.String()),
		slog.Duration("duration", result.Duration),
		slog.Int("failed_types", len(result.Errors)),
	)
	return result, nil
}

// mergeCollection merges one fetched collection into the cache,
// last-write-wins by UpdatedAt. It returns how many records actually
// changed. The whole collection is merged before the caller fires the
// type's refresh notification.
func (e *Engine) mergeCollection(ctx context.Context, entityType EntityType, entities []CachedEntity) (int, error) {
	changed := 0
	for _, entity := range entities {
		existing, err := e.store.Get(ctx, entityType, entity.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			// First sight of this record.
		case err != nil:
			return changed, syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "engine")
		case existing.UpdatedAt.After(entity.UpdatedAt):
			// Local copy is newer; last-write-wins keeps it.
			continue
		case existing.Deleted == entity.Deleted &&
			existing.UpdatedAt.Equal(entity.UpdatedAt) &&
			bytes.Equal(existing.Payload, entity.Payload):
			continue
		}

		if err := e.store.Put(ctx, entity); err != nil {
			return changed, syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "engine")
		}
		changed++
	}
	return changed, nil
}

func (e *Engine) advanceSyncMetadata(ctx context.Context) error {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	meta, err := e.store.GetSyncMetadata(ctx)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	meta.LastSyncAt = &now
	meta.SyncVersion++
	return e.store.SetSyncMetadata(ctx, meta)
}

// StartPeriodicSync schedules SyncNow on a fixed cadence. At most one
// timer is ever active: calling start twice is a no-op. A tick that
// lands while a run is in progress is dropped by the single-flight
// guard, not queued.
func (e *Engine) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.SyncInterval
	}

	e.mu.Lock()
	if e.closed || e.periodicStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.periodicStop = stop
	e.mu.Unlock()

	ticker := e.clock.NewTicker(interval)
	e.periodicWG.Add(1)
	go func() {
		defer e.periodicWG.Done()
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
				_, err := e.SyncNow(ctx)
				cancel()
				if err != nil && !errors.Is(err, ErrSyncInFlight) && !errors.Is(err, ErrEngineClosed) {
					e.logger.LogError(ctx, err, "periodic sync failed")
				}
			}
		}
	}()

	e.logger.Info("periodic sync started", slog.Duration("interval", interval))
}

// StopPeriodicSync cancels the periodic timer. Safe to call at any
// state, including before start and repeatedly; when it returns, no
// further timer-driven sync will fire.
func (e *Engine) StopPeriodicSync() {
	e.mu.Lock()
	stop := e.periodicStop
	e.periodicStop = nil
	e.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	e.periodicWG.Wait()
	e.logger.Info("periodic sync stopped")
}

// QueueMutation validates and appends a mutation to the pending queue,
// applies its optimistic local effect, and attempts an immediate
// replay. On replay failure the mutation stays queued for the next
// opportunity and the optimistic entity is still returned, so the UI
// can render it keyed by the temporary id until confirmation.
//
// Validation failures surface synchronously and queue nothing.
func (e *Engine) QueueMutation(ctx context.Context, m PendingMutation) (CachedEntity, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return CachedEntity{}, ErrEngineClosed
	}
	e.mu.Unlock()

	if err := validateMutation(m); err != nil {
		return CachedEntity{}, err
	}

	m.ID = uuid.NewString()
	m.CreatedAt = e.clock.Now()

	optimistic, err := e.applyOptimistic(ctx, &m)
	if err != nil {
		return CachedEntity{}, err
	}

	if err := e.appendPending(ctx, m); err != nil {
		return CachedEntity{}, err
	}

	Publish(e.bus, MutationQueuedEvent(m.Type, optimistic.ID))

	if err := e.ReplayPending(ctx); err != nil {
		e.logger.LogError(ctx, err, "immediate replay failed, mutation stays queued",
			slog.String("mutation_id", m.ID),
		)
	}

	return optimistic, nil
}

func validateMutation(m PendingMutation) error {
	if !m.Type.IsValid() {
		return syncErrors.NewValidationError(syncErrors.OpQueue,
			fmt.Errorf("unknown entity type %q", m.Type))
	}
	if !m.Op.IsValid() {
		return syncErrors.NewValidationError(syncErrors.OpQueue,
			fmt.Errorf("unknown operation %q", m.Op))
	}

	switch m.Op {
	case OpCreate, OpTransfer:
		if len(m.Payload) == 0 || !json.Valid(m.Payload) {
			return syncErrors.NewValidationError(syncErrors.OpQueue,
				fmt.Errorf("%s requires a JSON payload", m.Op))
		}
	case OpUpdate:
		if m.EntityID == "" {
			return syncErrors.NewValidationError(syncErrors.OpQueue,
				fmt.Errorf("update requires an entity id"))
		}
		if len(m.Payload) == 0 || !json.Valid(m.Payload) {
			return syncErrors.NewValidationError(syncErrors.OpQueue,
				fmt.Errorf("update requires a JSON payload"))
		}
	case OpDelete:
		if m.EntityID == "" {
			return syncErrors.NewValidationError(syncErrors.OpQueue,
				fmt.Errorf("delete requires an entity id"))
		}
	}
	return nil
}

// applyOptimistic writes the mutation's local effect and returns the
// entity the UI should render. Creates get a temporary client id that
// is remapped to the server id on confirmation.
func (e *Engine) applyOptimistic(ctx context.Context, m *PendingMutation) (CachedEntity, error) {
	now := e.clock.Now()

	switch m.Op {
	case OpCreate, OpTransfer:
		m.TempID = "tmp-" + uuid.NewString()
		entity := CachedEntity{
			Type:      m.Type,
			ID:        m.TempID,
			Payload:   m.Payload,
			UpdatedAt: now,
		}
		if err := e.store.Put(ctx, entity); err != nil {
			return CachedEntity{}, err
		}
		return entity, nil

	case OpUpdate:
		entity := CachedEntity{
			Type:      m.Type,
			ID:        e.resolveID(m.EntityID),
			Payload:   m.Payload,
			UpdatedAt: now,
		}
		if err := e.store.Put(ctx, entity); err != nil {
			return CachedEntity{}, err
		}
		return entity, nil

	case OpDelete:
		id := e.resolveID(m.EntityID)
		entity, err := e.store.Get(ctx, m.Type, id)
		if errors.Is(err, ErrNotFound) {
			entity = CachedEntity{Type: m.Type, ID: id}
		} else if err != nil {
			return CachedEntity{}, err
		}
		entity.Deleted = true
		entity.UpdatedAt = now
		if err := e.store.Put(ctx, entity); err != nil {
			return CachedEntity{}, err
		}
		return entity, nil
	}

	return CachedEntity{}, syncErrors.NewValidationError(syncErrors.OpQueue,
		fmt.Errorf("unknown operation %q", m.Op))
}

// appendPending adds m to the queue under the same lock replay uses,
// so the read-modify-write of the metadata record never interleaves.
func (e *Engine) appendPending(ctx context.Context, m PendingMutation) error {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	meta, err := e.store.GetSyncMetadata(ctx)
	if err != nil {
		return err
	}
	meta.PendingMutations = append(meta.PendingMutations, m)
	return e.store.SetSyncMetadata(ctx, meta)
}

// ReplayPending replays the queued mutations strictly FIFO per entity
// type. A failure at the head of one type's lane blocks that lane but
// not the others; the failed mutation and everything behind it in its
// lane stay queued.
func (e *Engine) ReplayPending(ctx context.Context) error {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	meta, err := e.store.GetSyncMetadata(ctx)
	if err != nil {
		return err
	}
	if len(meta.PendingMutations) == 0 {
		return nil
	}

	blocked := make(map[EntityType]bool)
	remaining := make([]PendingMutation, 0, len(meta.PendingMutations))
	for _, m := range meta.PendingMutations {
		if blocked[m.Type] {
			remaining = append(remaining, m)
			continue
		}
		if err := e.replayOne(ctx, m); err != nil {
			blocked[m.Type] = true
			remaining = append(remaining, m)
			e.logger.LogError(ctx, err, "replay failed, lane blocked",
				slog.String("mutation_id", m.ID),
				slog.String("entity_type", string(m.Type)),
				slog.String("operation", string(m.Op)),
			)
		}
	}

	if len(remaining) == len(meta.PendingMutations) {
		return nil // nothing confirmed, queue unchanged
	}
	meta.PendingMutations = remaining
	return e.store.SetSyncMetadata(ctx, meta)
}

func (e *Engine) replayOne(ctx context.Context, m PendingMutation) error {
	switch m.Op {
	case OpCreate, OpTransfer:
		confirmed, err := e.gateway.Create(ctx, m.Type, m.Payload)
		if err != nil {
			return err
		}
		if m.TempID != "" {
			// Swap the optimistic record for the confirmed one and
			// remember the id mapping for queued mutations that still
			// reference the temp id.
			if err := e.store.Delete(ctx, m.Type, m.TempID); err != nil {
				return err
			}
			e.mu.Lock()
			e.remap[m.TempID] = confirmed.ID
			e.mu.Unlock()
		}
		if err := e.store.Put(ctx, confirmed); err != nil {
			return err
		}
		Publish(e.bus, MutationConfirmedEvent(m.Type, confirmed.ID, confirmed.Payload))
		return nil

	case OpUpdate:
		confirmed, err := e.gateway.Update(ctx, m.Type, e.resolveID(m.EntityID), m.Payload)
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, confirmed); err != nil {
			return err
		}
		Publish(e.bus, MutationConfirmedEvent(m.Type, confirmed.ID, confirmed.Payload))
		return nil

	case OpDelete:
		id := e.resolveID(m.EntityID)
		if err := e.gateway.Delete(ctx, m.Type, id); err != nil {
			return err
		}
		Publish(e.bus, MutationConfirmedEvent(m.Type, id, nil))
		return nil
	}

	return syncErrors.NewValidationError(syncErrors.OpReplay,
		fmt.Errorf("unknown operation %q", m.Op))
}

// resolveID maps an optimistic temp id to its confirmed server id, if
// the create has been confirmed. Unknown ids pass through unchanged.
func (e *Engine) resolveID(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mapped, ok := e.remap[id]; ok {
		return mapped
	}
	return id
}

// ResolveID reports the server id an optimistic temp id was confirmed
// as, if any.
func (e *Engine) ResolveID(tempID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mapped, ok := e.remap[tempID]
	return mapped, ok
}

// GetCachedData reads the local cache for one entity type. It never
// touches the network; UI collaborators use it for instant render.
func (e *Engine) GetCachedData(ctx context.Context, entityType EntityType) ([]CachedEntity, error) {
	return e.store.GetAll(ctx, entityType, false)
}

// GetDataWithFallback attempts a live fetch and merge. On any failure
// it falls back to the last cached collection, so the UI degrades to
// "stale but present" whenever a prior sync succeeded.
func (e *Engine) GetDataWithFallback(ctx context.Context, entityType EntityType) ([]CachedEntity, error) {
	entities, err := e.gateway.ListAll(ctx, entityType)
	if err != nil {
		e.logger.LogError(ctx, err, "live fetch failed, falling back to cache",
			slog.String("entity_type", string(entityType)),
		)
		return e.store.GetAll(ctx, entityType, false)
	}

	changed, err := e.mergeCollection(ctx, entityType, entities)
	if err != nil {
		e.logger.LogError(ctx, err, "merge failed after live fetch",
			slog.String("entity_type", string(entityType)),
		)
	} else if changed > 0 {
		Publish(e.bus, EntityRefreshedEvent(entityType, changed))
	}
	return e.store.GetAll(ctx, entityType, false)
}

// Status exposes the state a UI needs to distinguish fresh data, stale
// cached data, and no data available.
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	meta, err := e.store.GetSyncMetadata(ctx)
	if err != nil {
		return EngineStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	status := EngineStatus{
		LastSyncAt:   meta.LastSyncAt,
		SyncVersion:  meta.SyncVersion,
		PendingCount: len(meta.PendingMutations),
		LastResult:   e.lastResult,
	}
	if len(e.lastErrors) > 0 {
		status.LastErrors = make(map[EntityType]error, len(e.lastErrors))
		for entityType, err := range e.lastErrors {
			status.LastErrors[entityType] = err
		}
	}
	return status, nil
}

// ClearCache drops every cached entity and the sync metadata. Used on
// logout.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.remap = make(map[string]string)
	e.lastResult = nil
	e.lastErrors = nil
	e.mu.Unlock()
	Publish(e.bus, CacheClearedEvent())
	return nil
}

// Close stops the periodic timer and rejects further operations. It
// does not close the store; the store's owner does that.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.StopPeriodicSync()
	return nil
}
