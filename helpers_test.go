package syncbox_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fintrack/syncbox"
)

// mockGateway is an in-memory RemoteGateway with scriptable failures.
type mockGateway struct {
	mu        sync.Mutex
	data      map[syncbox.EntityType][]syncbox.CachedEntity
	listErr   map[syncbox.EntityType]error
	writeErr  error
	listCalls map[syncbox.EntityType]int
	nextID    int

	// when set, ListAll blocks until the channel is closed
	block chan struct{}
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		data:      make(map[syncbox.EntityType][]syncbox.CachedEntity),
		listErr:   make(map[syncbox.EntityType]error),
		listCalls: make(map[syncbox.EntityType]int),
	}
}

func (g *mockGateway) seed(entityType syncbox.EntityType, entities ...syncbox.CachedEntity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[entityType] = append(g.data[entityType], entities...)
}

func (g *mockGateway) setListErr(entityType syncbox.EntityType, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr[entityType] = err
}

func (g *mockGateway) setWriteErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeErr = err
}

func (g *mockGateway) listCount(entityType syncbox.EntityType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls[entityType]
}

func (g *mockGateway) ListAll(ctx context.Context, entityType syncbox.EntityType) ([]syncbox.CachedEntity, error) {
	g.mu.Lock()
	g.listCalls[entityType]++
	block := g.block
	err := g.listErr[entityType]
	entities := append([]syncbox.CachedEntity(nil), g.data[entityType]...)
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (g *mockGateway) Create(ctx context.Context, entityType syncbox.EntityType, payload json.RawMessage) (syncbox.CachedEntity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return syncbox.CachedEntity{}, g.writeErr
	}
	g.nextID++
	entity := syncbox.CachedEntity{
		Type:      entityType,
		ID:        fmt.Sprintf("srv-%d", g.nextID),
		Payload:   payload,
		UpdatedAt: time.Now(),
	}
	g.data[entityType] = append(g.data[entityType], entity)
	return entity, nil
}

func (g *mockGateway) Update(ctx context.Context, entityType syncbox.EntityType, id string, payload json.RawMessage) (syncbox.CachedEntity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return syncbox.CachedEntity{}, g.writeErr
	}
	entity := syncbox.CachedEntity{
		Type:      entityType,
		ID:        id,
		Payload:   payload,
		UpdatedAt: time.Now(),
	}
	return entity, nil
}

func (g *mockGateway) Delete(ctx context.Context, entityType syncbox.EntityType, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeErr
}

// fakeClock drives engine timers by hand so tests never sleep.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	channels []chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) newChannel() chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) NewTimer(d time.Duration) syncbox.Timer {
	return &fakeTimer{ch: c.newChannel()}
}

func (c *fakeClock) NewTicker(d time.Duration) syncbox.Ticker {
	return &fakeTicker{ch: c.newChannel()}
}

// Tick fires every outstanding timer and ticker once.
func (c *fakeClock) Tick() {
	c.mu.Lock()
	now := c.now
	channels := append([]chan time.Time(nil), c.channels...)
	c.mu.Unlock()
	for _, ch := range channels {
		select {
		case ch <- now:
		default:
		}
	}
}

type fakeTimer struct {
	ch chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { return true }

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []syncbox.Event
}

func recordEvents(bus *syncbox.Bus, types ...syncbox.EventType) *eventRecorder {
	r := &eventRecorder{}
	for _, eventType := range types {
		bus.Subscribe(string(eventType), func(ev syncbox.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) byType(eventType syncbox.EventType) []syncbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []syncbox.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
