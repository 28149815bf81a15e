package syncbox

import (
	"encoding/json"

	"github.com/fintrack/syncbox/eventbus"
)

// EventType names one of the notifications the core publishes.
type EventType string

const (
	// EventEntityRefreshed fires once per entity type whose cached
	// collection changed during a merge.
	EventEntityRefreshed EventType = "entity_refreshed"

	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"

	EventMutationQueued    EventType = "mutation_queued"
	EventMutationConfirmed EventType = "mutation_confirmed"

	EventConnectionChanged  EventType = "connection_changed"
	EventReconnectionFailed EventType = "reconnection_failed"
	EventCacheCleared       EventType = "cache_cleared"
)

// Event is the tagged union published on the bus. Type selects which
// of the remaining fields are meaningful; the constructors below keep
// the shapes consistent so subscribers never see a partially filled
// variant.
type Event struct {
	Type    EventType
	Entity  EntityType
	ID      string
	Payload json.RawMessage
	Count   int
	Err     error
	State   ConnectionState
	Result  *SyncResult
}

// Bus carries Event values between the core components and UI
// subscribers.
type Bus = eventbus.Bus[Event]

// NewBus creates the event bus shared by the engine and the realtime
// channel.
func NewBus() *Bus { return eventbus.New[Event]() }

// Publish routes ev to the subscribers of its own event type.
func Publish(bus *Bus, ev Event) {
	if bus == nil {
		return
	}
	bus.Publish(string(ev.Type), ev)
}

// EntityRefreshedEvent reports that count records of entityType were
// merged into the cache.
func EntityRefreshedEvent(entityType EntityType, count int) Event {
	return Event{Type: EventEntityRefreshed, Entity: entityType, Count: count}
}

// SyncStartedEvent reports the beginning of a sync run.
func SyncStartedEvent() Event {
	return Event{Type: EventSyncStarted}
}

// SyncCompletedEvent reports a finished run, successful or partial.
func SyncCompletedEvent(result *SyncResult) Event {
	return Event{Type: EventSyncCompleted, Result: result}
}

// SyncFailedEvent reports a run in which every entity type failed.
func SyncFailedEvent(result *SyncResult) Event {
	return Event{Type: EventSyncFailed, Result: result}
}

// MutationQueuedEvent reports a mutation accepted into the pending
// queue, keyed by its optimistic entity id.
func MutationQueuedEvent(entityType EntityType, id string) Event {
	return Event{Type: EventMutationQueued, Entity: entityType, ID: id}
}

// MutationConfirmedEvent reports a replayed mutation, keyed by the
// server-confirmed entity id.
func MutationConfirmedEvent(entityType EntityType, id string, payload json.RawMessage) Event {
	return Event{Type: EventMutationConfirmed, Entity: entityType, ID: id, Payload: payload}
}

// ConnectionChangedEvent reports a realtime channel state transition.
func ConnectionChangedEvent(state ConnectionState) Event {
	return Event{Type: EventConnectionChanged, State: state}
}

// ReconnectionFailedEvent reports that the channel gave up after its
// attempt budget; the UI should prompt a manual retry or full refresh.
func ReconnectionFailedEvent(err error) Event {
	return Event{Type: EventReconnectionFailed, State: StateReconnectionFailed, Err: err}
}

// CacheClearedEvent reports an administrative cache reset.
func CacheClearedEvent() Event {
	return Event{Type: EventCacheCleared}
}
