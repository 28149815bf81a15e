// Package realtime maintains the push channel that keeps the local
// cache consistent without polling. Server events are bridged straight
// into the LocalStore and re-published on the event bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fintrack/syncbox"
	syncErrors "github.com/fintrack/syncbox/errors"
	"github.com/fintrack/syncbox/logging"
)

// Conn is the subset of a websocket connection the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the push connection. The default implementation wraps
// gorilla's dialer; tests substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct {
	d *websocket.Dialer
}

func (g gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := g.d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection lifecycle event names delivered to listeners alongside
// the server's domain events.
const (
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventReconnectionFailed = "reconnection_failed"
)

// Config configures the realtime channel.
type Config struct {
	// BaseURL of the push endpoint, e.g. "wss://api.example.com".
	// The per-user path is appended at connect time.
	BaseURL string

	// BaseDelay is the backoff unit; attempt n waits BaseDelay*n.
	// Defaults to 3 seconds.
	BaseDelay time.Duration

	// MaxAttempts is the reconnection budget before the channel goes
	// terminal. Defaults to 5.
	MaxAttempts int

	// HandshakeTimeout bounds one dial. Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// Dialer defaults to a gorilla/websocket dialer.
	Dialer Dialer

	// Clock abstraction for the backoff timer; defaults to the system
	// clock.
	Clock syncbox.Clock
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = gorillaDialer{d: &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}}
	}
	if c.Clock == nil {
		c.Clock = syncbox.SystemClock()
	}
}

// envelope is the wire format of every push message, inbound and
// outbound.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives the data payload of one push event.
type Handler func(data json.RawMessage)

// Channel is the push connection with automatic reconnection. It holds
// connection state in memory only; a process restart always begins
// Disconnected.
type Channel struct {
	cfg    Config
	store  syncbox.LocalStore
	bus    *syncbox.Bus
	clock  syncbox.Clock
	logger *logging.Logger

	mu        sync.Mutex
	state     syncbox.ConnectionState
	conn      Conn
	userID    string
	stop      chan struct{}
	listeners map[string]map[string]Handler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a channel over the given store and bus. The store may be
// nil when the caller only wants raw event dispatch.
func New(store syncbox.LocalStore, bus *syncbox.Bus, cfg Config) *Channel {
	cfg.setDefaults()
	return &Channel{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		clock:     cfg.Clock,
		logger:    logging.WithComponent(logging.Component("realtime")),
		state:     syncbox.StateDisconnected,
		listeners: make(map[string]map[string]Handler),
	}
}

// Connect opens the push connection for userID and keeps it alive with
// linear backoff. Calling Connect while connected tears the old
// connection down first, so it doubles as a manual retry after the
// channel went terminal.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return syncErrors.NewValidationError(syncErrors.OpConnect,
			fmt.Errorf("user id is required"))
	}

	c.teardown()

	c.mu.Lock()
	stop := make(chan struct{})
	c.stop = stop
	c.userID = userID
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(stop, userID)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
// Safe to call at any state, repeatedly.
func (c *Channel) Disconnect() {
	c.teardown()

	c.mu.Lock()
	c.userID = ""
	changed := c.state != syncbox.StateDisconnected
	c.state = syncbox.StateDisconnected
	c.mu.Unlock()

	if changed {
		syncbox.Publish(c.bus, syncbox.ConnectionChangedEvent(syncbox.StateDisconnected))
		c.dispatch(EventDisconnected, nil)
	}
}

// teardown stops the run loop and closes the live connection, leaving
// state untouched for the caller to set.
func (c *Channel) teardown() {
	c.mu.Lock()
	stop := c.stop
	conn := c.conn
	c.stop = nil
	c.conn = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *Channel) runLoop(stop chan struct{}, userID string) {
	defer c.wg.Done()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/ws/" + userID
	attempt := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.setState(syncbox.StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, err := c.cfg.Dialer.DialContext(ctx, url)
		cancel()

		if err != nil {
			attempt++
			if attempt >= c.cfg.MaxAttempts {
				c.logger.LogError(context.Background(),
					syncErrors.NewNetworkError(syncErrors.OpConnect, "realtime", err),
					"reconnection budget exhausted",
					slog.Int("attempts", attempt),
				)
				c.setState(syncbox.StateReconnectionFailed)
				syncbox.Publish(c.bus, syncbox.ReconnectionFailedEvent(err))
				c.dispatch(EventReconnectionFailed, nil)
				return
			}

			delay := c.cfg.BaseDelay * time.Duration(attempt)
			c.logger.Warn("connect failed, backing off",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			// timer is armed before Backoff becomes observable
			timer := c.clock.NewTimer(delay)
			c.setState(syncbox.StateBackoff)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C():
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(syncbox.StateConnected)
		c.dispatch(EventConnected, nil)
		c.logger.Info("connected", slog.String("user_id", userID))

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		select {
		case <-stop:
			return
		default:
		}
		c.logger.Warn("connection lost, reconnecting")
		c.dispatch(EventDisconnected, nil)
	}
}

func (c *Channel) readLoop(conn Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage decodes one inbound envelope. Malformed frames are
// logged and dropped; a bad frame never kills the connection.
func (c *Channel) handleMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
		if err == nil {
			err = fmt.Errorf("missing event name")
		}
		c.logger.Warn("dropping malformed message",
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.applyDomainEvent(env); err != nil {
		c.logger.LogError(context.Background(), err, "failed to apply push event",
			slog.String("event", env.Event),
		)
	}

	c.dispatch(env.Event, env.Data)
}

// domainEvent splits "wallet_deleted" into its entity type and verb.
// Events outside the domain vocabulary (pongs, presence) return false
// and flow only to listeners.
func domainEvent(name string) (syncbox.EntityType, string, bool) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 {
		return "", "", false
	}
	entityType := syncbox.EntityType(name[:idx])
	verb := name[idx+1:]
	if !entityType.IsValid() {
		return "", "", false
	}
	switch verb {
	case "created", "updated", "deleted":
		return entityType, verb, true
	}
	return "", "", false
}

// applyDomainEvent bridges a server push into the cache, so the UI's
// next read observes it with no network round-trip.
func (c *Channel) applyDomainEvent(env envelope) error {
	if c.store == nil {
		return nil
	}
	entityType, verb, ok := domainEvent(env.Event)
	if !ok {
		return nil
	}

	var rec struct {
		ID        json.Number `json:"id"`
		UpdatedAt time.Time   `json:"updated_at"`
	}
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return syncErrors.NewProtocolError(syncErrors.OpDispatch, "realtime", err)
	}
	if rec.ID.String() == "" {
		return syncErrors.NewProtocolError(syncErrors.OpDispatch, "realtime",
			fmt.Errorf("record has no id"))
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = env.Timestamp
	}
	if updatedAt.IsZero() {
		updatedAt = c.clock.Now()
	}

	ctx := context.Background()
	switch verb {
	case "created", "updated":
		err := c.store.Put(ctx, syncbox.CachedEntity{
			Type:      entityType,
			ID:        rec.ID.String(),
			Payload:   env.Data,
			UpdatedAt: updatedAt,
		})
		if err != nil {
			return err
		}

	case "deleted":
		entity, err := c.store.Get(ctx, entityType, rec.ID.String())
		if err != nil && !errors.Is(err, syncbox.ErrNotFound) {
			return err
		}
		entity.Type = entityType
		entity.ID = rec.ID.String()
		entity.Deleted = true
		entity.UpdatedAt = updatedAt
		if err := c.store.Put(ctx, entity); err != nil {
			return err
		}
	}

	syncbox.Publish(c.bus, syncbox.EntityRefreshedEvent(entityType, 1))
	return nil
}

// Send pushes one event to the server. Sending while not connected is
// a logged no-op; the pending-mutation queue, not this channel, is the
// offline write path.
func (c *Channel) Send(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != syncbox.StateConnected || conn == nil {
		c.logger.Warn("send skipped, not connected",
			slog.String("event", event),
			slog.String("state", state.String()),
		)
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, err)
	}
	frame, err := json.Marshal(envelope{
		Event:     event,
		Data:      payload,
		Timestamp: c.clock.Now(),
	})
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpSend, "realtime", err)
	}
	return nil
}

// On registers a named listener for one event. Registering the same
// name twice replaces the previous handler, which makes re-mounting UI
// components safe.
func (c *Channel) On(event, name string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[string]Handler)
	}
	c.listeners[event][name] = handler
}

// Off removes a named listener. Unknown names are a no-op.
func (c *Channel) Off(event, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners[event], name)
}

// dispatch invokes the listeners registered for event. A panicking
// listener is logged and isolated from its siblings.
func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.listeners[event]))
	names := make([]string, 0, len(c.listeners[event]))
	for name, h := range c.listeners[event] {
		handlers = append(handlers, h)
		names = append(names, name)
	}
	c.mu.Unlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("listener panicked",
						slog.String("event", event),
						slog.String("listener", names[i]),
						slog.Any("panic", r),
					)
				}
			}()
			h(data)
		}()
	}
}

// State returns the current connection state.
func (c *Channel) State() syncbox.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is live.
func (c *Channel) IsConnected() bool {
	return c.State() == syncbox.StateConnected
}

func (c *Channel) setState(state syncbox.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	syncbox.Publish(c.bus, syncbox.ConnectionChangedEvent(state))
}

// Close is Disconnect under the conventional name for teardown paths.
func (c *Channel) Close() error {
	c.Disconnect()
	return nil
}
