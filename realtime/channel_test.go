package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/syncbox"
	"github.com/fintrack/syncbox/storage/memory"
)

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return 1, msg, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("push blocked")
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	err     error
	lastURL string
	conns   []*fakeConn
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastURL = url
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) dialedURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastURL
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

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

func (c *fakeClock) NewTimer(d time.Duration) syncbox.Timer {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return fakeTimer{ch: ch}
}

func (c *fakeClock) NewTicker(d time.Duration) syncbox.Ticker {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return fakeTickerT{ch: ch}
}

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

func (t fakeTimer) C() <-chan time.Time { return t.ch }
func (t fakeTimer) Stop() bool          { return true }

type fakeTickerT struct {
	ch chan time.Time
}

func (t fakeTickerT) C() <-chan time.Time { return t.ch }
func (t fakeTickerT) Stop()               {}

func newTestChannel(t *testing.T, dialer Dialer, clock syncbox.Clock) (*Channel, *memory.Store, *syncbox.Bus) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	bus := syncbox.NewBus()
	ch := New(store, bus, Config{
		BaseURL:     "wss://api.test",
		BaseDelay:   time.Millisecond,
		MaxAttempts: 3,
		Dialer:      dialer,
		Clock:       clock,
	})
	t.Cleanup(func() { ch.Close() })
	return ch, store, bus
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	require.Eventually(t, ch.IsConnected, time.Second, time.Millisecond)
}

func TestConnectBridgesDomainEventsIntoStore(t *testing.T) {
	dialer := &fakeDialer{}
	ch, store, bus := newTestChannel(t, dialer, newFakeClock())

	var refreshed []syncbox.Event
	var mu sync.Mutex
	bus.Subscribe(string(syncbox.EventEntityRefreshed), func(ev syncbox.Event) {
		mu.Lock()
		refreshed = append(refreshed, ev)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)
	assert.Equal(t, "wss://api.test/ws/u1", dialer.dialedURL())

	dialer.lastConn().push(t,
		`{"event":"wallet_created","data":{"id":7,"name":"Cash","updated_at":"2025-06-01T10:00:00Z"},"timestamp":"2025-06-01T10:00:01Z"}`)

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), syncbox.EntityWallet, "7")
		return err == nil
	}, time.Second, time.Millisecond)

	entity, err := store.Get(context.Background(), syncbox.EntityWallet, "7")
	require.NoError(t, err)
	assert.False(t, entity.Deleted)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), entity.UpdatedAt)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, refreshed)
	assert.Equal(t, syncbox.EntityWallet, refreshed[0].Entity)
}

func TestDeletedEventTombstones(t *testing.T) {
	dialer := &fakeDialer{}
	ch, store, _ := newTestChannel(t, dialer, newFakeClock())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, syncbox.CachedEntity{
		Type: syncbox.EntityWallet, ID: "7",
		Payload:   json.RawMessage(`{"name":"Cash"}`),
		UpdatedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, ch.Connect(ctx, "u1"))
	waitConnected(t, ch)

	dialer.lastConn().push(t, `{"event":"wallet_deleted","data":{"id":7},"timestamp":"2025-06-01T10:00:01Z"}`)

	require.Eventually(t, func() bool {
		entity, err := store.Get(ctx, syncbox.EntityWallet, "7")
		return err == nil && entity.Deleted
	}, time.Second, time.Millisecond)

	// tombstoned, so hidden from normal reads but still present
	visible, err := store.GetAll(ctx, syncbox.EntityWallet, false)
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := store.GetAll(ctx, syncbox.EntityWallet, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	dialer := &fakeDialer{}
	ch, store, _ := newTestChannel(t, dialer, newFakeClock())

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)

	conn := dialer.lastConn()
	conn.push(t, `{not json`)
	conn.push(t, `{"data":{"id":1},"timestamp":"2025-06-01T10:00:01Z"}`)  // no event name
	conn.push(t, `{"event":"wallet_created","data":{"name":"NoID"}}`)    // no record id
	conn.push(t, `{"event":"wallet_created","data":{"id":9,"name":"OK"}}`)

	// the good frame after the bad ones still lands
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), syncbox.EntityWallet, "9")
		return err == nil
	}, time.Second, time.Millisecond)

	all, err := store.GetAll(context.Background(), syncbox.EntityWallet, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.True(t, ch.IsConnected(), "a bad frame must not kill the connection")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	clock := newFakeClock()
	ch, _, bus := newTestChannel(t, dialer, clock)

	var failures []syncbox.Event
	var mu sync.Mutex
	bus.Subscribe(string(syncbox.EventReconnectionFailed), func(ev syncbox.Event) {
		mu.Lock()
		failures = append(failures, ev)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background(), "u1"))

	// drive the backoff timer through attempts 1 and 2
	for i := 1; i < 3; i++ {
		require.Eventually(t, func() bool {
			return dialer.callCount() == i && ch.State() == syncbox.StateBackoff
		}, time.Second, time.Millisecond)
		clock.Tick()
	}

	require.Eventually(t, func() bool {
		return ch.State() == syncbox.StateReconnectionFailed
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, dialer.callCount())

	mu.Lock()
	require.Len(t, failures, 1)
	assert.Error(t, failures[0].Err)
	mu.Unlock()

	// manual retry resets the budget
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, _ := newTestChannel(t, dialer, newFakeClock())

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)
	require.Equal(t, 1, dialer.callCount())

	// server drops the connection
	dialer.lastConn().Close()

	require.Eventually(t, func() bool {
		return dialer.callCount() == 2 && ch.IsConnected()
	}, time.Second, time.Millisecond)
}

func TestSendWhileDisconnectedIsNoOp(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, _ := newTestChannel(t, dialer, newFakeClock())

	require.NoError(t, ch.Send("ping", map[string]string{"k": "v"}))
	assert.Equal(t, 0, dialer.callCount())
}

func TestSendWritesEnvelope(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, _ := newTestChannel(t, dialer, newFakeClock())

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)

	require.NoError(t, ch.Send("ping", map[string]string{"k": "v"}))

	conn := dialer.lastConn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)

	var env envelope
	require.NoError(t, json.Unmarshal(conn.written[0], &env))
	assert.Equal(t, "ping", env.Event)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Data))
	assert.False(t, env.Timestamp.IsZero())
}

func TestListenerPanicIsIsolated(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, _ := newTestChannel(t, dialer, newFakeClock())

	var called sync.WaitGroup
	called.Add(1)
	ch.On("budget_alert", "bad", func(json.RawMessage) { panic("boom") })
	ch.On("budget_alert", "good", func(json.RawMessage) { called.Done() })

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)

	dialer.lastConn().push(t, `{"event":"budget_alert","data":{"limit":100}}`)

	done := make(chan struct{})
	go func() { called.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("surviving listener was never invoked")
	}
	assert.True(t, ch.IsConnected())
}

func TestOffRemovesListener(t *testing.T) {
	dialer := &fakeDialer{}
	ch, store, _ := newTestChannel(t, dialer, newFakeClock())

	var hits int
	var mu sync.Mutex
	ch.On("wallet_created", "ui", func(json.RawMessage) {
		mu.Lock()
		hits++
		mu.Unlock()
	})
	ch.Off("wallet_created", "ui")
	ch.Off("wallet_created", "never-registered")

	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)

	dialer.lastConn().push(t, `{"event":"wallet_created","data":{"id":1}}`)
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), syncbox.EntityWallet, "1")
		return err == nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hits)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, _ := newTestChannel(t, dialer, newFakeClock())

	ch.Disconnect() // never connected
	require.NoError(t, ch.Connect(context.Background(), "u1"))
	waitConnected(t, ch)

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, syncbox.StateDisconnected, ch.State())

	// no reconnect attempts after an explicit disconnect
	calls := dialer.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, dialer.callCount())
}
