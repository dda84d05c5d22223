package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is a scriptable transport connection.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Ping(payload []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// fakeDialer hands out one prepared connection per dial and counts attempts.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  int // fail this many dials before succeeding
}

func (d *fakeDialer) Dial(url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// jsonCodec treats every frame as a JSON string event.
type jsonCodec struct{}

func (jsonCodec) Decode(raw []byte) (interface{}, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "ack" {
		return nil, nil
	}
	return s, nil
}

func (jsonCodec) EncodeSubscribe(channels []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "subscribe", "args": channels})
}

func (jsonCodec) EncodeUnsubscribe(channels []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "unsubscribe", "args": channels})
}

func (jsonCodec) PingPayload() []byte { return nil }

func fastOpts() Options {
	return Options{
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, dialer *fakeDialer, opts Options, handlers Handlers) *Client {
	t.Helper()
	return NewClient(dialer, jsonCodec{}, opts, handlers, zap.NewNop().Sugar())
}

func TestReconnectDelayGrowsExponentially(t *testing.T) {
	opts := Options{
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		ReconnectFactor:  1.5,
	}
	c := newTestClient(t, &fakeDialer{}, opts, Handlers{})

	assert.InDelta(t, float64(time.Second), float64(c.reconnectDelay(0)), float64(time.Millisecond))
	assert.InDelta(t, 1.5*float64(time.Second), float64(c.reconnectDelay(1)), float64(time.Millisecond))
	assert.InDelta(t, 2.25*float64(time.Second), float64(c.reconnectDelay(2)), float64(time.Millisecond))

	// Capped at the maximum.
	assert.Equal(t, 30*time.Second, c.reconnectDelay(50))
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, fastOpts(), Handlers{})
	err := c.Send([]byte("x"))
	assert.ErrorIs(t, err, models.ErrNotConnected)
}

func TestSubscribeDeduplicates(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, fastOpts(), Handlers{})
	require.NoError(t, c.Connect("ws://test"))
	defer c.Disconnect()

	conn := dialer.conn(0)
	require.NotNil(t, conn)
	base := conn.writeCount()

	require.NoError(t, c.Subscribe([]string{"trades", "orders"}))
	require.NoError(t, c.Subscribe([]string{"trades"})) // already subscribed

	assert.Equal(t, base+1, conn.writeCount())
	assert.ElementsMatch(t, []string{"trades", "orders"}, c.Subscriptions())
}

func TestSubscriptionLimit(t *testing.T) {
	opts := fastOpts()
	opts.MaxSubscriptions = 2
	c := newTestClient(t, &fakeDialer{}, opts, Handlers{})

	require.NoError(t, c.Subscribe([]string{"a", "b", "c"}))
	assert.Len(t, c.Subscriptions(), 2)
}

func TestMessagesDispatchInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	var got []string
	handlers := Handlers{
		OnMessage: func(msg interface{}) {
			mu.Lock()
			got = append(got, msg.(string))
			mu.Unlock()
		},
	}
	c := newTestClient(t, dialer, fastOpts(), handlers)
	require.NoError(t, c.Connect("ws://test"))

	conn := dialer.conn(0)
	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		s := fmt.Sprintf("msg-%02d", i)
		want = append(want, s)
		data, _ := json.Marshal(s)
		conn.in <- data
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestDroppedFramesAreSkipped(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	var got []string
	c := newTestClient(t, dialer, fastOpts(), Handlers{
		OnMessage: func(msg interface{}) {
			mu.Lock()
			got = append(got, msg.(string))
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect("ws://test"))
	defer c.Disconnect()

	conn := dialer.conn(0)
	for _, s := range []string{"ack", "real"} {
		data, _ := json.Marshal(s)
		conn.in <- data
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "real"
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, fastOpts(), Handlers{})
	require.NoError(t, c.Connect("ws://test"))
	defer c.Disconnect()
	require.NoError(t, c.Subscribe([]string{"trades"}))

	// Kill the transport; the client should redial and resubscribe.
	dialer.conn(0).Close()

	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		conn := dialer.conn(1)
		return conn != nil && conn.writeCount() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{"trades"}, c.Subscriptions())
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	dialer := &fakeDialer{fail: 100}
	opts := fastOpts()
	opts.MaxReconnects = 3

	var mu sync.Mutex
	var errs []error
	c := newTestClient(t, dialer, opts, Handlers{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	// First dial fails synchronously.
	require.Error(t, c.Connect("ws://test"))

	// Let one dial succeed so the run loop starts, then fail the rest.
	dialer.mu.Lock()
	dialer.fail = 0
	dialer.mu.Unlock()
	require.NoError(t, c.Connect("ws://test"))
	dialer.mu.Lock()
	dialer.fail = 100
	dialer.mu.Unlock()

	dialer.conn(0).Close()

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, err := range errs {
		if errors.Is(err, errAttemptsExhausted) {
			found = true
		}
	}
	assert.True(t, found)
	c.Disconnect()
}

func TestConnectAfterDisconnectIsRejected(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, fastOpts(), Handlers{})
	require.NoError(t, c.Connect("ws://test"))
	c.Disconnect()

	// Disconnect is terminal: no new dial, no silently dead dispatcher.
	err := c.Connect("ws://test")
	require.Error(t, err)
	assert.ErrorIs(t, err, errClientClosed)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStateChangesObservedInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	var states []State
	c := newTestClient(t, dialer, fastOpts(), Handlers{
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect("ws://test"))
	c.Disconnect()

	// Disconnect waits for the dispatcher to drain, so every transition has
	// been delivered by now, and in the order it happened.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestSubscribeWhileDisconnectedIsFlushedOnConnect(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, fastOpts(), Handlers{})

	require.NoError(t, c.Subscribe([]string{"trades"}))
	require.NoError(t, c.Connect("ws://test"))
	defer c.Disconnect()

	conn := dialer.conn(0)
	require.Eventually(t, func() bool {
		return conn.writeCount() >= 1
	}, time.Second, 5*time.Millisecond)
}
