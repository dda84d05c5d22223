package stream

import (
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// State is the connection state of the client.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateReconnecting  State = "RECONNECTING"
)

// Conn is a single open transport connection. Implementations must allow
// one concurrent reader and serialize writes themselves.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping(payload []byte) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// Codec translates between the endpoint's wire format and typed messages,
// keeping the client independent of any one exchange.
type Codec interface {
	// Decode turns a raw frame into a typed event. Returning (nil, nil)
	// drops the frame (acks, keepalives).
	Decode(raw []byte) (interface{}, error)
	// EncodeSubscribe builds one subscription request for a channel batch.
	EncodeSubscribe(channels []string) ([]byte, error)
	// EncodeUnsubscribe builds one unsubscription request.
	EncodeUnsubscribe(channels []string) ([]byte, error)
	// PingPayload returns the protocol-level ping message, or nil when the
	// transport-level ping should be used instead.
	PingPayload() []byte
}

// Authenticator is implemented by codecs for private endpoints. After the
// transport opens, the client sends AuthPayload and waits for Decode to
// return an AuthAck before reporting StateAuthenticated.
type Authenticator interface {
	AuthPayload() ([]byte, error)
}

// AuthAck is the decoded event a Codec returns when the endpoint
// acknowledges authentication.
type AuthAck struct{}

// Pong is the decoded event for a heartbeat reply. Receipt is logged only;
// liveness is judged at the transport level.
type Pong struct{}

// Options tunes reconnection, heartbeat and subscription behaviour.
type Options struct {
	HeartbeatInterval  time.Duration // default 30s
	ReconnectInitial   time.Duration // default 1s
	ReconnectMax       time.Duration // default 30s
	ReconnectFactor    float64       // default 1.5
	MaxReconnects      int           // <=0 means retry forever
	MaxSubscriptions   int           // default 250
	SubscribeBatchSize int           // default 250
	QueueSize          int           // default 1024
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ReconnectInitial <= 0 {
		out.ReconnectInitial = time.Second
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = 30 * time.Second
	}
	if out.ReconnectFactor <= 1 {
		out.ReconnectFactor = 1.5
	}
	if out.MaxSubscriptions <= 0 {
		out.MaxSubscriptions = 250
	}
	if out.SubscribeBatchSize <= 0 {
		out.SubscribeBatchSize = 250
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	return out
}

// Handlers are the caller-supplied callbacks. OnMessage fires once per
// decoded message in arrival order and never concurrently with itself.
type Handlers struct {
	OnMessage     func(msg interface{})
	OnStateChange func(state State)
	OnError       func(err error)
}

// Client maintains one logical subscription set against a streaming
// endpoint: it reconnects with exponential backoff, de-duplicates
// subscriptions, heartbeats, and dispatches messages in order through a
// single goroutine.
type Client struct {
	dialer   Dialer
	codec    Codec
	opts     Options
	handlers Handlers
	logger   *zap.SugaredLogger
	backoff  *backoff.Backoff

	mu              sync.Mutex
	state           State
	conn            Conn
	url             string
	shouldReconnect bool
	closed          bool                // set by Disconnect, never cleared
	active          map[string]struct{} // confirmed + in-flight subscriptions
	pending         []string            // queued while disconnected
	lastPingAt      time.Time

	queue   chan interface{}
	stateCh chan State
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewClient builds a client. Dialer and codec are required; zero-value
// options get defaults.
func NewClient(dialer Dialer, codec Codec, opts Options, handlers Handlers, logger *zap.SugaredLogger) *Client {
	opts = opts.withDefaults()
	c := &Client{
		dialer:   dialer,
		codec:    codec,
		opts:     opts,
		handlers: handlers,
		logger:   logger,
		backoff: &backoff.Backoff{
			Min:    opts.ReconnectInitial,
			Max:    opts.ReconnectMax,
			Factor: opts.ReconnectFactor,
		},
		state:   StateDisconnected,
		active:  make(map[string]struct{}),
		queue:   make(chan interface{}, opts.QueueSize),
		stateCh: make(chan State, 32),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.dispatchLoop()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint. The first dial is synchronous so the caller
// learns immediately whether the endpoint is reachable; afterwards the
// client keeps the connection alive on its own until Disconnect.
func (c *Client) Connect(url string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &models.TransportError{Op: "connect", Err: errClientClosed}
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return &models.TransportError{Op: "connect", Err: errAlreadyConnected}
	}
	c.url = url
	c.shouldReconnect = true
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dialer.Dial(url)
	if err != nil {
		c.setState(StateDisconnected)
		return &models.TransportError{Op: "dial", Err: err}
	}
	c.afterDial(conn)

	c.wg.Add(2)
	go c.runLoop()
	go c.heartbeatLoop()
	return nil
}

// Disconnect closes the transport, cancels any scheduled reconnection and
// settles the client into the terminal DISCONNECTED state. The client
// cannot be connected again afterwards; build a new one instead.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.shouldReconnect = false
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// Subscribe adds channels to the logical subscription set. Channels already
// subscribed are skipped; while disconnected the request is queued and
// flushed at connect time. The set is bounded: channels beyond the limit
// are rejected with a warning rather than sent.
func (c *Client) Subscribe(channels []string) error {
	c.mu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := c.active[ch]; ok {
			continue
		}
		if len(c.active) >= c.opts.MaxSubscriptions {
			c.logger.Warnf("subscription limit %d reached, dropping channel %s", c.opts.MaxSubscriptions, ch)
			continue
		}
		c.active[ch] = struct{}{}
		fresh = append(fresh, ch)
	}
	connected := c.isConnectedLocked()
	if !connected {
		c.pending = append(c.pending, fresh...)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.sendBatches(fresh, c.codec.EncodeSubscribe)
}

// Unsubscribe removes channels from the subscription set.
func (c *Client) Unsubscribe(channels []string) error {
	c.mu.Lock()
	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := c.active[ch]; ok {
			delete(c.active, ch)
			removed = append(removed, ch)
		}
	}
	connected := c.isConnectedLocked()
	c.mu.Unlock()

	if !connected || len(removed) == 0 {
		return nil
	}
	return c.sendBatches(removed, c.codec.EncodeUnsubscribe)
}

// Send writes one raw message. It fails fast while the transport is down
// and never blocks longer than the connection's write timeout.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.isConnectedLocked()
	c.mu.Unlock()

	if !connected || conn == nil {
		return models.ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return &models.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Subscriptions returns a copy of the active subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for ch := range c.active {
		out = append(out, ch)
	}
	return out
}

// reconnectDelay is the backoff before the given zero-based attempt.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	return c.backoff.ForAttempt(float64(attempt))
}

// runLoop owns the transport: it reads until the connection breaks, then
// redials with backoff until it succeeds, Disconnect is called, or the
// attempt budget is spent.
func (c *Client) runLoop() {
	defer c.wg.Done()
	for {
		err := c.readUntilClosed()
		if err != nil {
			c.reportError(err)
		}

		c.mu.Lock()
		if conn := c.conn; conn != nil {
			c.conn = nil
			conn.Close()
		}
		stop := !c.shouldReconnect
		c.mu.Unlock()
		if stop {
			return
		}

		if !c.redial() {
			return
		}
	}
}

// readUntilClosed decodes and enqueues frames from the current connection
// until it fails. Only deserialization happens here; all handling is done
// by the dispatch goroutine.
func (c *Client) readUntilClosed() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil // deliberate shutdown, not a transport fault
			default:
			}
			return &models.TransportError{Op: "read", Err: err}
		}

		msg, err := c.codec.Decode(raw)
		if err != nil {
			c.reportError(err)
			continue
		}
		if msg == nil {
			continue
		}

		switch msg.(type) {
		case AuthAck:
			c.setState(StateAuthenticated)
			continue
		case Pong:
			c.logger.Debug("pong received")
			continue
		}

		select {
		case c.queue <- msg:
		case <-c.done:
			return nil
		}
	}
}

// redial reconnects with exponential backoff. Returns false when the client
// should stop for good.
func (c *Client) redial() bool {
	c.setState(StateReconnecting)

	for attempt := 0; ; attempt++ {
		if c.opts.MaxReconnects > 0 && attempt >= c.opts.MaxReconnects {
			c.setState(StateDisconnected)
			c.reportError(&models.TransportError{Op: "reconnect", Err: errAttemptsExhausted})
			return false
		}

		delay := c.reconnectDelay(attempt)
		c.logger.Infow("scheduling reconnect", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}

		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(c.url)
		if err != nil {
			c.reportError(&models.TransportError{Op: "dial", Err: err})
			c.setState(StateReconnecting)
			continue
		}

		c.afterDial(conn)
		return true
	}
}

// afterDial installs the fresh connection, authenticates when the codec
// requires it, and replays the full subscription set in batches.
func (c *Client) afterDial(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.pending = nil
	channels := make([]string, 0, len(c.active))
	for ch := range c.active {
		channels = append(channels, ch)
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	if auth, ok := c.codec.(Authenticator); ok {
		payload, err := auth.AuthPayload()
		if err != nil {
			c.reportError(err)
		} else if err := conn.WriteMessage(payload); err != nil {
			c.reportError(&models.TransportError{Op: "auth", Err: err})
		}
	}

	if err := c.sendBatches(channels, c.codec.EncodeSubscribe); err != nil {
		c.reportError(err)
	}
}

// sendBatches splits channels into fixed-size batches to respect
// per-message channel limits imposed by the endpoint.
func (c *Client) sendBatches(channels []string, encode func([]string) ([]byte, error)) error {
	for i := 0; i < len(channels); i += c.opts.SubscribeBatchSize {
		end := i + c.opts.SubscribeBatchSize
		if end > len(channels) {
			end = len(channels)
		}
		payload, err := encode(channels[i:end])
		if err != nil {
			return err
		}
		if err := c.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLoop pops the queues and invokes the handlers exactly once per
// entry. Messages keep arrival order among themselves, state changes keep
// transition order among themselves; both run on this one goroutine, so
// handlers never fire concurrently.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case s := <-c.stateCh:
			c.handlers.OnStateChange(s)
		case msg := <-c.queue:
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(msg)
			}
		case <-c.done:
			// Drain what already arrived so ordered delivery is not cut
			// short mid-burst.
			for {
				select {
				case s := <-c.stateCh:
					c.handlers.OnStateChange(s)
				case msg := <-c.queue:
					if c.handlers.OnMessage != nil {
						c.handlers.OnMessage(msg)
					}
				default:
					return
				}
			}
		}
	}
}

// heartbeatLoop sends a ping whenever the heartbeat interval elapses
// without one. Pong receipt is not required; a dead socket surfaces as a
// read error.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			connected := c.isConnectedLocked()
			due := time.Since(c.lastPingAt) >= c.opts.HeartbeatInterval
			if connected && due {
				c.lastPingAt = time.Now()
			}
			c.mu.Unlock()

			if !connected || !due || conn == nil {
				continue
			}
			if err := conn.Ping(c.codec.PingPayload()); err != nil {
				c.logger.Warnf("heartbeat ping failed: %v", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) isConnectedLocked() bool {
	return c.state == StateConnected || c.state == StateAuthenticated
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.handlers.OnStateChange == nil {
		return
	}
	// Notifications ride a buffered channel to the dispatch goroutine so
	// transitions are observed in the order they happened.
	select {
	case c.stateCh <- s:
	default:
		c.logger.Warnf("state change notification dropped: %s", s)
	}
}

func (c *Client) reportError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	} else {
		c.logger.Warnf("stream error: %v", err)
	}
}
