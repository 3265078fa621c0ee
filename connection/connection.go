// Package connection implements the RelayConnection state machine of
// spec §4.D: one WebSocket to one relay, driven through an
// authenticated, resilient lifecycle with heartbeats, exponential
// backoff, and subscription replay.
package connection

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

// State is one node of the FSM in spec §4.D.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthState tracks the NIP-42 handshake (spec §4.D).
type AuthState int

const (
	AuthNone AuthState = iota
	AuthAuthenticating
	AuthAuthenticated
	AuthFailed
)

// Config bounds backoff, heartbeat and inbound buffering (spec §6).
type Config struct {
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	BackoffMultiplier     float64
	JitterFraction        float64
	MaxReconnectAttempts  int // 0 means unlimited
	AutoReconnect         bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	InboundBuffer int
}

// DefaultConfig matches the defaults spec §5/§6 names.
func DefaultConfig() Config {
	return Config{
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     time.Minute,
		BackoffMultiplier:     2.0,
		JitterFraction:        0.3,
		AutoReconnect:         true,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		InboundBuffer:         100,
	}
}

// Authenticator signs a NIP-42 auth event binding {relay_url, challenge}.
type Authenticator interface {
	BuildAuthEvent(relayURL, challenge string) (event.Event, error)
}

// Inbound is one message delivered upward to the Pool.
type Inbound struct {
	SubID string
	Event event.Event
	EOSE  bool
	// Closed carries the CLOSED reason for a subscription the relay
	// itself terminated.
	Closed string
}

// Connection drives one relay through the FSM of spec §4.D. FSM state
// is guarded by mu and the replay registry by subsMu; exported methods
// take those locks directly. Heartbeat, auth and per-subscription pumps
// run in helper goroutines.
type Connection struct {
	url    string
	cfg    Config
	auth   Authenticator
	log    *slog.Logger
	newT   func() Transport

	mu         sync.RWMutex
	state      State
	authState  AuthState
	failures   int
	connectedAt time.Time
	lastError  error

	transport Transport

	subsMu sync.Mutex
	subs   map[string][]filter.Filter // registry for replay

	inbox      chan Inbound
	droppedCnt int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Connection for url. newTransport lets tests inject a
// fake Transport; pass nil to use NewRawTransport.
func New(url string, cfg Config, auth Authenticator, log *slog.Logger, newTransport func() Transport) *Connection {
	if log == nil {
		log = slog.Default()
	}
	if newTransport == nil {
		newTransport = func() Transport { return NewRawTransport() }
	}
	return &Connection{
		url:   url,
		cfg:   cfg,
		auth:  auth,
		log:   log,
		newT:  newTransport,
		subs:  map[string][]filter.Filter{},
		inbox: make(chan Inbound, maxInt(cfg.InboundBuffer, 1)),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Inbound exposes the bounded stream of decoded events/EOSE/CLOSED
// delivered to the Pool, per spec §4.D / §5's backpressure policy.
func (c *Connection) Inbound() <-chan Inbound { return c.inbox }

// State returns the current FSM state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AuthState returns the current NIP-42 handshake state.
func (c *Connection) AuthState() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authState
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect establishes the WebSocket. On success the FSM enters
// Connected and every previously registered subscription is replayed
// before this call returns, per spec §4.D's replay invariant (testable
// property 7 / scenario S4).
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	t := c.newT()
	if err := t.Connect(ctx, c.url); err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.failures++
		c.lastError = err
		c.mu.Unlock()
		if c.cfg.AutoReconnect {
			go c.scheduleReconnect()
		}
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.failures = 0
	c.lastError = nil
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	c.ctx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})

	c.replaySubscriptions(runCtx)

	go c.runHeartbeat(runCtx)
	go c.runAuthWatcher(runCtx, t)
	return nil
}

// runAuthWatcher answers relay-issued ["AUTH", challenge] frames (NIP-42)
// as they arrive on the transport, per spec §4.D. A relay that never
// challenges leaves this idle; HandleAuthChallenge itself is a no-op
// without a configured Authenticator.
func (c *Connection) runAuthWatcher(ctx context.Context, t Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case challenge, ok := <-t.AuthChallenges():
			if !ok {
				return
			}
			if err := c.HandleAuthChallenge(ctx, challenge); err != nil {
				c.log.Warn("auth challenge failed", "relay", c.url, "error", err)
			}
		}
	}
}

// replaySubscriptions re-issues every registered {sub_id -> filters}.
// The ids are taken from a map, so the replay order is not defined and
// does not follow registration order.
func (c *Connection) replaySubscriptions(ctx context.Context) {
	c.subsMu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subsMu.Unlock()
	for _, id := range ids {
		c.subsMu.Lock()
		filters := c.subs[id]
		c.subsMu.Unlock()
		c.startSubscription(ctx, id, filters)
	}
}

// Publish sends an EVENT frame through the current transport and
// returns its result. With RawTransport that call waits for the relay's
// OK, so the error covers a write failure, a missing OK before ctx ends,
// and a rejection (wrapping errkind.ErrPublishRejected).
func (c *Connection) Publish(ctx context.Context, ev event.Event) error {
	t := c.currentTransport()
	if t == nil {
		return context.Canceled
	}
	return t.Publish(ctx, ev)
}

// Subscribe registers {id -> filters} for replay and issues REQ now.
func (c *Connection) Subscribe(ctx context.Context, id string, filters []filter.Filter) {
	c.subsMu.Lock()
	c.subs[id] = filters
	c.subsMu.Unlock()
	if c.ctx != nil {
		c.startSubscription(c.ctx, id, filters)
	}
}

// Close removes id from the replay registry, so it is not re-issued on
// the next reconnect. It sends no CLOSE frame: a REQ already issued on
// the current transport keeps delivering until the relay or the
// transport ends it.
func (c *Connection) Close(id string) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
}

func (c *Connection) currentTransport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Connection) startSubscription(ctx context.Context, id string, filters []filter.Filter) {
	t := c.currentTransport()
	if t == nil {
		return
	}
	sub, err := t.Subscribe(ctx, id, filters)
	if err != nil {
		c.log.Error("subscribe failed", "relay", c.url, "sub", id, "error", err)
		return
	}
	go c.pumpSubscription(ctx, id, sub)
}

func (c *Connection) pumpSubscription(ctx context.Context, id string, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.deliver(Inbound{SubID: id, Event: ev})
		case <-sub.EndOfStoredEvents():
			c.deliver(Inbound{SubID: id, EOSE: true})
		case reason, ok := <-sub.Closed():
			if !ok {
				return
			}
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			c.deliver(Inbound{SubID: id, Closed: reason})
			return
		}
	}
}

// deliver enforces the bounded-inbox drop-oldest policy of spec §5.
func (c *Connection) deliver(in Inbound) {
	select {
	case c.inbox <- in:
	default:
		select {
		case <-c.inbox:
			c.mu.Lock()
			c.droppedCnt++
			c.mu.Unlock()
		default:
		}
		select {
		case c.inbox <- in:
		default:
		}
	}
}

// Disconnect tears down the transport and FSM goroutines.
func (c *Connection) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	t := c.currentTransport()
	c.setState(StateDisconnected)
	if t == nil {
		return nil
	}
	return t.Disconnect()
}

// HandleAuthChallenge reacts to a relay-issued ["AUTH", challenge]
// frame per spec §4.D: if an Authenticator is configured, build and
// send the signed auth event; otherwise leave AuthState untouched.
func (c *Connection) HandleAuthChallenge(ctx context.Context, challenge string) error {
	if c.auth == nil {
		return nil
	}
	c.mu.Lock()
	c.authState = AuthAuthenticating
	c.mu.Unlock()

	ev, err := c.auth.BuildAuthEvent(c.url, challenge)
	if err != nil {
		c.mu.Lock()
		c.authState = AuthFailed
		c.mu.Unlock()
		return err
	}
	t := c.currentTransport()
	if t == nil {
		return context.Canceled
	}
	if err := t.SendAuth(ctx, ev); err != nil {
		c.mu.Lock()
		c.authState = AuthFailed
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.authState = AuthAuthenticated
	c.mu.Unlock()
	return nil
}

// NoteTransportFailure kicks the FSM into Reconnecting (if
// auto-reconnect) or Failed, per spec §4.D's failure semantics.
func (c *Connection) NoteTransportFailure(err error) {
	c.mu.Lock()
	c.lastError = err
	c.failures++
	if c.cfg.AutoReconnect && (c.cfg.MaxReconnectAttempts == 0 || c.failures <= c.cfg.MaxReconnectAttempts) {
		c.state = StateReconnecting
	} else {
		c.state = StateFailed
	}
	failures := c.failures
	state := c.state
	c.mu.Unlock()
	if state == StateReconnecting {
		go c.scheduleReconnect()
	}
	c.log.Warn("connection lost", "relay", c.url, "failures", failures)
}

// backoffDelay computes min(max, base*mult^failures) plus jitter in
// [0, jitter*base], per spec §4.D.
func (c *Connection) backoffDelay() time.Duration {
	c.mu.RLock()
	failures := c.failures
	c.mu.RUnlock()

	base := float64(c.cfg.InitialReconnectDelay)
	delay := base
	for i := 0; i < failures; i++ {
		delay *= c.cfg.BackoffMultiplier
		if delay > float64(c.cfg.MaxReconnectDelay) {
			delay = float64(c.cfg.MaxReconnectDelay)
			break
		}
	}
	jitter := rand.Float64() * c.cfg.JitterFraction * base
	return time.Duration(delay + jitter)
}

func (c *Connection) scheduleReconnect() {
	delay := c.backoffDelay()
	c.log.Info("scheduling reconnect", "relay", c.url, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.log.Error("reconnect failed", "relay", c.url, "error", err)
	}
}

// runHeartbeat issues a zero-limit REQ as a ping and watches for the
// matching EOSE as a pong, per spec §4.D.
func (c *Connection) runHeartbeat(ctx context.Context) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.ping(ctx) {
				c.NoteTransportFailure(context.DeadlineExceeded)
				return
			}
		}
	}
}

func (c *Connection) ping(parent context.Context) bool {
	t := c.currentTransport()
	if t == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.HeartbeatTimeout)
	defer cancel()
	zero := 0
	sub, err := t.Subscribe(ctx, "heartbeat", []filter.Filter{{Limit: zero}})
	if err != nil {
		return false
	}
	defer sub.Unsub()
	select {
	case <-sub.EndOfStoredEvents():
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats exposes the values spec §3's Relay record needs for health
// scoring and observability.
type Stats struct {
	State       State
	AuthState   AuthState
	Failures    int
	ConnectedAt time.Time
	LastError   error
	Dropped     int64
}

func (c *Connection) StatsSnapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		State:       c.state,
		AuthState:   c.authState,
		Failures:    c.failures,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastError,
		Dropped:     c.droppedCnt,
	}
}
