package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostrlayer/relaykit/errkind"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/wire"
)

// Transport is the narrow RelayTransport capability of spec §9:
// connect/disconnect/send(frame)/messages(). RawTransport is the default
// implementation, dialing the WebSocket directly and speaking frames
// through the wire codec; Connection adds the state machine, heartbeat,
// backoff, subscription replay and NIP-42 handling spec §4.D describes
// on top of it.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Disconnect() error
	Publish(ctx context.Context, ev event.Event) error
	Subscribe(ctx context.Context, id string, filters []filter.Filter) (Subscription, error)
	SendAuth(ctx context.Context, ev event.Event) error
	// AuthChallenges streams relay-issued ["AUTH", challenge] frames
	// (NIP-42) as they arrive, so Connection can answer them without the
	// caller having to watch subscriptions for an auth-required reason.
	AuthChallenges() <-chan string
	IsConnected() bool
}

// Subscription streams one relay-side REQ's results.
type Subscription interface {
	Events() <-chan event.Event
	EndOfStoredEvents() <-chan struct{}
	Closed() <-chan string
	Unsub()
}

// RawTransport dials a relay's WebSocket with gorilla/websocket and
// encodes/decodes every frame through the wire package, the capability
// spec §9 names RelayTransport: connect, disconnect, send(frame),
// messages() -> stream.
type RawTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]*rawSubscription

	pendingMu sync.Mutex
	pending   map[string]chan wire.RelayOK

	authCh chan string

	connected bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*RawTransport)(nil)

// NewRawTransport returns a Transport backed by a raw WebSocket and the
// wire frame codec.
func NewRawTransport() *RawTransport {
	return &RawTransport{
		subs:    map[string]*rawSubscription{},
		pending: map[string]chan wire.RelayOK{},
		authCh:  make(chan string, 4),
		done:    make(chan struct{}),
	}
}

func (t *RawTransport) Connect(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	t.connected = true
	go t.readLoop()
	return nil
}

func (t *RawTransport) readLoop() {
	defer t.teardown("")
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			continue // spec §4.A: unknown/malformed frames are dropped, not fatal
		}
		t.dispatch(frame)
	}
}

func (t *RawTransport) dispatch(frame wire.Frame) {
	switch frame.Kind {
	case wire.KindEvent:
		t.subsMu.Lock()
		sub, ok := t.subs[frame.Event.SubID]
		t.subsMu.Unlock()
		if ok {
			sub.deliverEvent(frame.Event.Event)
		}
	case wire.KindEOSE:
		t.subsMu.Lock()
		sub, ok := t.subs[frame.EOSE.SubID]
		t.subsMu.Unlock()
		if ok {
			sub.deliverEOSE()
		}
	case wire.KindClosed:
		t.subsMu.Lock()
		sub, ok := t.subs[frame.Closed.SubID]
		delete(t.subs, frame.Closed.SubID)
		t.subsMu.Unlock()
		if ok {
			sub.deliverClosed(frame.Closed.Message)
		}
	case wire.KindOK:
		t.pendingMu.Lock()
		ch, ok := t.pending[frame.OK.EventID]
		t.pendingMu.Unlock()
		if ok {
			ch <- *frame.OK
		}
	case wire.KindAuth:
		select {
		case t.authCh <- frame.AuthReq.Challenge:
		default:
		}
	case wire.KindNotice:
		// relay-supplied human text; no structured action to take here.
	}
}

func (t *RawTransport) teardown(reason string) {
	t.closeOnce.Do(func() {
		close(t.done)
		t.connected = false
		t.subsMu.Lock()
		for id, sub := range t.subs {
			sub.deliverClosed(reason)
			delete(t.subs, id)
		}
		t.subsMu.Unlock()
	})
}

func (t *RawTransport) send(raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("connection: transport not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *RawTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.teardown("")
	return err
}

// publishAndAwaitOK sends an EVENT frame and blocks for the matching OK,
// mirroring how a relay's own publish round-trip behaves.
func (t *RawTransport) publishAndAwaitOK(ctx context.Context, ev event.Event) error {
	raw, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}
	ch := make(chan wire.RelayOK, 1)
	t.pendingMu.Lock()
	t.pending[ev.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, ev.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.send(raw); err != nil {
		return err
	}
	select {
	case ok := <-ch:
		if !ok.Accepted {
			return fmt.Errorf("relay rejected event: %s: %w", ok.Message, errkind.ErrPublishRejected)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RawTransport) Publish(ctx context.Context, ev event.Event) error {
	return t.publishAndAwaitOK(ctx, ev)
}

// SendAuth publishes the signed NIP-42 auth event and awaits the
// relay's OK, the same acceptance round-trip as a normal publish.
func (t *RawTransport) SendAuth(ctx context.Context, ev event.Event) error {
	return t.publishAndAwaitOK(ctx, ev)
}

func (t *RawTransport) Subscribe(ctx context.Context, id string, filters []filter.Filter) (Subscription, error) {
	raw, err := wire.EncodeReq(id, filters)
	if err != nil {
		return nil, err
	}
	sub := newRawSubscription(t, id)
	t.subsMu.Lock()
	t.subs[id] = sub
	t.subsMu.Unlock()
	if err := t.send(raw); err != nil {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (t *RawTransport) AuthChallenges() <-chan string { return t.authCh }

func (t *RawTransport) IsConnected() bool { return t.conn != nil && t.connected }

type rawSubscription struct {
	transport *RawTransport
	id        string
	events    chan event.Event
	eose      chan struct{}
	closed    chan string

	closeOnce sync.Once
}

func newRawSubscription(t *RawTransport, id string) *rawSubscription {
	return &rawSubscription{
		transport: t,
		id:        id,
		events:    make(chan event.Event, 64),
		eose:      make(chan struct{}, 1),
		closed:    make(chan string, 1),
	}
}

func (s *rawSubscription) deliverEvent(ev event.Event) {
	select {
	case s.events <- ev:
	case <-time.After(time.Second):
	}
}

func (s *rawSubscription) deliverEOSE() {
	select {
	case s.eose <- struct{}{}:
	default:
	}
}

func (s *rawSubscription) deliverClosed(reason string) {
	s.closeOnce.Do(func() {
		s.closed <- reason
		close(s.closed)
		close(s.events)
	})
}

func (s *rawSubscription) Events() <-chan event.Event          { return s.events }
func (s *rawSubscription) EndOfStoredEvents() <-chan struct{} { return s.eose }
func (s *rawSubscription) Closed() <-chan string               { return s.closed }

func (s *rawSubscription) Unsub() {
	s.transport.subsMu.Lock()
	delete(s.transport.subs, s.id)
	s.transport.subsMu.Unlock()
	raw, err := wire.EncodeClose(s.id)
	if err == nil {
		_ = s.transport.send(raw)
	}
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.events)
	})
}
