package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

// fakeTransport is an in-memory Transport double so the FSM can be
// exercised without a real websocket, per Connection's newTransport
// injection point.
type fakeTransport struct {
	connectErr   error
	connected    bool
	published    []event.Event
	subscribeErr error
	authCh       chan string
	subscribed   []string
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, ev event.Event) error {
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) SendAuth(_ context.Context, _ event.Event) error { return nil }

func (f *fakeTransport) Subscribe(_ context.Context, id string, _ []filter.Filter) (Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribed = append(f.subscribed, id)
	return &fakeSubscription{eose: make(chan struct{}, 1), events: make(chan event.Event), closed: make(chan string)}, nil
}

func (f *fakeTransport) AuthChallenges() <-chan string {
	if f.authCh == nil {
		f.authCh = make(chan string)
	}
	return f.authCh
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

type fakeSubscription struct {
	events chan event.Event
	eose   chan struct{}
	closed chan string
}

func (s *fakeSubscription) Events() <-chan event.Event          { return s.events }
func (s *fakeSubscription) EndOfStoredEvents() <-chan struct{} { return s.eose }
func (s *fakeSubscription) Closed() <-chan string               { return s.closed }
func (s *fakeSubscription) Unsub()                              {}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0 // disable the heartbeat goroutine for deterministic tests
	cfg.AutoReconnect = false
	return cfg
}

func TestConnection_ConnectSuccessTransitionsToConnected(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, tr.connected)
}

func TestConnection_ConnectFailureTransitionsToFailed(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, c.StatsSnapshot().Failures)
}

func TestConnection_PublishUsesCurrentTransport(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	ev := event.Event{ID: "abc"}
	require.NoError(t, c.Publish(context.Background(), ev))
	require.Len(t, tr.published, 1)
	assert.Equal(t, "abc", tr.published[0].ID)
}

func TestConnection_PublishBeforeConnectReturnsError(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	err := c.Publish(context.Background(), event.Event{})
	assert.Error(t, err)
}

func TestConnection_DisconnectTearsDownTransport(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, tr.connected)
}

func TestConnection_SubscribeReplaysAfterReconnect(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	c.Subscribe(context.Background(), "sub1", []filter.Filter{{Kinds: []event.Kind{event.KindTextNote}}})

	tr2 := &fakeTransport{}
	c.newT = func() Transport { return tr2 }
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []string{"sub1"}, tr2.subscribed, "registered subscription re-issued on the new transport")
}

func TestConnection_NoteTransportFailureWithoutAutoReconnectGoesFailed(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	c.NoteTransportFailure(errors.New("socket reset"))
	assert.Equal(t, StateFailed, c.State())
}

func TestConnection_BackoffDelayGrowsWithFailuresAndCapsAtMax(t *testing.T) {
	cfg := quietConfig()
	cfg.InitialReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.BackoffMultiplier = 2
	cfg.JitterFraction = 0
	c := New("wss://relay.test", cfg, nil, nil, func() Transport { return &fakeTransport{} })

	assert.Equal(t, 10*time.Millisecond, c.backoffDelay())

	c.mu.Lock()
	c.failures = 2
	c.mu.Unlock()
	assert.Equal(t, 40*time.Millisecond, c.backoffDelay())

	c.mu.Lock()
	c.failures = 10
	c.mu.Unlock()
	assert.LessOrEqual(t, c.backoffDelay(), cfg.MaxReconnectDelay)
}

func TestConnection_HandleAuthChallenge_NoAuthenticatorIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	c := New("wss://relay.test", quietConfig(), nil, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.HandleAuthChallenge(context.Background(), "challenge"))
	assert.Equal(t, AuthNone, c.AuthState())
}

type stubAuthenticator struct {
	event event.Event
	err   error
}

func (s stubAuthenticator) BuildAuthEvent(_, _ string) (event.Event, error) {
	return s.event, s.err
}

func TestConnection_HandleAuthChallenge_Success(t *testing.T) {
	tr := &fakeTransport{}
	auth := stubAuthenticator{event: event.Event{ID: "auth1"}}
	c := New("wss://relay.test", quietConfig(), auth, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.HandleAuthChallenge(context.Background(), "challenge"))
	assert.Equal(t, AuthAuthenticated, c.AuthState())
}

func TestConnection_HandleAuthChallenge_BuildFails(t *testing.T) {
	tr := &fakeTransport{}
	auth := stubAuthenticator{err: errors.New("cannot sign")}
	c := New("wss://relay.test", quietConfig(), auth, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	err := c.HandleAuthChallenge(context.Background(), "challenge")
	assert.Error(t, err)
	assert.Equal(t, AuthFailed, c.AuthState())
}

// TestConnection_TransportAuthChallengeIsAnsweredAutomatically exercises
// runAuthWatcher: a relay-issued AUTH frame surfaced on the transport's
// AuthChallenges channel must be answered without any caller explicitly
// invoking HandleAuthChallenge, per spec §4.D.
func TestConnection_TransportAuthChallengeIsAnsweredAutomatically(t *testing.T) {
	tr := &fakeTransport{authCh: make(chan string, 1)}
	auth := stubAuthenticator{event: event.Event{ID: "auth1"}}
	c := New("wss://relay.test", quietConfig(), auth, nil, func() Transport { return tr })
	require.NoError(t, c.Connect(context.Background()))

	tr.authCh <- "relay-challenge"

	require.Eventually(t, func() bool {
		return c.AuthState() == AuthAuthenticated
	}, time.Second, 5*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(99).String())
}
