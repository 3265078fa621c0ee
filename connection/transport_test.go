package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrlayer/relaykit/wire"
)

func TestNewRawTransport_StartsDisconnected(t *testing.T) {
	tr := NewRawTransport()
	assert.False(t, tr.IsConnected())
	assert.NoError(t, tr.Disconnect())
}

func TestRawTransport_SendBeforeConnectErrors(t *testing.T) {
	tr := NewRawTransport()
	assert.Error(t, tr.send([]byte("x")))
}

func TestRawTransport_Dispatch_AuthChallengeIsBuffered(t *testing.T) {
	tr := NewRawTransport()
	frame, err := wire.Decode([]byte(`["AUTH","challenge-1"]`))
	require.NoError(t, err)

	tr.dispatch(frame)
	select {
	case got := <-tr.AuthChallenges():
		assert.Equal(t, "challenge-1", got)
	default:
		t.Fatal("expected a buffered auth challenge")
	}
}

func TestRawTransport_Dispatch_RoutesEventAndEOSEToSubscription(t *testing.T) {
	tr := NewRawTransport()
	sub := newRawSubscription(tr, "sub1")
	tr.subs["sub1"] = sub

	evFrame, err := wire.Decode([]byte(`["EVENT","sub1",{"id":"abc","pubkey":"p","created_at":1,"kind":1,"tags":[],"content":"hi","sig":"s"}]`))
	require.NoError(t, err)
	tr.dispatch(evFrame)
	ev := <-sub.Events()
	assert.Equal(t, "abc", ev.ID)

	eoseFrame, err := wire.Decode([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	tr.dispatch(eoseFrame)
	select {
	case <-sub.EndOfStoredEvents():
	default:
		t.Fatal("expected EOSE to be delivered")
	}
}

func TestRawTransport_Dispatch_OKResolvesPendingPublish(t *testing.T) {
	tr := NewRawTransport()
	ch := make(chan wire.RelayOK, 1)
	tr.pending["evt1"] = ch

	okFrame, err := wire.Decode([]byte(`["OK","evt1",true,"stored"]`))
	require.NoError(t, err)
	tr.dispatch(okFrame)

	got := <-ch
	assert.True(t, got.Accepted)
	assert.Equal(t, "stored", got.Message)
}

func TestRawTransport_Dispatch_ClosedRemovesSubscription(t *testing.T) {
	tr := NewRawTransport()
	sub := newRawSubscription(tr, "sub1")
	tr.subs["sub1"] = sub

	closedFrame, err := wire.Decode([]byte(`["CLOSED","sub1","auth-required: please authenticate"]`))
	require.NoError(t, err)
	tr.dispatch(closedFrame)

	reason := <-sub.Closed()
	assert.Contains(t, reason, "auth-required")
	_, stillTracked := tr.subs["sub1"]
	assert.False(t, stillTracked)
}
