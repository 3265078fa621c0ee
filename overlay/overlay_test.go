package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBunkerURI(t *testing.T) {
	pubkey := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	raw := "bunker://" + pubkey + "?relay=wss://relay.example&secret=s3cret"

	uri, err := ParseBunkerURI(raw)
	require.NoError(t, err)
	assert.Equal(t, pubkey, uri.SignerPubkey)
	assert.Equal(t, []string{"wss://relay.example"}, uri.Relays)
	assert.Equal(t, "s3cret", uri.Secret)
}

func TestParseBunkerURI_Invalid(t *testing.T) {
	_, err := ParseBunkerURI("http://not-a-bunker")
	assert.Error(t, err)

	_, err = ParseBunkerURI("bunker://short?relay=wss://relay.example")
	assert.Error(t, err, "pubkey must be 64 hex characters")

	pubkey := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	_, err = ParseBunkerURI("bunker://" + pubkey)
	assert.Error(t, err, "missing relay parameter")
}

func TestParseNostrConnectURI(t *testing.T) {
	pubkey := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	raw := "nostrconnect://" + pubkey + "?relay=wss://relay.example&secret=s3cret&perms=sign_event:1,get_public_key&name=myapp"

	uri, err := ParseNostrConnectURI(raw)
	require.NoError(t, err)
	assert.Equal(t, pubkey, uri.ClientPubkey)
	assert.Equal(t, []string{"wss://relay.example"}, uri.Relays)
	assert.Equal(t, "s3cret", uri.Secret)
	assert.Equal(t, []string{"sign_event:1", "get_public_key"}, uri.Perms)
	assert.Equal(t, "myapp", uri.Name)
}

func TestParseNWCURI(t *testing.T) {
	pubkey := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	raw := "nostr+walletconnect://" + pubkey + "?relay=wss://relay.example&secret=deadbeef"

	uri, err := ParseNWCURI(raw)
	require.NoError(t, err)
	assert.Equal(t, pubkey, uri.WalletPubkey)
	assert.Equal(t, "wss://relay.example", uri.Relay)
	assert.Equal(t, "deadbeef", uri.Secret)
}

func TestParseNWCURI_RequiresSecret(t *testing.T) {
	pubkey := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	_, err := ParseNWCURI("nostr+walletconnect://" + pubkey + "?relay=wss://relay.example")
	assert.Error(t, err)
}

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2)
	frozen := time.Unix(0, 0)
	rl.now = func() time.Time { return frozen }
	rl.last = frozen

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "burst exhausted")
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(60) // 1 token/sec
	tm := time.Unix(0, 0)
	rl.now = func() time.Time { return tm }
	rl.last = tm
	rl.tokens = 0

	assert.False(t, rl.Allow())
	tm = tm.Add(time.Second)
	assert.True(t, rl.Allow(), "one token/sec refill grants a token after 1s")
}

func TestAcceptAckOrSecret(t *testing.T) {
	ack := Response{Result: []byte(`"ack"`)}
	assert.NoError(t, acceptAckOrSecret(ack, "s3cret"))

	secretEcho := Response{Result: []byte(`"s3cret"`)}
	assert.NoError(t, acceptAckOrSecret(secretEcho, "s3cret"))

	unexpected := Response{Result: []byte(`"nope"`)}
	assert.Error(t, acceptAckOrSecret(unexpected, "s3cret"))
}

func TestBackoffDelay_Grows(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	d0 := backoffDelay(0, base, max, 2.0, 0)
	d1 := backoffDelay(1, base, max, 2.0, 0)
	d3 := backoffDelay(5, base, max, 2.0, 0)
	assert.Equal(t, base, d0)
	assert.Greater(t, d1, d0)
	assert.LessOrEqual(t, d3, max)
}
