package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/errkind"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/pool"
)

// BunkerURI is a parsed bunker://<signer_pubkey>?relay=...&secret=...
// connection string, per spec §4.G's bunker-initiated flow.
type BunkerURI struct {
	SignerPubkey string
	Relays       []string
	Secret       string
}

// ParseBunkerURI parses a bunker:// URI, grounded on
// other_examples' ParseBunkerURL shape.
func ParseBunkerURI(raw string) (*BunkerURI, error) {
	if !strings.HasPrefix(raw, "bunker://") {
		return nil, fmt.Errorf("bunker uri: missing bunker:// scheme")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bunker uri: %w", err)
	}
	pubkey := u.Host
	if len(pubkey) != 64 {
		return nil, fmt.Errorf("bunker uri: signer pubkey must be 64 hex characters")
	}
	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, fmt.Errorf("bunker uri: at least one relay= parameter is required")
	}
	return &BunkerURI{
		SignerPubkey: pubkey,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

// NostrConnectURI is a parsed nostrconnect://<client_pubkey>?relay=...
// &secret=...&perms=...&name=... connection string, per spec §4.G's
// client-initiated flow.
type NostrConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Perms        []string
	Name         string
}

// ParseNostrConnectURI parses a nostrconnect:// URI.
func ParseNostrConnectURI(raw string) (*NostrConnectURI, error) {
	if !strings.HasPrefix(raw, "nostrconnect://") {
		return nil, fmt.Errorf("nostrconnect uri: missing nostrconnect:// scheme")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("nostrconnect uri: %w", err)
	}
	pubkey := u.Host
	if len(pubkey) != 64 {
		return nil, fmt.Errorf("nostrconnect uri: client pubkey must be 64 hex characters")
	}
	q := u.Query()
	relays := q["relay"]
	if len(relays) == 0 {
		return nil, fmt.Errorf("nostrconnect uri: at least one relay= parameter is required")
	}
	var perms []string
	if p := q.Get("perms"); p != "" {
		perms = strings.Split(p, ",")
	}
	return &NostrConnectURI{
		ClientPubkey: pubkey,
		Relays:       relays,
		Secret:       q.Get("secret"),
		Perms:        perms,
		Name:         q.Get("name"),
	}, nil
}

// ConnectionRecord is the state of an established NIP-46 session
// (signer pubkey, relays, secret, user pubkey), returned by
// Signer.Record. This package does not write it to a SecretStore.
type ConnectionRecord struct {
	SignerPubkey  string   `json:"signer_pubkey"`
	ClientPrivkey string   `json:"client_privkey"`
	ClientPubkey  string   `json:"client_pubkey"`
	UserPubkey    string   `json:"user_pubkey"`
	Relays        []string `json:"relays"`
	Secret        string   `json:"secret"`
}

// Signer is a NIP-46 remote-signer client session.
type Signer struct {
	session *peerSession
	record  ConnectionRecord
	pool    *pool.Pool
	crypto  crypto.Crypto
}

// NewSigner constructs a Signer bound to an already-negotiated
// ConnectionRecord (e.g. reloaded from a SecretStore) or a fresh one
// produced by ConnectBunker/ConnectNostrConnect.
func NewSigner(p *pool.Pool, cr crypto.Crypto, rec ConnectionRecord, limiter *RateLimiter) *Signer {
	return &Signer{
		session: newPeerSession(p, cr, rec.ClientPrivkey, rec.ClientPubkey, rec.SignerPubkey, DefaultRequestTimeout, limiter),
		record:  rec,
		pool:    p,
		crypto:  cr,
	}
}

// ConnectBunker implements spec §4.G's bunker-initiated flow: parse,
// add relays, generate a client key, subscribe, issue connect(secret),
// then get_public_key on ack.
func ConnectBunker(ctx context.Context, p *pool.Pool, cr crypto.Crypto, uriStr string) (*Signer, error) {
	uri, err := ParseBunkerURI(uriStr)
	if err != nil {
		return nil, err
	}
	for _, r := range uri.Relays {
		_ = p.Add(r, pool.DefaultMetadata())
		_ = p.Connect(r)
	}

	clientPrivkey, clientPubkey, err := cr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}

	rec := ConnectionRecord{
		SignerPubkey:  uri.SignerPubkey,
		ClientPrivkey: clientPrivkey,
		ClientPubkey:  clientPubkey,
		Relays:        uri.Relays,
		Secret:        uri.Secret,
	}
	s := NewSigner(p, cr, rec, nil)
	s.session.listen(ctx, KindNIP46Response)

	params, _ := json.Marshal([]string{uri.SignerPubkey, uri.Secret})
	resp, err := s.session.call(ctx, "connect", params, KindNIP46Request)
	if err != nil {
		s.session.close()
		return nil, err
	}
	if err := acceptAckOrSecret(resp, uri.Secret); err != nil {
		s.session.close()
		return nil, err
	}

	userPubkey, err := s.getPublicKey(ctx)
	if err != nil {
		s.session.close()
		return nil, err
	}
	s.record.UserPubkey = userPubkey
	return s, nil
}

// ConnectNostrConnect implements spec §4.G's client-initiated flow: the
// caller is expected to have already published the nostrconnect:// URI
// out of band (e.g. as a QR code); this call subscribes and waits for
// the signer's incoming connect-response event.
func ConnectNostrConnect(ctx context.Context, p *pool.Pool, cr crypto.Crypto, uri NostrConnectURI, clientPrivkey string, timeout time.Duration) (*Signer, error) {
	for _, r := range uri.Relays {
		_ = p.Add(r, pool.DefaultMetadata())
		_ = p.Connect(r)
	}

	rec := ConnectionRecord{
		ClientPrivkey: clientPrivkey,
		ClientPubkey:  uri.ClientPubkey,
		Relays:        uri.Relays,
		Secret:        uri.Secret,
	}
	s := NewSigner(p, cr, rec, nil)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The signer pubkey is not yet known at this point, so the
	// subscription filters only on kind and the client's p-tag rather
	// than reusing peerSession.listen (which assumes a known peer).
	subCtx, subCancel := context.WithCancel(ctx)
	s.session.cancel = subCancel
	s.session.sub = p.Subscribe(subCtx, []filter.Filter{{
		Kinds: []event.Kind{KindNIP46Response},
		Tags:  map[string][]string{"p": {uri.ClientPubkey}},
	}}, pool.NewSubID())
	defer func() {
		if s.record.SignerPubkey == "" {
			s.session.close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, errkind.New(errkind.KindOverlay, "timed out waiting for nostrconnect ack", errkind.ErrRequestTimeout)
	case resp := <-s.waitAnyAck(ctx, uri.Secret):
		if resp.signerPubkey == "" {
			return nil, fmt.Errorf("nostrconnect: no matching ack received")
		}
		s.record.SignerPubkey = resp.signerPubkey
		s.session.peerPubkey = resp.signerPubkey
		userPubkey, err := s.getPublicKey(ctx)
		if err != nil {
			return nil, err
		}
		s.record.UserPubkey = userPubkey
		return s, nil
	}
}

type ackResult struct {
	signerPubkey string
}

// waitAnyAck is a narrow helper for the client-initiated flow, where
// the peer pubkey is unknown until the first ack arrives; it bypasses
// peerSession.call's single-peer correlation and inspects the raw
// subscription stream directly.
func (s *Signer) waitAnyAck(ctx context.Context, secret string) <-chan ackResult {
	out := make(chan ackResult, 1)
	go func() {
		for {
			select {
			case ev, ok := <-s.session.sub.Events():
				if !ok {
					return
				}
				plaintext, err := s.crypto.DecryptNIP44(s.record.ClientPrivkey, ev.Pubkey, ev.Content)
				if err != nil {
					plaintext, err = s.crypto.DecryptNIP04(s.record.ClientPrivkey, ev.Pubkey, ev.Content)
					if err != nil {
						continue
					}
				}
				var resp Response
				if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
					continue
				}
				var result string
				_ = json.Unmarshal(resp.Result, &result)
				if result == "ack" || (secret != "" && result == secret) {
					select {
					case out <- ackResult{signerPubkey: ev.Pubkey}:
					default:
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// acceptAckOrSecret implements spec §9's Open-Question decision: accept
// "ack" first, then the connection secret, in that order.
func acceptAckOrSecret(resp Response, secret string) error {
	var result string
	_ = json.Unmarshal(resp.Result, &result)
	if result == "ack" {
		return nil
	}
	if secret != "" && result == secret {
		return nil
	}
	if len(resp.Error) > 0 {
		return fmt.Errorf("connect rejected: %s", string(resp.Error))
	}
	return fmt.Errorf("unexpected connect response: %q", result)
}

func (s *Signer) getPublicKey(ctx context.Context) (string, error) {
	resp, err := s.session.call(ctx, "get_public_key", nil, KindNIP46Request)
	if err != nil {
		return "", err
	}
	var pubkey string
	if err := json.Unmarshal(resp.Result, &pubkey); err != nil {
		return "", fmt.Errorf("get_public_key: malformed result")
	}
	return pubkey, nil
}

// SignEvent asks the remote signer to sign unsignedJSON (a serialized
// unsigned event) and returns the signer's signed-event JSON.
func (s *Signer) SignEvent(ctx context.Context, unsignedJSON string) (string, error) {
	params, _ := json.Marshal([]string{unsignedJSON})
	resp, err := s.session.call(ctx, "sign_event", params, KindNIP46Request)
	if err != nil {
		return "", err
	}
	var signed string
	if err := json.Unmarshal(resp.Result, &signed); err != nil {
		return "", fmt.Errorf("sign_event: malformed result")
	}
	return signed, nil
}

// Ping issues a zero-argument ping and expects "pong"; it can validate
// a session restored through NewSigner.
func (s *Signer) Ping(ctx context.Context) error {
	resp, err := s.session.call(ctx, "ping", nil, KindNIP46Request)
	if err != nil {
		return err
	}
	var result string
	_ = json.Unmarshal(resp.Result, &result)
	if result != "pong" {
		return fmt.Errorf("ping: unexpected response %q", result)
	}
	return nil
}

// Record returns the persistable connection record.
func (s *Signer) Record() ConnectionRecord { return s.record }

// Close tears down the signer's response subscription.
func (s *Signer) Close() { s.session.close() }
