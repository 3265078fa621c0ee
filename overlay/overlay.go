// Package overlay implements the correlated request/response RPC of
// spec component G: NIP-46 remote signing and NIP-47 wallet control,
// both built on the same encrypted-envelope-over-the-pool pattern.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/errkind"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/pool"
)

// Nostr event kinds this overlay speaks, per the NIP-46/NIP-47 wire
// formats the grounding examples implement.
const (
	KindNIP46Request  event.Kind = 24133
	KindNIP46Response event.Kind = 24133

	KindNWCRequest      event.Kind = 23194
	KindNWCResponse     event.Kind = 23195
	KindNWCNotification event.Kind = 23196
)

// Request is the overlay's {id, method, params} envelope, encrypted
// before publication.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the overlay's correlated reply envelope. NIP-46 carries
// result/error as plain strings; NIP-47 nests a typed result/error —
// both shapes are satisfied by leaving Result/Error as raw JSON and
// letting callers unmarshal the concrete type they expect.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// DefaultRequestTimeout is the per-request wait before a call fails
// with errkind.ErrRequestTimeout, per spec §4.G.
const DefaultRequestTimeout = 30 * time.Second

// DefaultRequestsPerMinute is the rate limiter's default refill rate.
const DefaultRequestsPerMinute = 30

// RateLimiter is a continuous-refill token bucket gating outbound
// overlay calls. Hand-rolled per DESIGN.md: no pack dependency exposes
// a token bucket this small, and golang.org/x/time/rate never appears
// in the example corpus's go.mod set.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	last       time.Time
	now        func() time.Time
}

// NewRateLimiter builds a limiter refilling ratePerMinute tokens/minute
// up to a burst of ratePerMinute tokens.
func NewRateLimiter(ratePerMinute int) *RateLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		tokens:     float64(ratePerMinute),
		max:        float64(ratePerMinute),
		refillRate: float64(ratePerMinute) / 60.0,
		last:       time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed, consuming one token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.max {
		r.tokens = r.max
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// peerSession is the shared machinery both the NIP-46 Signer client and
// the NIP-47 Wallet client build on: an encrypted request/response
// correlation loop over one peer pubkey.
type peerSession struct {
	clientPrivkey string
	clientPubkey  string
	peerPubkey    string

	pool    *pool.Pool
	crypto  crypto.Crypto
	limiter *RateLimiter
	timeout time.Duration

	responseKind event.Kind

	mu      sync.Mutex
	waiters map[string]pendingCall
	seen    map[string]struct{}

	sub    *pool.PoolSubscription
	cancel context.CancelFunc
}

// pendingCall tracks one outstanding request: the channel its response
// resolves on, and the request event's id, which NIP-47 responses must
// echo back in an e-tag (spec §3/§4.G) before the waiter can resolve.
type pendingCall struct {
	ch             chan Response
	requestEventID string
}

func newPeerSession(p *pool.Pool, cr crypto.Crypto, clientPrivkey, clientPubkey, peerPubkey string, timeout time.Duration, limiter *RateLimiter) *peerSession {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRequestsPerMinute)
	}
	return &peerSession{
		clientPrivkey: clientPrivkey,
		clientPubkey:  clientPubkey,
		peerPubkey:    peerPubkey,
		pool:          p,
		crypto:        cr,
		limiter:       limiter,
		timeout:       timeout,
		waiters:       map[string]pendingCall{},
		seen:          map[string]struct{}{},
	}
}

// listen subscribes for response-kind events tagged to the client and
// authored by the peer, dispatching decrypted payloads to waiters.
func (s *peerSession) listen(ctx context.Context, responseKind event.Kind) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.responseKind = responseKind

	f := filter.Filter{
		Authors: []string{s.peerPubkey},
		Kinds:   []event.Kind{responseKind},
		Tags:    map[string][]string{"p": {s.clientPubkey}},
	}
	s.sub = s.pool.Subscribe(ctx, []filter.Filter{f}, pool.NewSubID())

	go func() {
		for {
			select {
			case ev, ok := <-s.sub.Events():
				if !ok {
					return
				}
				s.handleIncoming(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *peerSession) close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}
}

func (s *peerSession) handleIncoming(ev event.Event) {
	if ev.Pubkey != s.peerPubkey {
		return
	}
	plaintext, err := s.decrypt(ev.Content)
	if err != nil {
		return
	}
	var resp Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return
	}

	s.mu.Lock()
	if _, dup := s.seen[resp.ID]; dup {
		s.mu.Unlock()
		return
	}
	call, ok := s.waiters[resp.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.responseKind == KindNWCResponse && !referencesRequest(ev, call.requestEventID) {
		// spec §3/§4.G: a NIP-47 response must e-tag the request it
		// answers; one that doesn't is not this call's response.
		s.mu.Unlock()
		return
	}
	s.seen[resp.ID] = struct{}{}
	delete(s.waiters, resp.ID)
	s.mu.Unlock()

	select {
	case call.ch <- resp:
	default:
	}
}

// referencesRequest reports whether ev carries an "e" tag naming
// requestID, the NIP-47 response-to-request binding.
func referencesRequest(ev event.Event, requestID string) bool {
	for _, v := range ev.Tags.Values("e") {
		if v == requestID {
			return true
		}
	}
	return false
}

// call builds, encrypts, publishes a request and waits for its
// correlated response, per spec §4.G rules 1-3.
func (s *peerSession) call(ctx context.Context, method string, params json.RawMessage, requestKind event.Kind) (Response, error) {
	if !s.limiter.Allow() {
		return Response{}, errkind.New(errkind.KindOverlay, "rate limit exceeded", errkind.ErrRateLimited)
	}

	req := Request{ID: uuid.NewString(), Method: method, Params: params}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	ciphertext, err := s.encrypt(string(reqJSON))
	if err != nil {
		return Response{}, errkind.New(errkind.KindOverlay, "encrypt request", err)
	}

	ev := event.Event{
		Pubkey:    s.clientPubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      requestKind,
		Tags:      event.Tags{{"p", s.peerPubkey}},
		Content:   ciphertext,
	}
	if err := ev.Fill(s.crypto, s.clientPrivkey, s.clientPubkey); err != nil {
		return Response{}, err
	}

	ch := make(chan Response, 1)
	s.mu.Lock()
	s.waiters[req.ID] = pendingCall{ch: ch, requestEventID: ev.ID}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, req.ID)
		s.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.pool.Publish(callCtx, ev); err != nil {
		return Response{}, fmt.Errorf("publish request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-callCtx.Done():
		return Response{}, errkind.New(errkind.KindOverlay, "request timed out", errkind.ErrRequestTimeout)
	}
}

// encrypt prefers NIP-44, falling back to NIP-04 on failure, per spec
// §4.G's peer-indicated scheme preference.
func (s *peerSession) encrypt(plaintext string) (string, error) {
	ct, err := s.crypto.EncryptNIP44(s.clientPrivkey, s.peerPubkey, plaintext)
	if err == nil {
		return ct, nil
	}
	return s.crypto.EncryptNIP04(s.clientPrivkey, s.peerPubkey, plaintext)
}

// decrypt tries NIP-44 first, then NIP-04, mirroring encrypt's preference.
func (s *peerSession) decrypt(ciphertext string) (string, error) {
	pt, err := s.crypto.DecryptNIP44(s.clientPrivkey, s.peerPubkey, ciphertext)
	if err == nil {
		return pt, nil
	}
	pt, err2 := s.crypto.DecryptNIP04(s.clientPrivkey, s.peerPubkey, ciphertext)
	if err2 == nil {
		return pt, nil
	}
	return "", errors.Join(err, err2)
}

// backoffDelay returns min(max, base*multiplier^failures) plus a fixed
// extra of half of jitterFraction times that delay. The extra is not
// random. No reconnection loop in this package calls it.
func backoffDelay(failures int, base, max time.Duration, multiplier, jitterFraction float64) time.Duration {
	delay := float64(base)
	for i := 0; i < failures; i++ {
		delay *= multiplier
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := delay * jitterFraction
	return time.Duration(delay) + time.Duration(jitter*0.5)
}
