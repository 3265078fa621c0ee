package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/nostrlayer/relaykit/connection"
	"github.com/nostrlayer/relaykit/errkind"
	"github.com/nostrlayer/relaykit/event"
)

// Config bounds the Pool, per spec §6.
type Config struct {
	MaxConnections      int
	MinHealth           float64
	PublishAckTimeout   time.Duration
	AutoDiscoverRelays  bool
	ConnectionConfig    connection.Config
}

// DefaultConfig matches spec §6's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:     64,
		MinHealth:          0.3,
		PublishAckTimeout:  5 * time.Second,
		AutoDiscoverRelays: true,
		ConnectionConfig:   connection.DefaultConfig(),
	}
}

// StatusChangeFunc is invoked whenever a relay's FSM state changes, or
// when its health is below MinHealth after a Connect or after an
// adjustment that drops it below; a rise back above MinHealth is not
// reported. See spec §4.E / SPEC_FULL §12.
type StatusChangeFunc func(url string, state RelayState, err error)

// RelayInfoFunc is invoked when a NIP-11 document is freshly fetched.
type RelayInfoFunc func(url string, info *Info)

type trackedRelay struct {
	mu   sync.RWMutex
	rec  Relay
	conn *connection.Connection
}

// Pool is the RelayPool of spec §4.E.
type Pool struct {
	cfg Config
	log *slog.Logger
	ctx context.Context

	relays *xsync.MapOf[string, *trackedRelay]

	subsMu sync.Mutex
	subs   map[string]*PoolSubscription

	onStatus   StatusChangeFunc
	onRelayInfo RelayInfoFunc

	infoCacheMu sync.Mutex
	infoCache   map[string]infoCacheEntry

	newTransport func() connection.Transport
	auth         connection.Authenticator
}

type infoCacheEntry struct {
	info    Info
	fetched time.Time
}

const infoCacheTTL = 6 * time.Hour

// PublishResult is one relay's outcome for one publication, per spec §4.E.
type PublishResult struct {
	Relay    string
	Accepted bool
	Message  string
	Err      error
	TimedOut bool
}

// New constructs a Pool. auth, if non-nil, is handed to every
// Connection to answer NIP-42 challenges.
func New(ctx context.Context, cfg Config, log *slog.Logger, auth connection.Authenticator) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		relays:    xsync.NewMapOf[string, *trackedRelay](),
		subs:      map[string]*PoolSubscription{},
		infoCache: map[string]infoCacheEntry{},
		auth:      auth,
	}
}

// OnStatusChange registers the per-relay state/health callback.
func (p *Pool) OnStatusChange(fn StatusChangeFunc) { p.onStatus = fn }

// OnRelayInfo registers the NIP-11 fetch callback.
func (p *Pool) OnRelayInfo(fn RelayInfoFunc) { p.onRelayInfo = fn }

// Add registers url with the pool, bounded by MaxConnections, per spec §4.E.
func (p *Pool) Add(url string, meta ...Metadata) error {
	if !ValidateRelayURL(url) {
		return errkind.ErrInvalidRelayURL
	}
	if _, exists := p.relays.Load(url); exists {
		return nil
	}
	if p.relays.Size() >= p.cfg.MaxConnections {
		return fmt.Errorf("pool: max_connections (%d) reached", p.cfg.MaxConnections)
	}
	m := DefaultMetadata()
	if len(meta) > 0 {
		m = meta[0]
	}
	tr := &trackedRelay{rec: Relay{URL: url, State: RelayDisconnected, Health: 1, Metadata: m}}
	tr.conn = connection.New(url, p.cfg.ConnectionConfig, p.auth, p.log, p.newTransport)
	p.relays.LoadOrStore(url, tr)
	return nil
}

// Remove disconnects and forgets url.
func (p *Pool) Remove(url string) error {
	tr, ok := p.relays.LoadAndDelete(url)
	if !ok {
		return nil
	}
	return tr.conn.Disconnect()
}

// Connect connects a single relay and starts its inbound pump.
func (p *Pool) Connect(url string) error {
	tr, ok := p.relays.Load(url)
	if !ok {
		return fmt.Errorf("pool: unknown relay %s", url)
	}
	tr.mu.Lock()
	tr.rec.State = RelayConnecting
	tr.mu.Unlock()
	p.notifyStatus(url, RelayConnecting, nil)

	err := tr.conn.Connect(p.ctx)
	tr.mu.Lock()
	if err != nil {
		tr.rec.State = RelayFailed
		tr.rec.FailureCount++
		tr.rec.LastError = err
		tr.rec.Health = clampHealth(tr.rec.Health + impactConnectionFailure)
	} else {
		tr.rec.State = RelayConnected
		tr.rec.LastConnectedAt = time.Now()
		tr.rec.Health = clampHealth(tr.rec.Health + impactConnectionSuccess)
		go p.pumpConnection(url, tr)
		if p.cfg.AutoDiscoverRelays {
			go p.discoverInfo(url)
		}
	}
	health := tr.rec.Health
	state := tr.rec.State
	tr.mu.Unlock()
	p.notifyStatus(url, state, err)
	p.notifyHealthThreshold(url, health)
	return err
}

// ConnectAll connects every registered relay, ignoring individual errors
// (each is reported via OnStatusChange).
func (p *Pool) ConnectAll() {
	urls := make([]string, 0, p.relays.Size())
	p.relays.Range(func(u string, _ *trackedRelay) bool {
		urls = append(urls, u)
		return true
	})
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := p.Connect(u); err != nil {
				p.log.Warn("connect failed", "relay", u, "error", err)
			}
		}(u)
	}
	wg.Wait()
}

// Disconnect tears a single relay's connection down.
func (p *Pool) Disconnect(url string) error {
	tr, ok := p.relays.Load(url)
	if !ok {
		return fmt.Errorf("pool: unknown relay %s", url)
	}
	err := tr.conn.Disconnect()
	tr.mu.Lock()
	tr.rec.State = RelayDisconnected
	tr.mu.Unlock()
	p.notifyStatus(url, RelayDisconnected, err)
	return err
}

// DisconnectAll tears down every connection.
func (p *Pool) DisconnectAll() {
	urls := make([]string, 0, p.relays.Size())
	p.relays.Range(func(u string, _ *trackedRelay) bool {
		urls = append(urls, u)
		return true
	})
	for _, u := range urls {
		_ = p.Disconnect(u)
	}
}

// Relays returns a snapshot of every relay record.
func (p *Pool) Relays() []Relay {
	out := make([]Relay, 0, p.relays.Size())
	p.relays.Range(func(_ string, tr *trackedRelay) bool {
		tr.mu.RLock()
		out = append(out, tr.rec)
		tr.mu.RUnlock()
		return true
	})
	return out
}

// RelayInfo returns the cached NIP-11 document for url, if any.
func (p *Pool) RelayInfo(url string) (Info, bool) {
	p.infoCacheMu.Lock()
	defer p.infoCacheMu.Unlock()
	entry, ok := p.infoCache[url]
	if !ok || time.Since(entry.fetched) > infoCacheTTL {
		return Info{}, false
	}
	return entry.info, true
}

func (p *Pool) notifyStatus(url string, state RelayState, err error) {
	if p.onStatus != nil {
		p.onStatus(url, state, err)
	}
}

func (p *Pool) notifyHealthThreshold(url string, health float64) {
	if p.onStatus != nil && health < p.cfg.MinHealth {
		p.onStatus(url, RelayFailed, fmt.Errorf("health %.2f below min_health %.2f", health, p.cfg.MinHealth))
	}
}

func (p *Pool) adjustHealth(url string, impact float64) float64 {
	tr, ok := p.relays.Load(url)
	if !ok {
		return 0
	}
	tr.mu.Lock()
	before := tr.rec.Health
	tr.rec.Health = clampHealth(tr.rec.Health + impact)
	after := tr.rec.Health
	tr.mu.Unlock()
	if (before >= p.cfg.MinHealth) != (after >= p.cfg.MinHealth) {
		p.notifyHealthThreshold(url, after)
	}
	return after
}

// healthyWritable returns the relays eligible for publication, honoring
// targets (if non-empty), Metadata.Write, and MinHealth.
func (p *Pool) healthyWritable(targets []string) []*trackedRelay {
	var out []*trackedRelay
	p.relays.Range(func(url string, tr *trackedRelay) bool {
		if len(targets) > 0 && !lo.Contains(targets, url) {
			return true
		}
		tr.mu.RLock()
		ok := tr.rec.Metadata.Write && tr.rec.Health >= p.cfg.MinHealth && tr.rec.State == RelayConnected
		tr.mu.RUnlock()
		if ok {
			out = append(out, tr)
		}
		return true
	})
	return out
}

func (p *Pool) healthyReadable() []*trackedRelay {
	var out []*trackedRelay
	p.relays.Range(func(_ string, tr *trackedRelay) bool {
		tr.mu.RLock()
		ok := tr.rec.Metadata.Read && tr.rec.Health >= p.cfg.MinHealth && tr.rec.State == RelayConnected
		tr.mu.RUnlock()
		if ok {
			out = append(out, tr)
		}
		return true
	})
	return out
}

// Publish fans ev out to every healthy writable relay (or targets, if
// given), returning one PublishResult per relay, per spec §4.E and
// testable property 4 / scenario S2.
func (p *Pool) Publish(ctx context.Context, ev event.Event, targets ...string) ([]PublishResult, error) {
	relays := p.healthyWritable(targets)
	if len(relays) == 0 {
		return nil, errkind.ErrNoRelaysAvailable
	}

	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, tr := range relays {
		wg.Add(1)
		go func(i int, tr *trackedRelay) {
			defer wg.Done()
			results[i] = p.publishOne(ctx, tr, ev)
		}(i, tr)
	}
	wg.Wait()

	allFailed := true
	for _, r := range results {
		if r.Accepted {
			allFailed = false
			break
		}
	}
	if allFailed {
		return results, errkind.ErrAllRelaysFailed
	}
	return results, nil
}

func (p *Pool) publishOne(parent context.Context, tr *trackedRelay, ev event.Event) PublishResult {
	ctx, cancel := context.WithTimeout(parent, p.cfg.PublishAckTimeout)
	defer cancel()

	err := tr.conn.Publish(ctx, ev)
	switch {
	case err == nil:
		p.adjustHealth(tr.rec.URL, impactPublishSuccess)
		return PublishResult{Relay: tr.rec.URL, Accepted: true}
	case errors.Is(err, context.DeadlineExceeded):
		p.adjustHealth(tr.rec.URL, impactTimeout)
		return PublishResult{Relay: tr.rec.URL, TimedOut: true, Err: errkind.ErrPublishTimeout}
	case errors.Is(err, errkind.ErrPublishRejected):
		// relay answered OK=false: an explicit rejection of this event,
		// not a transport-level failure.
		p.adjustHealth(tr.rec.URL, impactEventRejected)
		return PublishResult{Relay: tr.rec.URL, Accepted: false, Message: err.Error(), Err: errkind.ErrPublishRejected}
	default:
		// dial/write failure or similar: the relay never got a chance to
		// accept or reject the event.
		p.adjustHealth(tr.rec.URL, impactPublishFailure)
		return PublishResult{Relay: tr.rec.URL, Accepted: false, Message: err.Error(), Err: err}
	}
}

// discoverInfo fetches and caches the relay's NIP-11 document; failure
// is non-fatal per spec §4.E.
func (p *Pool) discoverInfo(url string) {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	info, err := nip11.Fetch(ctx, url)
	if err != nil {
		return
	}
	p.infoCacheMu.Lock()
	p.infoCache[url] = infoCacheEntry{info: info, fetched: time.Now()}
	p.infoCacheMu.Unlock()

	if tr, ok := p.relays.Load(url); ok {
		tr.mu.Lock()
		tr.rec.Info = &info
		tr.mu.Unlock()
	}
	if p.onRelayInfo != nil {
		p.onRelayInfo(url, &info)
	}
}

// NewSubID returns an opaque, client-chosen subscription id.
func NewSubID() string { return uuid.NewString() }
