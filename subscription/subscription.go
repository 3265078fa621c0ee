// Package subscription implements the SubscriptionManager of spec
// component F: a user-facing multiplexer over pool.Pool subscriptions
// that adds merging, cross-subscription deduplication, cache
// write-through, auto-renewal, and inactivity GC.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrlayer/relaykit/cache"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/pool"
)

// Options configures a managed subscription, per spec's ManagedSubscription.
type Options struct {
	AutoRenew        bool
	CacheResults     bool
	Deduplicate      bool
	InactivityTimeout time.Duration
	CloseAfterEOSE   bool
	MaxBuffer        int
}

// DefaultOptions matches the common live-subscription case.
func DefaultOptions() Options {
	return Options{
		AutoRenew:         true,
		CacheResults:      true,
		Deduplicate:       true,
		InactivityTimeout: 30 * time.Minute,
		MaxBuffer:         256,
	}
}

// maxDedupSet bounds the cross-subscription dedup set, per spec §5.
const maxDedupSet = 100000

// ManagedSubscription is the user-facing handle returned by Subscribe.
// Multiple ManagedSubscriptions may share one underlying pool
// subscription when merged; Close only decrements the refcount.
type ManagedSubscription struct {
	ID      string
	Filter  filter.Filter
	Options Options

	mgr     *Manager
	shared  *sharedSub
	eventsCh chan event.Event
	eoseCh   chan struct{}
	eoseOnce sync.Once
	closed   bool
	mu       sync.Mutex
}

// sharedSub is the underlying pool-level subscription potentially fed by
// several ManagedSubscriptions (the merge case).
type sharedSub struct {
	mu        sync.Mutex
	filter    filter.Filter
	refcount  int
	ps        *pool.PoolSubscription
	owners    []*ManagedSubscription
	createdAt time.Time
	lastActivity time.Time
	eventCount int64
}

// Manager layers merge/dedup/cache/renewal/GC over a pool.Pool.
type Manager struct {
	pool  *pool.Pool
	cache *cache.Cache
	log   *slog.Logger

	mu    sync.Mutex
	subs  map[string]*sharedSub // keyed by underlying pool subscription id

	dedup *xsync.MapOf[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Manager. cache may be nil to disable write-through.
func New(ctx context.Context, p *pool.Pool, c *cache.Cache, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		pool:   p,
		cache:  c,
		log:    log,
		subs:   map[string]*sharedSub{},
		dedup:  xsync.NewMapOf[string, struct{}](),
		ctx:    ctx,
		cancel: cancel,
	}
	go m.gcLoop()
	return m
}

// Close tears down the manager and every subscription it owns.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	shared := make([]*sharedSub, 0, len(m.subs))
	for _, s := range m.subs {
		shared = append(shared, s)
	}
	m.mu.Unlock()
	for _, s := range shared {
		s.ps.Close()
	}
}

// Subscribe returns a ManagedSubscription for f, merging into an
// existing mergeable subscription when one exists, per spec §4.F rule 1.
func (m *Manager) Subscribe(ctx context.Context, f filter.Filter, opts Options) *ManagedSubscription {
	m.mu.Lock()
	for _, shared := range m.subs {
		if mergeable(shared.filter, f) {
			m.mu.Unlock()
			return m.attach(shared, f, opts)
		}
	}
	m.mu.Unlock()

	id := pool.NewSubID()
	ps := m.pool.Subscribe(ctx, []filter.Filter{f}, id)
	shared := &sharedSub{
		filter:       f,
		refcount:     0,
		ps:           ps,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	m.subs[id] = shared
	m.mu.Unlock()

	ms := m.attach(shared, f, opts)
	go m.pump(id, shared)
	return ms
}

// mergeable implements spec §4.F's merge-eligibility rule: identical
// kinds, no concrete ids, overlapping time ranges.
func mergeable(a, b filter.Filter) bool {
	if a.HasConcreteIDs() || b.HasConcreteIDs() {
		return false
	}
	if !a.SameKinds(b) {
		return false
	}
	return a.OverlapsTime(b)
}

// attach wires ms as a new owner of shared and starts its relay/GC
// bookkeeping.
func (m *Manager) attach(shared *sharedSub, f filter.Filter, opts Options) *ManagedSubscription {
	buf := opts.MaxBuffer
	if buf <= 0 {
		buf = 256
	}
	ms := &ManagedSubscription{
		ID:       shared.ps.ID,
		Filter:   f,
		Options:  opts,
		mgr:      m,
		shared:   shared,
		eventsCh: make(chan event.Event, buf),
		eoseCh:   make(chan struct{}),
	}
	shared.mu.Lock()
	shared.owners = append(shared.owners, ms)
	shared.refcount++
	shared.mu.Unlock()
	return ms
}

// pump drains the shared pool subscription, deduplicating and fanning
// out to every owner, per spec §4.F.
func (m *Manager) pump(id string, shared *sharedSub) {
	for {
		select {
		case ev, ok := <-shared.ps.Events():
			if !ok {
				m.handleStreamClosed(id, shared)
				return
			}
			m.deliver(shared, ev)
		case <-shared.ps.EOSE():
			m.deliverEOSE(shared)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) deliver(shared *sharedSub, ev event.Event) {
	shared.mu.Lock()
	owners := append([]*ManagedSubscription{}, shared.owners...)
	shared.lastActivity = time.Now()
	shared.eventCount++
	psID := shared.ps.ID
	shared.mu.Unlock()

	// checked once per event, so merged owners sharing psID all receive it
	_, dup := m.dedup.LoadOrStore(psID+"|"+ev.ID, struct{}{})
	if !dup && m.dedupSize() > maxDedupSet {
		m.dedup.Clear()
	}
	for _, ms := range owners {
		if ms.Options.Deduplicate && dup {
			continue
		}
		if ms.Options.CacheResults && m.cache != nil {
			_, _ = m.cache.Put(ev)
		}
		ms.mu.Lock()
		closed := ms.closed
		ms.mu.Unlock()
		if !closed {
			ms.send(ev)
		}
	}
}

func (m *Manager) dedupSize() int {
	n := 0
	m.dedup.Range(func(string, struct{}) bool { n++; return n <= maxDedupSet })
	return n
}

func (m *Manager) deliverEOSE(shared *sharedSub) {
	shared.mu.Lock()
	owners := append([]*ManagedSubscription{}, shared.owners...)
	shared.mu.Unlock()
	for _, ms := range owners {
		ms.closeEOSE()
		if ms.Options.CloseAfterEOSE {
			ms.Close()
		}
	}
}

// handleStreamClosed re-issues the subscription when auto_renew is set
// on any surviving owner; otherwise it finishes every owner's stream.
func (m *Manager) handleStreamClosed(id string, shared *sharedSub) {
	shared.mu.Lock()
	renew := false
	for _, ms := range shared.owners {
		if ms.Options.AutoRenew {
			renew = true
			break
		}
	}
	f := shared.filter
	shared.mu.Unlock()

	if !renew {
		m.finish(id, shared)
		return
	}

	select {
	case <-m.ctx.Done():
		return
	default:
	}
	ps := m.pool.Subscribe(m.ctx, []filter.Filter{f}, id)
	shared.mu.Lock()
	shared.ps = ps
	shared.mu.Unlock()
	m.pump(id, shared)
}

func (m *Manager) finish(id string, shared *sharedSub) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	shared.mu.Lock()
	owners := append([]*ManagedSubscription{}, shared.owners...)
	shared.mu.Unlock()
	for _, ms := range owners {
		ms.finish()
	}
}

// gcLoop closes subscriptions idle past their InactivityTimeout.
func (m *Manager) gcLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.sweepInactive()
		}
	}
}

func (m *Manager) sweepInactive() {
	m.mu.Lock()
	shared := make([]*sharedSub, 0, len(m.subs))
	for _, s := range m.subs {
		shared = append(shared, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range shared {
		s.mu.Lock()
		last := s.lastActivity
		var owners []*ManagedSubscription
		for _, ms := range s.owners {
			if ms.Options.InactivityTimeout > 0 && now.Sub(last) > ms.Options.InactivityTimeout {
				continue
			}
			owners = append(owners, ms)
		}
		expired := len(owners) < len(s.owners)
		s.mu.Unlock()
		if expired {
			for _, ms := range s.owners {
				if now.Sub(last) > ms.Options.InactivityTimeout && ms.Options.InactivityTimeout > 0 {
					ms.Close()
				}
			}
		}
	}
}

// Query is the one-shot convenience operation of spec §4.F: subscribes
// with close_after_eose and a hard timeout, returning the full
// collected sequence.
func (m *Manager) Query(ctx context.Context, f filter.Filter, timeout time.Duration) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := Options{CloseAfterEOSE: true, Deduplicate: true, MaxBuffer: 1024}
	ms := m.Subscribe(ctx, f, opts)
	defer ms.Close()

	var out []event.Event
	for {
		select {
		case ev, ok := <-ms.Events():
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-ms.EOSE():
			// drain whatever already buffered, then return.
			for {
				select {
				case ev, ok := <-ms.Events():
					if !ok {
						return out, nil
					}
					out = append(out, ev)
				default:
					return out, nil
				}
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// Events returns the per-owner event stream.
func (ms *ManagedSubscription) Events() <-chan event.Event { return ms.eventsCh }

// EOSE fires once the underlying subscription reports end-of-stored-events.
func (ms *ManagedSubscription) EOSE() <-chan struct{} { return ms.eoseCh }

func (ms *ManagedSubscription) send(ev event.Event) {
	select {
	case ms.eventsCh <- ev:
	default:
		select {
		case <-ms.eventsCh:
		default:
		}
		select {
		case ms.eventsCh <- ev:
		default:
		}
	}
}

func (ms *ManagedSubscription) closeEOSE() {
	ms.eoseOnce.Do(func() { close(ms.eoseCh) })
}

func (ms *ManagedSubscription) finish() {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	ms.closed = true
	ms.mu.Unlock()
	close(ms.eventsCh)
}

// Close detaches ms from its shared subscription, decrementing the
// refcount; the underlying pool subscription is only closed when the
// last owner detaches, per spec §4.F's virtual-subscription semantics.
func (ms *ManagedSubscription) Close() {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	ms.closed = true
	ms.mu.Unlock()
	close(ms.eventsCh)

	shared := ms.shared
	shared.mu.Lock()
	shared.refcount--
	for i, owner := range shared.owners {
		if owner == ms {
			shared.owners = append(shared.owners[:i], shared.owners[i+1:]...)
			break
		}
	}
	remaining := shared.refcount
	shared.mu.Unlock()

	if remaining <= 0 {
		ms.mgr.mu.Lock()
		delete(ms.mgr.subs, ms.ID)
		ms.mgr.mu.Unlock()
		shared.ps.Close()
	}
}
