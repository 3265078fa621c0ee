package pool

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

// PoolSubscription is the aggregated, deduplicated multi-relay
// subscription of spec §3/§4.E.
type PoolSubscription struct {
	ID      string
	Filters []filter.Filter

	pool *Pool

	eventsCh chan event.Event
	eoseCh   chan struct{}
	eoseOnce sync.Once

	seen *xsync.MapOf[string, struct{}]

	mu        sync.Mutex
	relayEOSE map[string]bool
	closed    bool
}

// Subscribe issues filters on every healthy, readable relay and
// aggregates their results, per spec §4.E. If id is empty, an opaque id
// is generated.
func (p *Pool) Subscribe(ctx context.Context, filters []filter.Filter, id string) *PoolSubscription {
	if id == "" {
		id = NewSubID()
	}
	ps := &PoolSubscription{
		ID:        id,
		Filters:   filters,
		pool:      p,
		eventsCh:  make(chan event.Event, 256),
		eoseCh:    make(chan struct{}),
		seen:      xsync.NewMapOf[string, struct{}](),
		relayEOSE: map[string]bool{},
	}

	p.subsMu.Lock()
	p.subs[id] = ps
	p.subsMu.Unlock()

	relays := p.healthyReadable()
	ps.mu.Lock()
	for _, tr := range relays {
		ps.relayEOSE[tr.rec.URL] = false
	}
	ps.mu.Unlock()

	for _, tr := range relays {
		tr.conn.Subscribe(ctx, id, filters)
		tr.mu.Lock()
		tr.rec.Stats.Subs++
		tr.mu.Unlock()
	}
	if len(relays) == 0 {
		ps.closeEOSE()
	}
	return ps
}

// Events returns the deduplicated stream of events matching this
// subscription; each unique event id is delivered at most once
// (testable property 3).
func (ps *PoolSubscription) Events() <-chan event.Event { return ps.eventsCh }

// EOSE fires once every contributing relay has reported end-of-stored-
// events for this subscription.
func (ps *PoolSubscription) EOSE() <-chan struct{} { return ps.eoseCh }

func (ps *PoolSubscription) closeEOSE() {
	ps.eoseOnce.Do(func() { close(ps.eoseCh) })
}

// handleEvent delivers ev once (deduplicated across contributing relays).
func (ps *PoolSubscription) handleEvent(ev event.Event) {
	if _, loaded := ps.seen.LoadOrStore(ev.ID, struct{}{}); loaded {
		return
	}
	select {
	case ps.eventsCh <- ev:
	default:
		// drop-oldest per spec §5 backpressure policy.
		select {
		case <-ps.eventsCh:
		default:
		}
		select {
		case ps.eventsCh <- ev:
		default:
		}
	}
}

// handleRelayEOSE records relayURL's EOSE and fires the aggregate EOSE
// once every contributing relay has reported it.
func (ps *PoolSubscription) handleRelayEOSE(relayURL string) {
	ps.mu.Lock()
	ps.relayEOSE[relayURL] = true
	all := true
	for _, done := range ps.relayEOSE {
		if !done {
			all = false
			break
		}
	}
	ps.mu.Unlock()
	if all {
		ps.closeEOSE()
	}
}

// Close calls connection.Connection.Close for this id on every relay,
// removing it from their replay registries, and finishes the aggregated
// stream. No CLOSE frame is sent to the relays.
func (ps *PoolSubscription) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	ps.mu.Unlock()

	ps.pool.subsMu.Lock()
	delete(ps.pool.subs, ps.ID)
	ps.pool.subsMu.Unlock()

	for _, tr := range ps.pool.allRelays() {
		tr.conn.Close(ps.ID)
	}
	close(ps.eventsCh)
}

// CloseSubscription closes the pool subscription named id, if any.
func (p *Pool) CloseSubscription(id string) {
	p.subsMu.Lock()
	ps, ok := p.subs[id]
	p.subsMu.Unlock()
	if ok {
		ps.Close()
	}
}

func (p *Pool) allRelays() []*trackedRelay {
	out := make([]*trackedRelay, 0, p.relays.Size())
	p.relays.Range(func(_ string, tr *trackedRelay) bool {
		out = append(out, tr)
		return true
	})
	return out
}

// pumpConnection routes one relay's inbound stream into pool state
// (health, stats) and the matching PoolSubscription, per spec §2's data
// flow (Connection -> Pool -> matching PoolSubscriptions).
func (p *Pool) pumpConnection(url string, tr *trackedRelay) {
	for in := range tr.conn.Inbound() {
		tr.mu.Lock()
		tr.rec.Stats.Received++
		tr.rec.Stats.LastActivity = time.Now()
		tr.mu.Unlock()

		p.subsMu.Lock()
		ps, ok := p.subs[in.SubID]
		p.subsMu.Unlock()
		if !ok {
			continue
		}
		switch {
		case in.Closed != "":
			ps.handleRelayEOSE(url)
		case in.EOSE:
			ps.handleRelayEOSE(url)
		default:
			ps.handleEvent(in.Event)
		}
	}

	tr.mu.Lock()
	tr.rec.State = RelayDisconnected
	tr.mu.Unlock()
	p.notifyStatus(url, RelayDisconnected, nil)
}
