// Package cache implements the EventCache of spec component C: an
// indexed in-memory hot set bounded by LRU eviction, over an optional
// on-disk content-addressed spill tier, evaluated with the same filter
// language the wire protocol uses.
package cache

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

// Config covers the cache's configuration surface.
type Config struct {
	MaxMemoryEvents int
	MaxEventAge     time.Duration
	CleanupInterval time.Duration
	AutoCleanup     bool

	// Disk, when non-nil, enables the content-addressed spill tier.
	Disk *DiskConfig
}

// DefaultConfig mirrors reasonable defaults for a desktop/mobile client.
func DefaultConfig() Config {
	return Config{
		MaxMemoryEvents: 10000,
		MaxEventAge:     30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		AutoCleanup:     true,
	}
}

// idSet is the small per-index-key bucket; a map is used rather than a
// slice so removal during eviction and deletion is O(1).
type idSet map[string]struct{}

// Cache is the EventCache. All exported methods acquire mu, so the
// cache itself is the single owner of its state per spec §5; there is
// no separate goroutine loop because every call completes synchronously.
type Cache struct {
	cfg     Config
	crypto  crypto.Crypto
	disk    *diskStore
	mu      sync.Mutex
	hot     *lru.Cache[string, event.Event]
	byAuthor map[string]idSet
	byKind   map[event.Kind]idSet
	byTag    map[string]map[string]idSet // tag name -> value -> ids
	byTime   []timeEntry                 // kept sorted ascending by CreatedAt
	cancel   func()
}

type timeEntry struct {
	id        string
	createdAt int64
}

// New constructs a Cache. crypto is used to validate signatures on put;
// pass nil to skip signature validation (e.g. for trusted local writes).
func New(cfg Config, cr crypto.Crypto) (*Cache, error) {
	c := &Cache{
		cfg:      cfg,
		crypto:   cr,
		byAuthor: map[string]idSet{},
		byKind:   map[event.Kind]idSet{},
		byTag:    map[string]map[string]idSet{},
	}
	hot, err := lru.NewWithEvict(cfg.MaxMemoryEvents, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.hot = hot
	if cfg.Disk != nil {
		ds, err := newDiskStore(*cfg.Disk)
		if err != nil {
			return nil, err
		}
		c.disk = ds
	}
	return c, nil
}

// Start launches the auto-cleanup loop, if configured. Close stops it.
func (c *Cache) Start() {
	if !c.cfg.AutoCleanup || c.cfg.CleanupInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	c.cancel = sync.OnceFunc(func() { close(stop) })
	c.mu.Unlock()
	go func() {
		t := time.NewTicker(c.cfg.CleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.Cleanup(c.cfg.MaxEventAge)
			}
		}
	}()
}

// Close stops the auto-cleanup loop, if running.
func (c *Cache) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Put validates and inserts ev, returning true if it is newly accepted.
// Events older than MaxEventAge or failing signature verification are
// rejected.
func (c *Cache) Put(ev event.Event) (bool, error) {
	if c.cfg.MaxEventAge > 0 {
		cutoff := time.Now().Add(-c.cfg.MaxEventAge).Unix()
		if ev.CreatedAt < cutoff {
			return false, nil
		}
	}
	if c.crypto != nil {
		ok, err := ev.Verify(c.crypto)
		if err != nil || !ok {
			return false, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, existed := c.hot.Get(ev.ID); existed {
		return false, nil
	}
	c.hot.Add(ev.ID, ev)
	c.index(ev)
	if c.disk != nil {
		if err := c.disk.write(ev); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Get returns the event for id, checking memory first and falling
// through to disk on a memory miss (a disk hit is promoted into
// memory and counted once, per spec's single-hit lookup semantics).
func (c *Cache) Get(id string) (event.Event, bool) {
	c.mu.Lock()
	if ev, ok := c.hot.Get(id); ok {
		c.mu.Unlock()
		return ev, true
	}
	c.mu.Unlock()

	if c.disk == nil {
		return event.Event{}, false
	}
	ev, ok, err := c.disk.read(id)
	if err != nil || !ok {
		return event.Event{}, false
	}
	c.mu.Lock()
	c.hot.Add(ev.ID, ev)
	c.index(ev)
	c.mu.Unlock()
	return ev, true
}

// Query evaluates f against the cache, returning matches newest-first,
// truncated by f.Limit.
func (c *Cache) Query(f filter.Filter) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []string
	if f.IndexableClauses() {
		candidates = c.candidateIDs(f)
	} else {
		candidates = make([]string, len(c.byTime))
		for i, te := range c.byTime {
			candidates[i] = te.id
		}
	}

	out := make([]event.Event, 0, len(candidates))
	for _, id := range candidates {
		ev, ok := c.hot.Peek(id)
		if !ok {
			continue
		}
		if filter.Matches(&ev, f) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// candidateIDs intersects the index buckets touched by f's indexable
// clauses, per spec's query-plan rule.
func (c *Cache) candidateIDs(f filter.Filter) []string {
	var sets []idSet

	if len(f.IDs) > 0 {
		s := idSet{}
		for _, id := range f.IDs {
			s[id] = struct{}{}
		}
		sets = append(sets, s)
	}
	if len(f.Authors) > 0 {
		s := idSet{}
		for _, a := range f.Authors {
			for id := range c.byAuthor[a] {
				s[id] = struct{}{}
			}
		}
		sets = append(sets, s)
	}
	if len(f.Kinds) > 0 {
		s := idSet{}
		for _, k := range f.Kinds {
			for id := range c.byKind[k] {
				s[id] = struct{}{}
			}
		}
		sets = append(sets, s)
	}
	for _, tagName := range []string{"e", "p"} {
		values, ok := f.Tags[tagName]
		if !ok {
			continue
		}
		s := idSet{}
		for _, v := range values {
			for id := range c.byTag[tagName][v] {
				s[id] = struct{}{}
			}
		}
		sets = append(sets, s)
	}

	if len(sets) == 0 {
		return nil
	}
	result := sets[0]
	for _, s := range sets[1:] {
		next := idSet{}
		for id := range result {
			if _, ok := s[id]; ok {
				next[id] = struct{}{}
			}
		}
		result = next
	}
	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	return ids
}

// Remove deletes id from memory, disk, and all indices.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	c.hot.Remove(id) // triggers onEvict, which deindexes
	c.mu.Unlock()
	if c.disk != nil {
		_ = c.disk.remove(id)
	}
}

// ProcessDeletion handles a kind-5 deletion event: every `e`-tagged
// target is removed iff its author equals ev's author.
func (c *Cache) ProcessDeletion(ev event.Event) {
	if ev.Kind != event.KindDeletion {
		return
	}
	for _, t := range ev.Tags.Values("e") {
		target, ok := c.Get(t)
		if !ok {
			continue
		}
		if target.Pubkey == ev.Pubkey {
			c.Remove(t)
		}
	}
}

// Clear wipes all in-memory and on-disk state.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.hot.Purge()
	c.byAuthor = map[string]idSet{}
	c.byKind = map[event.Kind]idSet{}
	c.byTag = map[string]map[string]idSet{}
	c.byTime = nil
	c.mu.Unlock()
	if c.disk != nil {
		_ = c.disk.clear()
	}
}

// Cleanup deletes disk entries older than maxAge and enforces the disk
// size budget, and trims the time index of ids no longer hot or on
// disk. Called automatically by the Start loop when configured.
func (c *Cache) Cleanup(maxAge time.Duration) {
	if c.disk != nil {
		_ = c.disk.cleanup(maxAge)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge).Unix()
	}
	live := c.byTime[:0:0]
	for _, te := range c.byTime {
		if te.createdAt < cutoff {
			continue
		}
		if _, ok := c.hot.Peek(te.id); ok {
			live = append(live, te)
		}
	}
	c.byTime = live
}

// index inserts ev's id into every secondary index. Callers must hold mu.
func (c *Cache) index(ev event.Event) {
	addTo(c.byAuthor, ev.Pubkey, ev.ID)
	if c.byKind[ev.Kind] == nil {
		c.byKind[ev.Kind] = idSet{}
	}
	c.byKind[ev.Kind][ev.ID] = struct{}{}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		name, value := tag.Name(), tag.Value()
		if name != "e" && name != "p" {
			continue
		}
		if c.byTag[name] == nil {
			c.byTag[name] = map[string]idSet{}
		}
		if c.byTag[name][value] == nil {
			c.byTag[name][value] = idSet{}
		}
		c.byTag[name][value][ev.ID] = struct{}{}
	}
	c.insertSorted(ev.ID, ev.CreatedAt)
}

func addTo(m map[string]idSet, key, id string) {
	if m[key] == nil {
		m[key] = idSet{}
	}
	m[key][id] = struct{}{}
}

// insertSorted keeps byTime ascending by created_at via insertion sort,
// which is cheap since puts arrive roughly in time order in practice.
func (c *Cache) insertSorted(id string, createdAt int64) {
	i := sort.Search(len(c.byTime), func(i int) bool { return c.byTime[i].createdAt >= createdAt })
	c.byTime = append(c.byTime, timeEntry{})
	copy(c.byTime[i+1:], c.byTime[i:])
	c.byTime[i] = timeEntry{id: id, createdAt: createdAt}
}

// onEvict is the LRU eviction callback: it removes the evicted id from
// every secondary index, per spec's eviction contract. Invoked by the
// underlying lru.Cache with mu already held by the caller of Remove/Add.
func (c *Cache) onEvict(id string, ev event.Event) {
	deleteFrom(c.byAuthor, ev.Pubkey, id)
	if s := c.byKind[ev.Kind]; s != nil {
		delete(s, id)
	}
	for name, byValue := range c.byTag {
		for value, s := range byValue {
			delete(s, id)
			if len(s) == 0 {
				delete(byValue, value)
			}
		}
		if len(byValue) == 0 {
			delete(c.byTag, name)
		}
	}
	for i, te := range c.byTime {
		if te.id == id {
			c.byTime = append(c.byTime[:i], c.byTime[i+1:]...)
			break
		}
	}
}

func deleteFrom(m map[string]idSet, key, id string) {
	if s, ok := m[key]; ok {
		delete(s, id)
		if len(s) == 0 {
			delete(m, key)
		}
	}
}
