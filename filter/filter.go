// Package filter implements the Nostr subscription filter model and the
// pure matches(event, filter) predicate described in spec §3/§4.B.
package filter

import (
	"strings"

	"github.com/samber/lo"

	"github.com/nostrlayer/relaykit/event"
)

// Filter is a conjunction of optional clauses. A nil/zero field means the
// clause is absent and always matches.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []event.Kind
	Since   *int64
	Until   *int64
	Limit   int
	Search  string

	// Tags maps a single-letter tag name ("e", "p", ...) to the
	// disjunction of values an event's tag of that name may take.
	Tags map[string][]string
}

// Matches reports whether ev satisfies every present clause in f,
// short-circuiting on the first failing clause.
func Matches(ev *event.Event, f Filter) bool {
	if len(f.IDs) > 0 && !lo.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !lo.Contains(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !lo.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, allowed := range f.Tags {
		if !matchesTagClause(ev, name, allowed) {
			return false
		}
	}
	if f.Search != "" && !matchesSearch(ev, f.Search) {
		return false
	}
	return true
}

// matchesTagClause is satisfied when any tag of ev named name carries a
// value present in allowed.
func matchesTagClause(ev *event.Event, name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	values := ev.Tags.Values(name)
	if len(values) == 0 {
		return false
	}
	return len(lo.Intersect(values, allowed)) > 0
}

// matchesSearch performs the advisory NIP-50 case-insensitive substring
// search on content, as spec §4.B defines for cache evaluation.
func matchesSearch(ev *event.Event, search string) bool {
	return strings.Contains(strings.ToLower(ev.Content), strings.ToLower(search))
}

// IndexableClauses reports whether f carries at least one clause the
// cache can serve from an index (ids, authors, kinds, or e/p tags), per
// the query plan in spec §4.C.
func (f Filter) IndexableClauses() bool {
	if len(f.IDs) > 0 || len(f.Authors) > 0 || len(f.Kinds) > 0 {
		return true
	}
	if len(f.Tags["e"]) > 0 || len(f.Tags["p"]) > 0 {
		return true
	}
	return false
}

// IsEmpty reports whether f has no clauses at all, in which case it
// matches every event subject only to Limit.
func (f Filter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		f.Since == nil && f.Until == nil && f.Search == "" && len(f.Tags) == 0
}

// SameKinds reports whether f and other specify the identical kind set,
// used by the SubscriptionManager's merge-eligibility check (spec §4.F).
func (f Filter) SameKinds(other Filter) bool {
	if len(f.Kinds) != len(other.Kinds) {
		return false
	}
	a := append([]event.Kind{}, f.Kinds...)
	b := append([]event.Kind{}, other.Kinds...)
	return len(lo.Intersect(a, b)) == len(a)
}

// OverlapsTime reports whether f and other's [Since,Until] ranges overlap,
// treating a nil bound as unbounded.
func (f Filter) OverlapsTime(other Filter) bool {
	// f starts after other ends?
	if f.Since != nil && other.Until != nil && *f.Since > *other.Until {
		return false
	}
	// other starts after f ends?
	if other.Since != nil && f.Until != nil && *other.Since > *f.Until {
		return false
	}
	return true
}

// HasConcreteIDs reports whether f names specific event ids, which
// disqualifies it from subscription merging per spec §4.F.
func (f Filter) HasConcreteIDs() bool {
	return len(f.IDs) > 0
}
