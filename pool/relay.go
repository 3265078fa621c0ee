// Package pool implements the RelayPool of spec §4.E: multi-relay
// fanout, health scoring, publication acknowledgement tracking, and
// pooled subscriptions with cross-relay deduplication.
package pool

import (
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// Metadata controls whether the pool treats a relay as readable,
// writable, and/or its primary relay for a given purpose (spec §3).
type Metadata struct {
	Read    bool
	Write   bool
	Primary bool
}

// DefaultMetadata allows both read and write, matching spec §4.E's
// "default all" fan-out behavior.
func DefaultMetadata() Metadata { return Metadata{Read: true, Write: true} }

// RelayState mirrors connection.State at the pool's Relay-record level
// (spec §3).
type RelayState int

const (
	RelayDisconnected RelayState = iota
	RelayConnecting
	RelayConnected
	RelayReconnecting
	RelayFailed
)

// Info is the NIP-11 relay information document spec §6 requires,
// fetched via go-nostr's nip11 client rather than a hand-rolled decode.
type Info = nip11.RelayInformationDocument

// Limitation is NIP-11's limitation object.
type Limitation = nip11.RelayLimitationDocument

// Stats is the per-relay counters of spec §3.
type Stats struct {
	Sent         int64
	Received     int64
	Subs         int64
	AvgRoundTrip time.Duration
	LastActivity time.Time
}

// Relay is the pool-level record of spec §3.
type Relay struct {
	URL            string
	State          RelayState
	Health         float64
	FailureCount   int
	LastConnectedAt time.Time
	LastError      error
	Info           *Info
	Metadata       Metadata
	Stats          Stats
}

// health impact constants, per spec §4.E.
const (
	impactConnectionFailure = -0.3
	impactTimeout           = -0.2
	impactPublishFailure    = -0.1
	impactEventRejected     = -0.05
	impactConnectionSuccess = 0.1
	impactPublishSuccess    = 0.05
)

func clampHealth(h float64) float64 {
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}

// ValidateRelayURL enforces spec §4.E's scheme rule, replacing the
// teacher's heavier protocol/domain.go TLD parser (see DESIGN.md) with
// the few lines this spec actually needs.
func ValidateRelayURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

