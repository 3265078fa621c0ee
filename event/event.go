// Package event implements the Nostr event data model: canonical id
// hashing, JSON wire encoding, and signature verification delegated to
// a Crypto implementation chosen by the caller.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind discriminates the semantic type of an event.
type Kind int64

const (
	KindProfileMetadata Kind = 0
	KindTextNote        Kind = 1
	KindDeletion        Kind = 5
	KindAuth            Kind = 22242
)

// Tag is an ordered sequence of strings, the first element naming the tag.
type Tag []string

// Name returns the tag's first element, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered collection of Tag.
type Tags []Tag

// Find returns the first tag whose name matches, and whether one was found.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if tag.Name() == name {
			return tag, true
		}
	}
	return nil, false
}

// Values returns every value for tags matching name, preserving order.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if tag.Name() == name && len(tag) > 1 {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is the immutable Nostr record described by spec §3.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonicalArray builds the [0, pubkey, created_at, kind, tags, content]
// array whose sha256 is the event id, per NIP-01 / spec §3.
func (e *Event) canonicalArray() []any {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	return []any{0, e.Pubkey, e.CreatedAt, int64(e.Kind), tags, e.Content}
}

// canonicalJSON renders the canonical array with sorted object keys and
// without escaping forward slashes or HTML metacharacters, as spec §3/§6
// require. The canonical array only contains arrays, strings and numbers
// (no objects), so "sorted object keys" is vacuously satisfied here; the
// HTML-escaping behavior of encoding/json.Marshal (which turns '<', '>'
// and '&' into < etc.) must be disabled explicitly, since NIP-01
// hashing is defined over the literal bytes.
func (e *Event) canonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.canonicalArray()); err != nil {
		return nil, fmt.Errorf("marshal canonical event: %w", err)
	}
	// Encoder.Encode appends a trailing newline; NIP-01 hashing has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the sha256 of the canonical serialization, hex-encoded.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.canonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Signer signs and verifies events; satisfied by crypto.Crypto.
type Signer interface {
	Sign(privkeyHex string, digest [32]byte) (sigHex string, err error)
	Verify(pubkeyHex string, digest [32]byte, sigHex string) (bool, error)
}

// Fill computes and stores ID, and signs with Sign, setting Sig and Pubkey.
func (e *Event) Fill(s Signer, privkeyHex, pubkeyHex string) error {
	e.Pubkey = pubkeyHex
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	digest, err := decodeDigest(id)
	if err != nil {
		return err
	}
	sig, err := s.Sign(privkeyHex, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = sig
	return nil
}

// Verify checks that ID is the canonical hash of the remaining fields and
// that Sig verifies against Pubkey over ID, via s.
func (e *Event) Verify(s Signer) (bool, error) {
	wantID, err := e.ComputeID()
	if err != nil {
		return false, err
	}
	if wantID != e.ID {
		return false, nil
	}
	digest, err := decodeDigest(e.ID)
	if err != nil {
		return false, err
	}
	return s.Verify(e.Pubkey, digest, e.Sig)
}

func decodeDigest(idHex string) ([32]byte, error) {
	var digest [32]byte
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return digest, fmt.Errorf("decode event id: %w", err)
	}
	if len(raw) != 32 {
		return digest, fmt.Errorf("event id has %d bytes, want 32", len(raw))
	}
	copy(digest[:], raw)
	return digest, nil
}

// Clone returns a deep-enough copy for safe concurrent sharing (tags are
// copied since callers in cache/pool hand events across goroutine
// boundaries without further synchronization).
func (e *Event) Clone() *Event {
	cp := *e
	cp.Tags = make(Tags, len(e.Tags))
	for i, t := range e.Tags {
		tc := make(Tag, len(t))
		copy(tc, t)
		cp.Tags[i] = tc
	}
	return &cp
}

