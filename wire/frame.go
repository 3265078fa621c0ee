// Package wire encodes and decodes the client<->relay JSON array frames
// defined by spec §4.A / §6. Decoding never panics on unknown frames;
// unknown frames are reported to the caller as ErrUnknownFrame so the
// connection layer can count and drop them without killing the socket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

// ErrUnknownFrame is returned by Decode for a syntactically valid JSON
// array whose first element names a frame type this codec does not know.
var ErrUnknownFrame = errors.New("wire: unknown frame type")

// Kind names the eight frame types.
type Kind string

const (
	KindEvent  Kind = "EVENT"
	KindReq    Kind = "REQ"
	KindClose  Kind = "CLOSE"
	KindAuth   Kind = "AUTH"
	KindOK     Kind = "OK"
	KindEOSE   Kind = "EOSE"
	KindClosed Kind = "CLOSED"
	KindNotice Kind = "NOTICE"
)

// ClientEvent is ["EVENT", event].
type ClientEvent struct{ Event event.Event }

// ClientReq is ["REQ", sub_id, filter...].
type ClientReq struct {
	SubID   string
	Filters []filter.Filter
}

// ClientClose is ["CLOSE", sub_id].
type ClientClose struct{ SubID string }

// ClientAuth is ["AUTH", event] (NIP-42).
type ClientAuth struct{ Event event.Event }

// RelayEvent is ["EVENT", sub_id, event].
type RelayEvent struct {
	SubID string
	Event event.Event
}

// RelayOK is ["OK", event_id, accepted, message].
type RelayOK struct {
	EventID  string
	Accepted bool
	Message  string
}

// RelayEOSE is ["EOSE", sub_id].
type RelayEOSE struct{ SubID string }

// RelayClosed is ["CLOSED", sub_id, message].
type RelayClosed struct {
	SubID   string
	Message string
}

// RelayNotice is ["NOTICE", text].
type RelayNotice struct{ Text string }

// RelayAuth is ["AUTH", challenge] (NIP-42).
type RelayAuth struct{ Challenge string }

// Frame wraps one decoded message with its Kind so callers can type-switch.
type Frame struct {
	Kind    Kind
	Event   *RelayEvent
	OK      *RelayOK
	EOSE    *RelayEOSE
	Closed  *RelayClosed
	Notice  *RelayNotice
	AuthReq *RelayAuth
}

// filterWireJSON mirrors filter.Filter's NIP-01 JSON shape for encoding.
type filterWireJSON struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int64             `json:"kinds,omitempty"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Search  string              `json:"search,omitempty"`
	Tags    map[string][]string `json:"-"`
}

func (f filterWireJSON) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for name, values := range f.Tags {
		if len(name) == 1 {
			m["#"+name] = values
		}
	}
	return json.Marshal(m)
}

func (f *filterWireJSON) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Tags = map[string][]string{}
	for key, value := range raw {
		switch key {
		case "ids":
			_ = json.Unmarshal(value, &f.IDs)
		case "authors":
			_ = json.Unmarshal(value, &f.Authors)
		case "kinds":
			_ = json.Unmarshal(value, &f.Kinds)
		case "since":
			var v int64
			if json.Unmarshal(value, &v) == nil {
				f.Since = &v
			}
		case "until":
			var v int64
			if json.Unmarshal(value, &v) == nil {
				f.Until = &v
			}
		case "limit":
			_ = json.Unmarshal(value, &f.Limit)
		case "search":
			_ = json.Unmarshal(value, &f.Search)
		default:
			if len(key) == 2 && key[0] == '#' {
				var values []string
				if json.Unmarshal(value, &values) == nil {
					f.Tags[key[1:]] = values
				}
			}
		}
	}
	return nil
}

func toWireFilter(f filter.Filter) filterWireJSON {
	kinds := make([]int64, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = int64(k)
	}
	return filterWireJSON{
		IDs: f.IDs, Authors: f.Authors, Kinds: kinds,
		Since: f.Since, Until: f.Until, Limit: f.Limit, Search: f.Search,
		Tags: f.Tags,
	}
}

func fromWireFilter(w filterWireJSON) filter.Filter {
	kinds := make([]event.Kind, len(w.Kinds))
	for i, k := range w.Kinds {
		kinds[i] = event.Kind(k)
	}
	return filter.Filter{
		IDs: w.IDs, Authors: w.Authors, Kinds: kinds,
		Since: w.Since, Until: w.Until, Limit: w.Limit, Search: w.Search,
		Tags: w.Tags,
	}
}

// EncodeEvent builds the ["EVENT", event] client frame.
func EncodeEvent(ev event.Event) ([]byte, error) {
	return json.Marshal([]any{KindEvent, ev})
}

// EncodeReq builds the ["REQ", sub_id, filter...] client frame.
func EncodeReq(subID string, filters []filter.Filter) ([]byte, error) {
	arr := make([]any, 0, 2+len(filters))
	arr = append(arr, KindReq, subID)
	for _, f := range filters {
		arr = append(arr, toWireFilter(f))
	}
	return json.Marshal(arr)
}

// EncodeClose builds the ["CLOSE", sub_id] client frame.
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{KindClose, subID})
}

// EncodeAuth builds the ["AUTH", event] client frame (NIP-42).
func EncodeAuth(ev event.Event) ([]byte, error) {
	return json.Marshal([]any{KindAuth, ev})
}

// Decode parses one relay->client frame. Malformed or unrecognized
// frames return ErrUnknownFrame (or a wrapped JSON error for outright
// malformed JSON) rather than panicking, per spec §4.A/§7.
func Decode(raw []byte) (Frame, error) {
	var head []json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnknownFrame, err)
	}
	if len(head) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrUnknownFrame)
	}
	var kind string
	if err := json.Unmarshal(head[0], &kind); err != nil {
		return Frame{}, fmt.Errorf("%w: non-string frame kind", ErrUnknownFrame)
	}
	switch Kind(kind) {
	case KindEvent:
		if len(head) < 3 {
			return Frame{}, fmt.Errorf("%w: short EVENT frame", ErrUnknownFrame)
		}
		var subID string
		var ev event.Event
		if err := json.Unmarshal(head[1], &subID); err != nil {
			return Frame{}, fmt.Errorf("%w: bad EVENT sub_id", ErrUnknownFrame)
		}
		if err := json.Unmarshal(head[2], &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: bad EVENT payload", ErrUnknownFrame)
		}
		return Frame{Kind: KindEvent, Event: &RelayEvent{SubID: subID, Event: ev}}, nil
	case KindOK:
		if len(head) < 4 {
			return Frame{}, fmt.Errorf("%w: short OK frame", ErrUnknownFrame)
		}
		var id string
		var accepted bool
		var msg string
		_ = json.Unmarshal(head[1], &id)
		_ = json.Unmarshal(head[2], &accepted)
		_ = json.Unmarshal(head[3], &msg)
		return Frame{Kind: KindOK, OK: &RelayOK{EventID: id, Accepted: accepted, Message: msg}}, nil
	case KindEOSE:
		if len(head) < 2 {
			return Frame{}, fmt.Errorf("%w: short EOSE frame", ErrUnknownFrame)
		}
		var subID string
		_ = json.Unmarshal(head[1], &subID)
		return Frame{Kind: KindEOSE, EOSE: &RelayEOSE{SubID: subID}}, nil
	case KindClosed:
		if len(head) < 2 {
			return Frame{}, fmt.Errorf("%w: short CLOSED frame", ErrUnknownFrame)
		}
		var subID, msg string
		_ = json.Unmarshal(head[1], &subID)
		if len(head) > 2 {
			_ = json.Unmarshal(head[2], &msg)
		}
		return Frame{Kind: KindClosed, Closed: &RelayClosed{SubID: subID, Message: msg}}, nil
	case KindNotice:
		if len(head) < 2 {
			return Frame{}, fmt.Errorf("%w: short NOTICE frame", ErrUnknownFrame)
		}
		var text string
		_ = json.Unmarshal(head[1], &text)
		return Frame{Kind: KindNotice, Notice: &RelayNotice{Text: text}}, nil
	case KindAuth:
		if len(head) < 2 {
			return Frame{}, fmt.Errorf("%w: short AUTH frame", ErrUnknownFrame)
		}
		var challenge string
		_ = json.Unmarshal(head[1], &challenge)
		return Frame{Kind: KindAuth, AuthReq: &RelayAuth{Challenge: challenge}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, kind)
	}
}
