package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

func ptr(i int64) *int64 { return &i }

func TestEncodeEvent(t *testing.T) {
	ev := event.Event{ID: "abc", Content: "hi"}
	raw, err := EncodeEvent(ev)
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &arr))
	require.Len(t, arr, 2)
	var kind string
	require.NoError(t, json.Unmarshal(arr[0], &kind))
	assert.Equal(t, "EVENT", kind)
}

func TestEncodeReq_WithFilters(t *testing.T) {
	f := filter.Filter{Kinds: []event.Kind{event.KindTextNote}, Since: ptr(100)}
	raw, err := EncodeReq("sub1", []filter.Filter{f})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"REQ"`)
	assert.Contains(t, string(raw), `"sub1"`)
	assert.Contains(t, string(raw), `"kinds":[1]`)
	assert.Contains(t, string(raw), `"since":100`)
}

func TestEncodeClose(t *testing.T) {
	raw, err := EncodeClose("sub1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub1"]`, string(raw))
}

func TestDecode_Event(t *testing.T) {
	raw := []byte(`["EVENT","sub1",{"id":"abc","pubkey":"p","created_at":1,"kind":1,"tags":[],"content":"hi","sig":"s"}]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindEvent, frame.Kind)
	require.NotNil(t, frame.Event)
	assert.Equal(t, "sub1", frame.Event.SubID)
	assert.Equal(t, "abc", frame.Event.Event.ID)
}

func TestDecode_OK(t *testing.T) {
	raw := []byte(`["OK","evtid",true,"stored"]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.OK)
	assert.Equal(t, "evtid", frame.OK.EventID)
	assert.True(t, frame.OK.Accepted)
	assert.Equal(t, "stored", frame.OK.Message)
}

func TestDecode_EOSE(t *testing.T) {
	raw := []byte(`["EOSE","sub1"]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.EOSE)
	assert.Equal(t, "sub1", frame.EOSE.SubID)
}

func TestDecode_Notice(t *testing.T) {
	raw := []byte(`["NOTICE","rate limited"]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Notice)
	assert.Equal(t, "rate limited", frame.Notice.Text)
}

func TestDecode_Closed(t *testing.T) {
	raw := []byte(`["CLOSED","sub1","auth-required: please authenticate"]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Closed)
	assert.Equal(t, "sub1", frame.Closed.SubID)
	assert.Contains(t, frame.Closed.Message, "auth-required")
}

func TestDecode_Auth(t *testing.T) {
	raw := []byte(`["AUTH","challenge-string"]`)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.AuthReq)
	assert.Equal(t, "challenge-string", frame.AuthReq.Challenge)
}

func TestDecode_UnknownFrameKind(t *testing.T) {
	raw := []byte(`["BOGUS","x"]`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestDecode_EmptyArray(t *testing.T) {
	_, err := Decode([]byte(`[]`))
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestDecode_ShortEventFrame(t *testing.T) {
	_, err := Decode([]byte(`["EVENT","sub1"]`))
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestFilterWireJSON_RoundTripsTagClauses(t *testing.T) {
	f := filter.Filter{Tags: map[string][]string{"e": {"evt1", "evt2"}}}
	raw, err := json.Marshal(toWireFilter(f))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"#e":["evt1","evt2"]`)

	var w filterWireJSON
	require.NoError(t, json.Unmarshal(raw, &w))
	back := fromWireFilter(w)
	assert.Equal(t, []string{"evt1", "evt2"}, back.Tags["e"])
}
