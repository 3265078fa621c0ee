package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
)

func int64p(v int64) *int64 { return &v }

func TestMergeable(t *testing.T) {
	tests := []struct {
		name string
		a, b filter.Filter
		want bool
	}{
		{
			name: "identical kinds, overlapping time",
			a:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}, Since: int64p(100), Until: int64p(200)},
			b:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}, Since: int64p(150), Until: int64p(300)},
			want: true,
		},
		{
			name: "different kinds",
			a:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}},
			b:    filter.Filter{Kinds: []event.Kind{event.KindProfileMetadata}},
			want: false,
		},
		{
			name: "concrete ids disqualify",
			a:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}, IDs: []string{"abc"}},
			b:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}},
			want: false,
		},
		{
			name: "non-overlapping time ranges",
			a:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}, Until: int64p(100)},
			b:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}, Since: int64p(200)},
			want: false,
		},
		{
			name: "unbounded ranges always overlap",
			a:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}},
			b:    filter.Filter{Kinds: []event.Kind{event.KindTextNote}},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeable(tt.a, tt.b))
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.AutoRenew)
	assert.True(t, opts.CacheResults)
	assert.True(t, opts.Deduplicate)
	assert.False(t, opts.CloseAfterEOSE)
	assert.Greater(t, opts.MaxBuffer, 0)
}
