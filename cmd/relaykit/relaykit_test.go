package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayEntries_FlagsOnly(t *testing.T) {
	entries, err := relayEntries([]string{"wss://a", "wss://b"}, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Metadata.Read)
	assert.True(t, entries[0].Metadata.Write)
}

func TestRelayEntries_FileMergedWithFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"relays:\n  - url: wss://from-file\n    read: true\n    primary: true\n",
	), 0o600))

	entries, err := relayEntries([]string{"wss://from-flag"}, path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "wss://from-flag", entries[0].URL)
	assert.Equal(t, "wss://from-file", entries[1].URL)
	assert.True(t, entries[1].Metadata.Primary)
	assert.False(t, entries[1].Metadata.Write)
}

func TestRelayEntries_MissingFileErrors(t *testing.T) {
	_, err := relayEntries(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
