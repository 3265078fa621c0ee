package cache

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrlayer/relaykit/event"
)

func TestCache_DiskFallthrough(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{
		MaxMemoryEvents: 1,
		Disk:            &DiskConfig{Dir: dir},
	}, nil)
	require.NoError(t, err)

	a := mustEvent(t, event.KindTextNote, "alice", 100, nil)
	b := mustEvent(t, event.KindTextNote, "bob", 200, nil)
	_, err = c.Put(a)
	require.NoError(t, err)
	_, err = c.Put(b) // evicts a from memory, but a.json remains on disk

	require.NoError(t, err)

	got, ok := c.Get(a.ID)
	require.True(t, ok, "memory miss falls through to disk")
	assert.Equal(t, a.ID, got.ID)
}

func TestDiskStore_CleanupByAge(t *testing.T) {
	dir := t.TempDir()
	ds, err := newDiskStore(DiskConfig{Dir: dir})
	require.NoError(t, err)

	ev := mustEvent(t, event.KindTextNote, "alice", 100, nil)
	require.NoError(t, ds.write(ev))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(ds.path(ev.ID), old, old))

	err = ds.cleanup(time.Hour) // the file was last modified two hours ago, past the one-hour cutoff
	require.NoError(t, err)

	_, ok, err := ds.read(ev.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskStore_CleanupBySize(t *testing.T) {
	dir := t.TempDir()
	older := mustEvent(t, event.KindTextNote, "alice", 100, nil)
	newer := mustEvent(t, event.KindTextNote, "bob", 200, nil)
	newerJSON, err := json.Marshal(newer)
	require.NoError(t, err)
	// room for exactly one file: the newer one
	ds, err := newDiskStore(DiskConfig{Dir: dir, MaxSize: int64(len(newerJSON))})
	require.NoError(t, err)

	require.NoError(t, ds.write(older))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ds.write(newer))

	require.NoError(t, ds.cleanup(0))

	_, oldExists, _ := ds.read(older.ID)
	_, newExists, _ := ds.read(newer.ID)
	assert.False(t, oldExists, "oldest-first eviction removes the older file")
	assert.True(t, newExists)
}
