package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nostrlayer/relaykit/event"
)

// DiskConfig configures the content-addressed on-disk spill tier.
type DiskConfig struct {
	Dir     string
	MaxSize int64 // bytes; 0 means unbounded
}

// diskStore is a flat directory of <event_id>.json files, one per
// cached event, per spec §6's disk layout.
type diskStore struct {
	dir     string
	maxSize int64
}

func newDiskStore(cfg DiskConfig) (*diskStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, err
	}
	return &diskStore{dir: cfg.Dir, maxSize: cfg.MaxSize}, nil
}

func (d *diskStore) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

func (d *diskStore) write(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return os.WriteFile(d.path(ev.ID), data, 0o600)
}

func (d *diskStore) read(id string) (event.Event, bool, error) {
	data, err := os.ReadFile(d.path(id))
	if os.IsNotExist(err) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, false, err
	}
	return ev, true, nil
}

func (d *diskStore) remove(id string) error {
	err := os.Remove(d.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *diskStore) clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

type diskEntry struct {
	name    string
	modTime time.Time
	size    int64
}

// cleanup deletes files older than maxAge, then, if the remaining total
// exceeds maxSize, removes oldest-first until under the limit, per
// spec §4.C.
func (d *diskStore) cleanup(maxAge time.Duration) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	var live []diskEntry
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(d.dir, e.Name()))
			continue
		}
		live = append(live, diskEntry{name: e.Name(), modTime: info.ModTime(), size: info.Size()})
	}

	if d.maxSize <= 0 {
		return nil
	}
	var total int64
	for _, le := range live {
		total += le.size
	}
	if total <= d.maxSize {
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].modTime.Before(live[j].modTime) })
	for _, le := range live {
		if total <= d.maxSize {
			break
		}
		if err := os.Remove(filepath.Join(d.dir, le.name)); err != nil {
			continue
		}
		total -= le.size
	}
	return nil
}
