// Package keystore implements the SecretStore narrow platform interface
// and the KeyStore identity manager of spec component H.
package keystore

import (
	"sync"

	"github.com/nostrlayer/relaykit/errkind"
)

// Protection is the platform protection level requested for a secret.
type Protection int

const (
	ProtectionNone Protection = iota
	ProtectionUnlockRequired
	ProtectionBiometricRequired
)

// SecretStore is the narrow platform interface spec §4.H names: put,
// get, delete, list, exists, each keyed by an opaque string.
// Implementations adapt to OS keychains, encrypted files, etc.
type SecretStore interface {
	Put(key string, value []byte, protection Protection) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	List() ([]string, error)
	Exists(key string) (bool, error)
}

// MemoryStore is an in-process SecretStore, grounded on the teacher's
// plain in-memory registries (e.g. protocol/pool.go's map-backed
// relay registry) — useful standalone and as the backing store behind
// platform keychains that expose the same put/get/delete/list shape.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Put(key string, value []byte, _ Protection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errkind.New(errkind.KindKeyStore, "secret not found: "+key, errkind.ErrIdentityMissing)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryStore) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}
