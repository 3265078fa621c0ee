package main

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"

	"github.com/nostrlayer/relaykit/errkind"
	"github.com/nostrlayer/relaykit/keystore"
)

// fileSecretStore is a demo keystore.SecretStore that persists keys to a
// single JSON file, so the CLI's keystore subcommands survive across
// invocations without requiring a real platform keychain.
type fileSecretStore struct {
	path string
	mu   sync.Mutex
	data map[string]string // value -> base64, to keep the file plain JSON
}

func newFileSecretStore(path string) (*fileSecretStore, error) {
	s := &fileSecretStore{path: path, data: map[string]string{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *fileSecretStore) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

func (s *fileSecretStore) Put(key string, value []byte, _ keystore.Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = base64.StdEncoding.EncodeToString(value)
	return s.save()
}

func (s *fileSecretStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	encoded, ok := s.data[key]
	if !ok {
		return nil, errkind.New(errkind.KindKeyStore, "secret not found: "+key, errkind.ErrIdentityMissing)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (s *fileSecretStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.save()
}

func (s *fileSecretStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fileSecretStore) Exists(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok, nil
}
