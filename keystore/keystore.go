package keystore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/errkind"
)

// Permissions gates use of an identity, per spec's Identity record.
type Permissions struct {
	CanSign           bool       `json:"can_sign"`
	CanDecrypt        bool       `json:"can_decrypt"`
	CanDerive         bool       `json:"can_derive"`
	CanExport         bool       `json:"can_export"`
	RequiresBiometric bool       `json:"requires_biometric"`
	ValidFrom         *time.Time `json:"valid_from,omitempty"`
	ValidUntil        *time.Time `json:"valid_until,omitempty"`
	UsageLimit        int        `json:"usage_limit,omitempty"`
	UsageCount        int        `json:"usage_count"`
}

// FullPermissions grants every capability with no usage bound.
func FullPermissions() Permissions {
	return Permissions{CanSign: true, CanDecrypt: true, CanDerive: true, CanExport: true}
}

// check validates perms against the current time and usage count,
// per spec §4.H: "expired or over-limit permissions block use."
func (p *Permissions) check(now time.Time) error {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return errkind.New(errkind.KindKeyStore, "permission not yet valid", errkind.ErrPermissionExpired)
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return errkind.New(errkind.KindKeyStore, "permission expired", errkind.ErrPermissionExpired)
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return errkind.New(errkind.KindKeyStore, "permission usage limit exhausted", errkind.ErrPermissionExpired)
	}
	return nil
}

// Identity is the metadata record for one managed key, per spec's
// Identity record shape.
type Identity struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsedAt      time.Time      `json:"last_used_at"`
	DerivationPath  string         `json:"derivation_path,omitempty"`
	Parent          string         `json:"parent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	PublicKey       string         `json:"public_key"`
	Permissions     Permissions    `json:"permissions"`
}

// Key-prefix conventions reserved in the SecretStore, per spec §6.
// Permissions are folded into the metadata.<id> identity record rather
// than kept under their own permissions.<id> entry, since they never
// change independently of the rest of the identity record and splitting
// them would only add a second write to keep in sync.
const (
	prefixPrivate  = "identity."
	suffixPrivate  = ".private"
	suffixPublic   = ".public"
	prefixMetadata = "metadata."
)

func privateKey(id string) string  { return prefixPrivate + id + suffixPrivate }
func publicKey(id string) string   { return prefixPrivate + id + suffixPublic }
func metadataKey(id string) string { return prefixMetadata + id }

// KeyStore composes a SecretStore into identity storage, permission
// enforcement, key derivation, and backup/restore.
type KeyStore struct {
	store  SecretStore
	crypto crypto.Crypto

	mu sync.Mutex // serializes create/derive/delete against duplicate-id races
}

// New constructs a KeyStore over store, using cr for key generation,
// signing, and HMAC derivation.
func New(store SecretStore, cr crypto.Crypto) *KeyStore {
	return &KeyStore{store: store, crypto: cr}
}

// CreateIdentity generates a fresh keypair and stores it under id with
// name, perms, and metadata.
func (k *KeyStore) CreateIdentity(id, name string, perms Permissions, metadata map[string]any) (Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if exists, _ := k.store.Exists(metadataKey(id)); exists {
		return Identity{}, errkind.New(errkind.KindKeyStore, "identity already exists: "+id, errkind.ErrIdentityDuplicate)
	}

	privHex, pubHex, err := k.crypto.GeneratePrivateKey()
	if err != nil {
		return Identity{}, errkind.New(errkind.KindKeyStore, "generate identity key", err)
	}

	ident := Identity{
		ID:          id,
		Name:        name,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
		Metadata:    metadata,
		PublicKey:   pubHex,
		Permissions: perms,
	}
	if err := k.persist(ident, privHex); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

func (k *KeyStore) persist(ident Identity, privHex string) error {
	if err := k.store.Put(privateKey(ident.ID), []byte(privHex), ProtectionUnlockRequired); err != nil {
		return errkind.New(errkind.KindKeyStore, "store private key", err)
	}
	if err := k.store.Put(publicKey(ident.ID), []byte(ident.PublicKey), ProtectionNone); err != nil {
		return errkind.New(errkind.KindKeyStore, "store public key", err)
	}
	meta, err := json.Marshal(ident)
	if err != nil {
		return errkind.New(errkind.KindKeyStore, "marshal identity metadata", err)
	}
	if err := k.store.Put(metadataKey(ident.ID), meta, ProtectionNone); err != nil {
		return errkind.New(errkind.KindKeyStore, "store identity metadata", err)
	}
	return nil
}

// Identity returns the metadata record for id.
func (k *KeyStore) Identity(id string) (Identity, error) {
	raw, err := k.store.Get(metadataKey(id))
	if err != nil {
		return Identity{}, errkind.New(errkind.KindKeyStore, "identity not found: "+id, errkind.ErrIdentityMissing)
	}
	var ident Identity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return Identity{}, errkind.New(errkind.KindKeyStore, "corrupt identity metadata", err)
	}
	return ident, nil
}

// List returns every known identity id.
func (k *KeyStore) List() ([]string, error) {
	keys, err := k.store.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		if len(key) > len(prefixMetadata) && key[:len(prefixMetadata)] == prefixMetadata {
			ids = append(ids, key[len(prefixMetadata):])
		}
	}
	return ids, nil
}

// Delete removes every key-prefix entry for id.
func (k *KeyStore) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range []string{privateKey(id), publicKey(id), metadataKey(id)} {
		_ = k.store.Delete(key)
	}
	return nil
}

// privateKeyFor fetches and permission-checks id's private key for the
// capability named by require.
func (k *KeyStore) privateKeyFor(id string, require func(Permissions) bool) (string, Identity, error) {
	ident, err := k.Identity(id)
	if err != nil {
		return "", Identity{}, err
	}
	if err := ident.Permissions.check(time.Now()); err != nil {
		return "", Identity{}, err
	}
	if !require(ident.Permissions) {
		return "", Identity{}, errkind.New(errkind.KindKeyStore, "permission denied for identity "+id, errkind.ErrPermissionDenied)
	}
	raw, err := k.store.Get(privateKey(id))
	if err != nil {
		return "", Identity{}, errkind.New(errkind.KindKeyStore, "private key not found: "+id, errkind.ErrIdentityMissing)
	}
	return string(raw), ident, nil
}

// recordUse increments usage_count and last_used_at, persisting the
// updated metadata.
func (k *KeyStore) recordUse(ident Identity) {
	ident.LastUsedAt = time.Now()
	ident.Permissions.UsageCount++
	meta, err := json.Marshal(ident)
	if err != nil {
		return
	}
	_ = k.store.Put(metadataKey(ident.ID), meta, ProtectionNone)
}

// Sign signs digest with id's private key, consulting can_sign.
func (k *KeyStore) Sign(id string, digest [32]byte) (string, error) {
	privHex, ident, err := k.privateKeyFor(id, func(p Permissions) bool { return p.CanSign })
	if err != nil {
		return "", err
	}
	sig, err := k.crypto.Sign(privHex, digest)
	if err != nil {
		return "", err
	}
	k.recordUse(ident)
	return sig, nil
}

// Decrypt decrypts ciphertext (NIP-44, falling back to NIP-04) using
// id's private key, consulting can_decrypt.
func (k *KeyStore) Decrypt(id, peerPubkeyHex, ciphertext string) (string, error) {
	privHex, ident, err := k.privateKeyFor(id, func(p Permissions) bool { return p.CanDecrypt })
	if err != nil {
		return "", err
	}
	pt, err := k.crypto.DecryptNIP44(privHex, peerPubkeyHex, ciphertext)
	if err != nil {
		pt, err = k.crypto.DecryptNIP04(privHex, peerPubkeyHex, ciphertext)
		if err != nil {
			return "", errkind.New(errkind.KindKeyStore, "decrypt failed", errkind.ErrDecryptionFailed)
		}
	}
	k.recordUse(ident)
	return pt, nil
}

// Derive implements spec §4.H's derive(parent_id, path) -> child_id:
// HMAC-SHA-256 over the parent private key with path as message; the
// resulting 32 bytes become the child private key. The child inherits
// the parent's permissions and records parent/path provenance.
func (k *KeyStore) Derive(parentID, path, childID string) (Identity, error) {
	parentPriv, parentIdent, err := k.privateKeyFor(parentID, func(p Permissions) bool { return p.CanDerive })
	if err != nil {
		return Identity{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if exists, _ := k.store.Exists(metadataKey(childID)); exists {
		return Identity{}, errkind.New(errkind.KindKeyStore, "identity already exists: "+childID, errkind.ErrIdentityDuplicate)
	}

	parentRaw, err := hex.DecodeString(parentPriv)
	if err != nil {
		return Identity{}, errkind.New(errkind.KindKeyStore, "decode parent private key", err)
	}
	mac := hmac.New(sha256.New, parentRaw)
	mac.Write([]byte(path))
	childPriv := mac.Sum(nil)
	childPrivHex := hex.EncodeToString(childPriv)

	childPub, err := k.crypto.PublicKey(childPrivHex)
	if err != nil {
		return Identity{}, errkind.New(errkind.KindKeyStore, "derive child public key", err)
	}

	child := Identity{
		ID:             childID,
		Name:           parentIdent.Name + "/" + path,
		CreatedAt:      time.Now(),
		LastUsedAt:     time.Now(),
		DerivationPath: path,
		Parent:         parentID,
		PublicKey:      childPub,
		Permissions:    parentIdent.Permissions,
	}
	if err := k.persist(child, childPrivHex); err != nil {
		return Identity{}, err
	}
	return child, nil
}
