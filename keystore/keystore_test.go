package keystore

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/errkind"
)

func newTestStore(t *testing.T) *KeyStore {
	t.Helper()
	return New(NewMemoryStore(), crypto.Default{})
}

func TestKeyStore_CreateAndFetchIdentity(t *testing.T) {
	k := newTestStore(t)

	ident, err := k.CreateIdentity("alice", "Alice", FullPermissions(), map[string]any{"role": "owner"})
	require.NoError(t, err)
	assert.Equal(t, "alice", ident.ID)
	assert.NotEmpty(t, ident.PublicKey)

	fetched, err := k.Identity("alice")
	require.NoError(t, err)
	assert.Equal(t, ident.PublicKey, fetched.PublicKey)
	assert.Equal(t, "owner", fetched.Metadata["role"])
}

func TestKeyStore_CreateIdentity_DuplicateRejected(t *testing.T) {
	k := newTestStore(t)
	_, err := k.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)

	_, err = k.CreateIdentity("alice", "Alice Again", FullPermissions(), nil)
	assert.Error(t, err)
}

func TestKeyStore_DuplicateDetectionSurvivesFreshKeyStoreOverSameStore(t *testing.T) {
	store := NewMemoryStore()
	k1 := New(store, crypto.Default{})
	_, err := k1.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)

	// A second KeyStore instance over the same backing store (e.g. a
	// fresh process restart) must still see "alice" as existing.
	k2 := New(store, crypto.Default{})
	_, err = k2.CreateIdentity("alice", "Alice Again", FullPermissions(), nil)
	assert.Error(t, err, "duplicate check must consult the store, not in-process state")
}

func TestKeyStore_ListAndDelete(t *testing.T) {
	k := newTestStore(t)
	_, err := k.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)
	_, err = k.CreateIdentity("bob", "Bob", FullPermissions(), nil)
	require.NoError(t, err)

	ids, err := k.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	require.NoError(t, k.Delete("alice"))
	ids, err = k.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob"}, ids)

	_, err = k.Identity("alice")
	assert.Error(t, err)
}

func TestKeyStore_SignRequiresCanSign(t *testing.T) {
	k := newTestStore(t)
	noSign := FullPermissions()
	noSign.CanSign = false
	_, err := k.CreateIdentity("alice", "Alice", noSign, nil)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello"))
	_, err = k.Sign("alice", digest)
	assert.ErrorIs(t, err, errkind.ErrPermissionDenied)
}

func TestKeyStore_SignSucceedsAndIncrementsUsage(t *testing.T) {
	k := newTestStore(t)
	_, err := k.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello"))
	sig, err := k.Sign("alice", digest)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	ident, err := k.Identity("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, ident.Permissions.UsageCount)
}

func TestKeyStore_PermissionExpiry(t *testing.T) {
	k := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	perms := FullPermissions()
	perms.ValidUntil = &past
	_, err := k.CreateIdentity("alice", "Alice", perms, nil)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello"))
	_, err = k.Sign("alice", digest)
	assert.Error(t, err)
}

func TestKeyStore_UsageLimitExhausted(t *testing.T) {
	k := newTestStore(t)
	perms := FullPermissions()
	perms.UsageLimit = 1
	_, err := k.CreateIdentity("alice", "Alice", perms, nil)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello"))
	_, err = k.Sign("alice", digest)
	require.NoError(t, err)

	_, err = k.Sign("alice", digest)
	assert.Error(t, err, "second sign exceeds usage_limit of 1")
}

func TestKeyStore_Derive(t *testing.T) {
	k := newTestStore(t)
	parent, err := k.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)

	child, err := k.Derive("alice", "m/0", "alice/0")
	require.NoError(t, err)
	assert.Equal(t, "alice", child.Parent)
	assert.Equal(t, "m/0", child.DerivationPath)
	assert.NotEqual(t, parent.PublicKey, child.PublicKey)
	assert.Equal(t, parent.Permissions, child.Permissions)

	// deriving the same path twice yields the same child key
	again, err := k.Derive("alice", "m/0", "alice/0-again")
	require.NoError(t, err)
	assert.Equal(t, child.PublicKey, again.PublicKey)
}

func TestKeyStore_DeriveRequiresCanDerive(t *testing.T) {
	k := newTestStore(t)
	noDerive := FullPermissions()
	noDerive.CanDerive = false
	_, err := k.CreateIdentity("alice", "Alice", noDerive, nil)
	require.NoError(t, err)

	_, err = k.Derive("alice", "m/0", "alice/0")
	assert.Error(t, err)
}

func TestKeyStore_DeriveDuplicateChildRejected(t *testing.T) {
	k := newTestStore(t)
	_, err := k.CreateIdentity("alice", "Alice", FullPermissions(), nil)
	require.NoError(t, err)
	_, err = k.Derive("alice", "m/0", "alice/0")
	require.NoError(t, err)

	_, err = k.Derive("alice", "m/1", "alice/0")
	assert.Error(t, err, "child id already in use")
}
