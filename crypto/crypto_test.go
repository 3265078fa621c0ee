package crypto

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_GeneratePrivateKeyAndPublicKey(t *testing.T) {
	d := Default{}
	priv, pub, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	assert.Len(t, priv, 64)
	assert.Len(t, pub, 64)

	pub2, err := d.PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, pub2)
}

func TestDefault_SignAndVerify(t *testing.T) {
	d := Default{}
	priv, pub, err := d.GeneratePrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello nostr"))
	sig, err := d.Sign(priv, digest)
	require.NoError(t, err)

	ok, err := d.Verify(pub, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefault_VerifyFailsForWrongDigest(t *testing.T) {
	d := Default{}
	priv, pub, err := d.GeneratePrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello nostr"))
	sig, err := d.Sign(priv, digest)
	require.NoError(t, err)

	other := sha256.Sum256([]byte("tampered"))
	ok, err := d.Verify(pub, other, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefault_Hash(t *testing.T) {
	d := Default{}
	want := sha256.Sum256([]byte("x"))
	assert.Equal(t, want, d.Hash([]byte("x")))
}

func TestDefault_ECDHIsSymmetric(t *testing.T) {
	d := Default{}
	privA, pubA, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	privB, pubB, err := d.GeneratePrivateKey()
	require.NoError(t, err)

	sharedAB, err := d.ECDH(privA, pubB)
	require.NoError(t, err)
	sharedBA, err := d.ECDH(privB, pubA)
	require.NoError(t, err)
	assert.Equal(t, sharedAB, sharedBA)
}

func TestDefault_NIP04RoundTrip(t *testing.T) {
	d := Default{}
	privA, _, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	privB, pubB, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	pubA, err := d.PublicKey(privA)
	require.NoError(t, err)

	ciphertext, err := d.EncryptNIP04(privA, pubB, "secret message")
	require.NoError(t, err)

	plaintext, err := d.DecryptNIP04(privB, pubA, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret message", plaintext)
}

func TestDefault_NIP44RoundTrip(t *testing.T) {
	d := Default{}
	privA, _, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	privB, pubB, err := d.GeneratePrivateKey()
	require.NoError(t, err)
	pubA, err := d.PublicKey(privA)
	require.NoError(t, err)

	ciphertext, err := d.EncryptNIP44(privA, pubB, "another secret")
	require.NoError(t, err)

	plaintext, err := d.DecryptNIP44(privB, pubA, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "another secret", plaintext)
}

func TestRandomHex32_LengthAndUniqueness(t *testing.T) {
	a, err := RandomHex32()
	require.NoError(t, err)
	b, err := RandomHex32()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
