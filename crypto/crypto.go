// Package crypto defines the narrow Crypto capability spec §9 requires
// core components to treat as an external collaborator, plus a default
// implementation grounded on the teacher's signer/NIP-44 helpers.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ekzyis/nip44"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Crypto is the capability set spec §9 names: sign/verify, hash, the two
// encryption schemes (NIP-04 legacy, NIP-44 preferred), and ECDH.
type Crypto interface {
	Sign(privkeyHex string, digest [32]byte) (sigHex string, err error)
	Verify(pubkeyHex string, digest [32]byte, sigHex string) (bool, error)
	Hash(data []byte) [32]byte

	EncryptNIP04(privkeyHex, peerPubkeyHex, plaintext string) (string, error)
	DecryptNIP04(privkeyHex, peerPubkeyHex, ciphertext string) (string, error)

	EncryptNIP44(privkeyHex, peerPubkeyHex, plaintext string) (string, error)
	DecryptNIP44(privkeyHex, peerPubkeyHex, ciphertext string) (string, error)

	ECDH(privkeyHex, peerPubkeyHex string) ([]byte, error)

	// GeneratePrivateKey returns a fresh hex-encoded secp256k1 key and
	// its x-only public key, used by the overlay to mint ephemeral
	// client keypairs (NIP-46) and by the KeyStore for new identities.
	GeneratePrivateKey() (privkeyHex, pubkeyHex string, err error)
	PublicKey(privkeyHex string) (string, error)
}

// Default is the production Crypto implementation, grounded on
// protocol/signer.go (schnorr sign via btcec) and protocol/nip44.go
// (padded-hex key decoding for NIP-44).
type Default struct{}

var _ Crypto = Default{}

func (Default) Hash(data []byte) [32]byte { return sha256.Sum256(data) }

func (Default) Sign(privkeyHex string, digest [32]byte) (string, error) {
	priv, err := privKeyFromHex(privkeyHex)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func (Default) Verify(pubkeyHex string, digest [32]byte, sigHex string) (bool, error) {
	pub, err := xOnlyPubKeyFromHex(pubkeyHex)
	if err != nil {
		return false, err
	}
	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	return sig.Verify(digest[:], pub), nil
}

func (Default) EncryptNIP04(privkeyHex, peerPubkeyHex, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkeyHex, privkeyHex)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	return nip04.Encrypt(plaintext, shared)
}

func (Default) DecryptNIP04(privkeyHex, peerPubkeyHex, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkeyHex, privkeyHex)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	return nip04.Decrypt(ciphertext, shared)
}

func (Default) EncryptNIP44(privkeyHex, peerPubkeyHex, plaintext string) (string, error) {
	privBytes, err := hex.DecodeString(privkeyHex)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	pubBytes, err := paddedPubKeyBytes(peerPubkeyHex)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(hex.EncodeToString(privBytes), hex.EncodeToString(pubBytes), plaintext)
}

func (Default) DecryptNIP44(privkeyHex, peerPubkeyHex, ciphertext string) (string, error) {
	pubBytes, err := paddedPubKeyBytes(peerPubkeyHex)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(privkeyHex, hex.EncodeToString(pubBytes), ciphertext)
}

// paddedPubKeyBytes restores the 0x02 parity prefix NIP-44's key
// material needs from the bare 32-byte x-only pubkey nostr uses on the
// wire, following protocol/nip44.go's GetEncryptionKeys convention.
func paddedPubKeyBytes(xOnlyHex string) ([]byte, error) {
	return hex.DecodeString("02" + xOnlyHex)
}

// ECDH returns the shared secret over secp256k1, reusing nip04's
// well-tested shared-secret computation rather than re-deriving scalar
// multiplication by hand.
func (Default) ECDH(privkeyHex, peerPubkeyHex string) ([]byte, error) {
	return nip04.ComputeSharedSecret(peerPubkeyHex, privkeyHex)
}

func (Default) GeneratePrivateKey() (string, string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privHex := hex.EncodeToString(priv.Serialize())
	pubHex, err := (Default{}).PublicKey(privHex)
	if err != nil {
		return "", "", err
	}
	return privHex, pubHex, nil
}

func (Default) PublicKey(privkeyHex string) (string, error) {
	priv, err := privKeyFromHex(privkeyHex)
	if err != nil {
		return "", err
	}
	pub := priv.PubKey().SerializeCompressed()
	// x-only per NIP-01: drop the leading parity byte.
	return hex.EncodeToString(pub[1:]), nil
}

func privKeyFromHex(privkeyHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(privkeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func xOnlyPubKeyFromHex(pubkeyHex string) (*btcec.PublicKey, error) {
	raw, err := paddedPubKeyBytes(pubkeyHex)
	if err != nil {
		return nil, err
	}
	return schnorr.ParsePubKey(raw[1:])
}

// RandomHex32 returns a random 32-byte value hex-encoded, used for
// overlay session secrets and KeyStore salts/IVs callers need outside
// the Crypto interface itself.
func RandomHex32() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
