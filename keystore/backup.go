package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nostrlayer/relaykit/errkind"
	"golang.org/x/crypto/pbkdf2"
)

const (
	backupVersion    = 1
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltLen          = 32
	ivLen            = 16
)

// backupEntry is one identity's encrypted private key within an
// envelope, per spec §4.H's export format.
type backupEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Salt      string `json:"salt"`       // hex
	Ciphertext string `json:"ciphertext"` // base64 of iv||ciphertext
}

// BackupEnvelope is the versioned JSON backup format spec §4.H
// describes: one PBKDF2-derived key and AES-256-CBC ciphertext per
// identity, with a SHA-256 checksum over the envelope.
type BackupEnvelope struct {
	Version  int           `json:"version"`
	Entries  []backupEntry `json:"entries"`
	Checksum string        `json:"checksum"` // hex sha256, computed with this field zeroed
}

// checksumOf hashes env with Checksum zeroed, per spec §4.H.
func checksumOf(env BackupEnvelope) (string, error) {
	env.Checksum = ""
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Export produces a password-encrypted backup envelope of the named
// identities (all identities if ids is empty), per spec §4.H: "for
// each identity, a random 32-byte salt, PBKDF2-HMAC-SHA256 over the
// password with 100 000 iterations to a 32-byte key, AES-256-CBC with
// a random 16-byte IV of the private key, base64 of iv||ciphertext."
func (k *KeyStore) Export(password string, ids ...string) (BackupEnvelope, error) {
	if len(ids) == 0 {
		all, err := k.List()
		if err != nil {
			return BackupEnvelope{}, err
		}
		ids = all
	}

	env := BackupEnvelope{Version: backupVersion}
	for _, id := range ids {
		ident, err := k.Identity(id)
		if err != nil {
			return BackupEnvelope{}, err
		}
		privRaw, err := k.store.Get(privateKey(id))
		if err != nil {
			return BackupEnvelope{}, errkind.New(errkind.KindKeyStore, "private key not found: "+id, errkind.ErrIdentityMissing)
		}

		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return BackupEnvelope{}, errkind.New(errkind.KindKeyStore, "generate backup salt", err)
		}
		key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

		ciphertext, err := encryptCBC(key, privRaw)
		if err != nil {
			return BackupEnvelope{}, errkind.New(errkind.KindKeyStore, "encrypt backup entry", err)
		}

		env.Entries = append(env.Entries, backupEntry{
			ID:         ident.ID,
			Name:       ident.Name,
			PublicKey:  ident.PublicKey,
			Salt:       hex.EncodeToString(salt),
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		})
	}

	sum, err := checksumOf(env)
	if err != nil {
		return BackupEnvelope{}, errkind.New(errkind.KindKeyStore, "checksum backup envelope", err)
	}
	env.Checksum = sum
	return env, nil
}

// Import verifies env's checksum, then decrypts and restores each
// entry's private key, generating fresh metadata for identities that
// do not already exist. Existing identities are left untouched.
func (k *KeyStore) Import(env BackupEnvelope, password string) ([]string, error) {
	want, err := checksumOf(env)
	if err != nil {
		return nil, errkind.New(errkind.KindKeyStore, "checksum backup envelope", err)
	}
	if want != env.Checksum {
		return nil, errkind.New(errkind.KindKeyStore, "backup checksum mismatch", errkind.ErrBackupCorrupt)
	}

	var restored []string
	for _, entry := range env.Entries {
		k.mu.Lock()
		exists, _ := k.store.Exists(metadataKey(entry.ID))
		k.mu.Unlock()
		if exists {
			continue
		}

		salt, err := hex.DecodeString(entry.Salt)
		if err != nil {
			return restored, errkind.New(errkind.KindKeyStore, "decode backup salt: "+entry.ID, errkind.ErrBackupCorrupt)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
		if err != nil {
			return restored, errkind.New(errkind.KindKeyStore, "decode backup ciphertext: "+entry.ID, errkind.ErrBackupCorrupt)
		}
		key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
		privRaw, err := decryptCBC(key, ciphertext)
		if err != nil {
			return restored, errkind.New(errkind.KindKeyStore, "decrypt backup entry: "+entry.ID, err)
		}
		// padding alone does not catch a wrong password; the key must also match the entry's public key
		if pub, err := k.crypto.PublicKey(string(privRaw)); err != nil || pub != entry.PublicKey {
			return restored, errkind.New(errkind.KindKeyStore, "backup entry key does not match public key: "+entry.ID, errkind.ErrBackupCorrupt)
		}

		ident := Identity{
			ID:          entry.ID,
			Name:        entry.Name,
			PublicKey:   entry.PublicKey,
			Permissions: FullPermissions(),
		}
		k.mu.Lock()
		err = k.persist(ident, string(privRaw))
		k.mu.Unlock()
		if err != nil {
			return restored, err
		}
		restored = append(restored, entry.ID)
	}
	return restored, nil
}

// encryptCBC encrypts plaintext under key with a random IV, PKCS#7
// padding, returning iv||ciphertext.
func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return append(iv, out...), nil
}

// decryptCBC reverses encryptCBC.
func decryptCBC(key, ivAndCiphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ivAndCiphertext) < ivLen || (len(ivAndCiphertext)-ivLen)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("backup entry: malformed ciphertext length")
	}
	iv, ciphertext := ivAndCiphertext[:ivLen], ivAndCiphertext[ivLen:]
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("backup entry: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("backup entry: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
