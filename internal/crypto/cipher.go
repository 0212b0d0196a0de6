// ABOUTME: Authenticated encryption for credential payloads using AES-256-GCM
// ABOUTME: Derives the symmetric key from a passphrase via SHA-256

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// nonceSize is the GCM nonce length in bytes. The on-disk format stores a
// 16-byte IV, so we configure GCM accordingly rather than using the
// 12-byte default.
const nonceSize = 16

// tagSize is the GCM authentication tag length in bytes.
const tagSize = 16

// ErrDecrypt is returned for every decryption failure: malformed blob,
// wrong passphrase, or tampered ciphertext. Callers must not be able to
// distinguish these cases.
var ErrDecrypt = errors.New("cannot decrypt")

// Blob is the wire format for an encrypted payload. All fields are
// hex-encoded.
type Blob struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// deriveKey hashes a passphrase of any length into a 32-byte AES key.
func deriveKey(passphrase string) []byte {
	h := sha256.Sum256([]byte(passphrase))
	return h[:]
}

// newGCM constructs the AEAD for the given passphrase.
func newGCM(passphrase string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a key derived from the passphrase.
// A fresh random nonce is generated on every call.
func Encrypt(plaintext []byte, passphrase string) (*Blob, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; the blob stores them separately.
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Blob{
		IV:   hex.EncodeToString(nonce),
		Tag:  hex.EncodeToString(tag),
		Data: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens a blob with the key derived from the passphrase.
// Every failure mode returns ErrDecrypt so the error carries no oracle.
func Decrypt(blob *Blob, passphrase string) ([]byte, error) {
	if blob == nil {
		return nil, ErrDecrypt
	}

	nonce, err := hex.DecodeString(blob.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrDecrypt
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrDecrypt
	}
	ciphertext, err := hex.DecodeString(blob.Data)
	if err != nil {
		return nil, ErrDecrypt
	}

	gcm, err := newGCM(passphrase)
	if err != nil {
		return nil, ErrDecrypt
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
