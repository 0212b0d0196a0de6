// ABOUTME: Encrypted file persistence for long-lived third-party credentials
// ABOUTME: Serializes a credential object to JSON and seals it with the cipher

package credstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/promptdeck/promptdeck/internal/crypto"
)

// Save serializes v to JSON, encrypts it, and writes the blob to path.
// Parent directories are created with owner-only permissions and the file
// itself is written 0600. The file is always replaced whole.
func Save(v any, path, passphrase string) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serializing credential: %w", err)
	}

	blob, err := crypto.Encrypt(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("serializing blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}

	return nil
}

// Load reads the blob at path, decrypts it, and unmarshals the plaintext
// into v. It returns false when no usable credential exists: missing file,
// malformed blob, decryption failure, or unparseable payload. Callers must
// treat all of those identically.
func Load(path, passphrase string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var blob crypto.Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		slog.Debug("credential file is not a valid blob", "path", path)
		return false
	}

	plaintext, err := crypto.Decrypt(&blob, passphrase)
	if err != nil {
		slog.Debug("credential file failed to decrypt", "path", path)
		return false
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		slog.Debug("credential payload is not valid JSON", "path", path)
		return false
	}

	return true
}
