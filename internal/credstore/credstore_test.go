// ABOUTME: Tests for the encrypted credential file store.
// ABOUTME: Validates round-trips, overwrite semantics, permissions, and the no-credential outcomes.

package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCredential struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cred.json")

	saved := testCredential{AccessToken: "tok-123", Scope: "read"}
	require.NoError(t, Save(saved, path, "passphrase"))

	var loaded testCredential
	require.True(t, Load(path, "passphrase", &loaded))
	assert.Equal(t, saved, loaded)
}

func TestSave_FilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "creds")
	path := filepath.Join(dir, "cred.json")

	require.NoError(t, Save(testCredential{AccessToken: "t"}, path, "k"))

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	fileInfo, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm())
}

func TestSave_OverwritesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")

	require.NoError(t, Save(testCredential{AccessToken: "first"}, path, "k"))
	require.NoError(t, Save(testCredential{AccessToken: "second"}, path, "k"))

	var loaded testCredential
	require.True(t, Load(path, "k", &loaded))
	assert.Equal(t, "second", loaded.AccessToken)
}

func TestSave_BlobIsEncryptedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, Save(testCredential{AccessToken: "super-secret"}, path, "k"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")

	// File holds the documented {iv, tag, data} shape
	var blob map[string]string
	require.NoError(t, json.Unmarshal(raw, &blob))
	assert.Len(t, blob["iv"], 32)
	assert.Len(t, blob["tag"], 32)
	assert.NotEmpty(t, blob["data"])
}

func TestLoad_NoUsableCredential(t *testing.T) {
	dir := t.TempDir()
	goodPath := filepath.Join(dir, "good.json")
	require.NoError(t, Save(testCredential{AccessToken: "t"}, goodPath, "right"))

	tests := []struct {
		name  string
		setup func(t *testing.T) (path, passphrase string)
	}{
		{
			"missing file",
			func(t *testing.T) (string, string) {
				return filepath.Join(dir, "absent.json"), "k"
			},
		},
		{
			"malformed blob",
			func(t *testing.T) (string, string) {
				p := filepath.Join(dir, "garbage.json")
				require.NoError(t, os.WriteFile(p, []byte("not a blob"), 0600))
				return p, "k"
			},
		},
		{
			"wrong passphrase",
			func(t *testing.T) (string, string) {
				return goodPath, "wrong"
			},
		},
		{
			"unparseable payload",
			func(t *testing.T) (string, string) {
				// Encrypt something that is valid JSON for a string but not
				// for the struct the caller asks for.
				p := filepath.Join(dir, "scalar.json")
				require.NoError(t, Save("just a string", p, "k"))
				return p, "k"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, passphrase := tt.setup(t)
			var out testCredential
			assert.False(t, Load(path, passphrase, &out))
		})
	}
}
