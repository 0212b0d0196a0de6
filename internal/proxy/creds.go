// ABOUTME: Credential sources supplying bearer tokens for upstream servers
// ABOUTME: Registry keyed by server name with an encrypted-file implementation

package proxy

import (
	"path/filepath"
	"sync"

	"github.com/promptdeck/promptdeck/internal/credstore"
)

// CredentialSource supplies a stored bearer token for one upstream server.
// Implementations exist per credential type and are registered by server
// name, replacing any hard-coded name matching.
type CredentialSource interface {
	// IsAuthorized reports whether a usable credential exists.
	IsAuthorized() bool
	// AccessToken returns the bearer token, if any.
	AccessToken() (string, bool)
}

// CredentialRegistry maps server names to their credential sources.
type CredentialRegistry struct {
	mu      sync.RWMutex
	sources map[string]CredentialSource
}

// NewCredentialRegistry creates an empty registry.
func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{sources: make(map[string]CredentialSource)}
}

// Register binds a credential source to a server name, replacing any
// previous registration.
func (r *CredentialRegistry) Register(serverName string, src CredentialSource) {
	r.mu.Lock()
	r.sources[serverName] = src
	r.mu.Unlock()
}

// Lookup returns the source for a server name, or nil when none is
// registered.
func (r *CredentialRegistry) Lookup(serverName string) CredentialSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[serverName]
}

// storedToken is the payload shape of an encrypted token file.
type storedToken struct {
	AccessToken string `json:"access_token"`
}

// FileTokenSource reads a bearer token from an encrypted credential file.
// Every lookup re-reads the file so externally refreshed tokens are picked
// up without a restart.
type FileTokenSource struct {
	path       string
	passphrase string
}

// NewFileTokenSource creates a source for the token file of serverName
// under dir.
func NewFileTokenSource(dir, serverName, passphrase string) *FileTokenSource {
	return &FileTokenSource{
		path:       filepath.Join(dir, serverName+".json"),
		passphrase: passphrase,
	}
}

// IsAuthorized reports whether a decryptable token file exists.
func (f *FileTokenSource) IsAuthorized() bool {
	_, ok := f.AccessToken()
	return ok
}

// AccessToken loads and decrypts the stored token. Any failure counts as
// "no usable credential".
func (f *FileTokenSource) AccessToken() (string, bool) {
	var tok storedToken
	if !credstore.Load(f.path, f.passphrase, &tok) {
		return "", false
	}
	if tok.AccessToken == "" {
		return "", false
	}
	return tok.AccessToken, true
}

// SaveToken encrypts and stores a token for later lookups.
func (f *FileTokenSource) SaveToken(accessToken string) error {
	return credstore.Save(storedToken{AccessToken: accessToken}, f.path, f.passphrase)
}
