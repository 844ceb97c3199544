// Package credential implements CredentialManager & SelfCheck (§4.9):
// it maintains credential liveness without blocking request
// processing, and quarantines Pipelines whose credential goes invalid.
//
// Grounded on internal/service/llm/openai/auth.go's CopilotTokenSource:
// the same cached-material-with-expiry-buffer idiom, generalized from
// one token source to the process-wide, multi-provider registry the
// spec requires, and with its mutation surface widened into an
// explicit state machine (§4.9) instead of an implicit cache miss.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/relay/internal/crypto"
)

// State is a credential's lifecycle state (§4.9).
type State string

const (
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

// fileDoc is the on-disk shape for one credential ref (§6): either
// {access_token, refresh_token?, expires_at?} for OAuth-style or
// {api_key} for static.
type fileDoc struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    *int64 `json:"expires_at"` // unix seconds
	APIKey       string `json:"api_key"`
}

// Credential holds one provider's live material (§3). Material is an
// atomic reference so Server stages reading it mid-request never
// observe a half-updated value (§5); only CredentialManager mutates it.
type Credential struct {
	Ref          string
	Provider     string // e.g. "openai", "copilot" — set by the caller at Register time
	RefreshToken string
	ExpiresAt    types.Null[types.Time] // zero value (Valid=false) = no expiry
	OAuthURL     string                 // populated for credentials that support operator re-auth

	material atomic.Pointer[string]
	state    atomic.Value // State
}

func newCredential(ref string, doc fileDoc) *Credential {
	c := &Credential{Ref: ref, RefreshToken: doc.RefreshToken}
	material := doc.AccessToken
	if doc.APIKey != "" {
		material = doc.APIKey
	}
	c.material.Store(&material)
	c.state.Store(StateValid)

	if doc.ExpiresAt != nil {
		c.ExpiresAt = types.NewTimeNull(time.Unix(*doc.ExpiresAt, 0))
	}

	return c
}

// Material returns the current bearer material.
func (c *Credential) Material() string {
	p := c.material.Load()
	if p == nil {
		return ""
	}
	return *p
}

// State returns the credential's current lifecycle state.
func (c *Credential) State() State {
	s, _ := c.state.Load().(State)
	return s
}

func (c *Credential) setState(s State) { c.state.Store(s) }

func (c *Credential) swapMaterial(material string) {
	c.material.Store(&material)
}

// IsExpiringSoon reports whether the credential's expiry is within
// buffer of now, mirroring CopilotTokenSource's 5-minute buffer check.
func (c *Credential) IsExpiringSoon(now time.Time, buffer time.Duration) bool {
	if !c.ExpiresAt.Valid {
		return false
	}
	return now.After(c.ExpiresAt.V.Time.Add(-buffer))
}

// Store reads per-ref credential documents from a directory (§6: the
// ConfigStore capability, existence-only + material access). Files are
// named "<ref>.json". A credential file's access_token/api_key/
// refresh_token fields may themselves carry the "enc:" ciphertext
// prefix (internal/crypto); Store transparently decrypts them on Load
// when an encryption key is configured, the same recognise-by-prefix
// idiom the teacher applies to provider config fields at rest.
type Store struct {
	dir string
	key []byte // AES-256 key; nil disables decryption (plaintext passthrough)
}

// NewStore builds a Store rooted at dir with no at-rest decryption.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewStoreWithKey builds a Store that decrypts "enc:"-prefixed fields
// using key (see internal/crypto.DeriveKey to build one from a
// passphrase).
func NewStoreWithKey(dir string, key []byte) *Store {
	return &Store{dir: dir, key: key}
}

// Exists implements configcompile.CredentialChecker.
func (s *Store) Exists(ref string) bool {
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Load reads and parses the credential document for ref.
func (s *Store) Load(ref string) (*Credential, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("read credential %q: %w", ref, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credential %q: %w", ref, err)
	}

	if err := s.decrypt(&doc); err != nil {
		return nil, fmt.Errorf("decrypt credential %q: %w", ref, err)
	}

	if doc.AccessToken == "" && doc.APIKey == "" {
		return nil, fmt.Errorf("credential %q: neither access_token nor api_key present", ref)
	}

	return newCredential(ref, doc), nil
}

// decrypt replaces any "enc:"-prefixed field with its plaintext. A nil
// key is a no-op: crypto.Decrypt already passes plaintext values
// through unchanged, but skipping the call entirely avoids requiring a
// key at all for deployments that never encrypt their credential
// files.
func (s *Store) decrypt(doc *fileDoc) error {
	if s.key == nil {
		return nil
	}

	for _, field := range []*string{&doc.AccessToken, &doc.RefreshToken, &doc.APIKey} {
		if *field == "" || !crypto.IsEncrypted(*field) {
			continue
		}
		plain, err := crypto.Decrypt(*field, s.key)
		if err != nil {
			return err
		}
		*field = plain
	}
	return nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.dir, ref+".json")
}
