package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/agent/pkg/config"
)

const (
	// DefaultSkew is subtracted from ExpiresAt so a token is not used right before it lapses.
	DefaultSkew = 5 * time.Minute
	// DefaultTokenLifetime applies when the provider omits expires_in.
	DefaultTokenLifetime = time.Hour

	fileName = "token.json"
)

// ErrStorage wraps every failure to read or write the credential file.
var ErrStorage = errors.New("credential: storage failure")

// Credential is the token material persisted after a successful login.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// New builds a credential issued at issuedAt. expiresIn is in seconds; zero
// or negative values fall back to DefaultTokenLifetime.
func New(accessToken, refreshToken, tokenType string, expiresIn int, issuedAt time.Time) Credential {
	lifetime := DefaultTokenLifetime
	if expiresIn > 0 {
		lifetime = time.Duration(expiresIn) * time.Second
	}
	if strings.TrimSpace(tokenType) == "" {
		tokenType = "Bearer"
	}
	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresAt:    issuedAt.Add(lifetime).UTC().Truncate(time.Second),
	}
}

// IsExpired reports whether now is at or past ExpiresAt minus skew.
func IsExpired(c Credential, now time.Time, skew time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-skew))
}

type fileFormat struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	ExpiresAt    int64   `json:"expires_at"`
	TokenType    string  `json:"token_type"`
}

// Store persists a single credential as JSON on disk.
type Store struct {
	path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is <user config dir>/agent/token.json.
func DefaultPath() (string, error) {
	dir, err := config.CLIDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve config dir: %v", ErrStorage, err)
	}
	return filepath.Join(dir, fileName), nil
}

// Path reports where the credential lives.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored credential, or (nil, nil) when none exists.
func (s *Store) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, s.path, err)
	}
	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorage, s.path, err)
	}
	if strings.TrimSpace(raw.AccessToken) == "" || raw.ExpiresAt <= 0 {
		return nil, fmt.Errorf("%w: %s is missing access_token or expires_at", ErrStorage, s.path)
	}
	cred := &Credential{
		AccessToken: raw.AccessToken,
		TokenType:   raw.TokenType,
		ExpiresAt:   time.Unix(raw.ExpiresAt, 0).UTC(),
	}
	if raw.RefreshToken != nil {
		cred.RefreshToken = *raw.RefreshToken
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	return cred, nil
}

// Save atomically replaces the stored credential. The file is written to a
// temporary sibling, synced, restricted to 0600 and renamed into place.
func (s *Store) Save(c Credential) error {
	raw := fileFormat{
		AccessToken: c.AccessToken,
		ExpiresAt:   c.ExpiresAt.Unix(),
		TokenType:   c.TokenType,
	}
	if c.RefreshToken != "" {
		refresh := c.RefreshToken
		raw.RefreshToken = &refresh
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+fileName+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

// Clear removes the stored credential. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, s.path, err)
	}
	return nil
}
