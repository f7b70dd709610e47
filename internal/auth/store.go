package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opensandbox/wadm/internal/crypto"
)

var (
	// ErrStoreCorrupt is returned by LoadStore when the credential file
	// exists but cannot be read or parsed. The operator has to fix or remove it.
	ErrStoreCorrupt = errors.New("credential store corrupt")
	// ErrSetupRequired is returned by Login before first-run setup.
	ErrSetupRequired = errors.New("setup required")
	// ErrAlreadySetup is returned by Setup once credentials exist.
	ErrAlreadySetup = errors.New("setup already complete")
	// ErrInvalidCredentials covers a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCode covers a wrong or expired one-time code.
	ErrInvalidCode = errors.New("invalid 2FA code")
)

// Credentials is the on-disk record.
type Credentials struct {
	PasswordHash  string `json:"password_hash"`
	TOTPSecret    string `json:"totp_secret"`
	SetupComplete bool   `json:"setup_complete"`
}

// Store persists the admin credentials in a JSON file.
type Store struct {
	path string
	key  []byte
	now  func() time.Time

	mu    sync.RWMutex
	creds *Credentials
}

// LoadStore reads the credential file at path. A missing file means setup
// has not happened yet. key seals the TOTP secret at rest; nil stores it
// base64-encoded.
func LoadStore(path string, key []byte) (*Store, error) {
	s := &Store{path: path, key: key, now: time.Now}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreCorrupt, path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrStoreCorrupt, path, err)
	}
	if creds.PasswordHash == "" || creds.TOTPSecret == "" {
		return nil, fmt.Errorf("%w: %s is missing fields", ErrStoreCorrupt, path)
	}
	if err := ValidateHash(creds.PasswordHash); err != nil {
		return nil, fmt.Errorf("%w: password hash: %v", ErrStoreCorrupt, err)
	}
	if _, err := crypto.Open(creds.TOTPSecret, key); err != nil {
		return nil, fmt.Errorf("%w: totp secret: %v", ErrStoreCorrupt, err)
	}
	s.creds = &creds
	return s, nil
}

// SetupRequired reports whether no credentials exist yet.
func (s *Store) SetupRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds == nil
}

// Setup stores the initial password and TOTP secret once code proves the
// operator enrolled the secret.
func (s *Store) Setup(password, code, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds != nil {
		return ErrAlreadySetup
	}
	if password == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}
	if !ValidateCode(code, secret, s.now()) {
		return ErrInvalidCode
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(secret, s.key)
	if err != nil {
		return fmt.Errorf("seal totp secret: %w", err)
	}
	creds := &Credentials{PasswordHash: hash, TOTPSecret: sealed, SetupComplete: true}
	if err := s.write(creds); err != nil {
		return err
	}
	s.creds = creds
	return nil
}

// Login checks the password and the current one-time code.
func (s *Store) Login(password, code string) error {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds == nil {
		return ErrSetupRequired
	}
	ok, err := VerifyPassword(password, creds.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	secret, err := crypto.Open(creds.TOTPSecret, s.key)
	if err != nil {
		return fmt.Errorf("open totp secret: %w", err)
	}
	if !ValidateCode(code, secret, s.now()) {
		return ErrInvalidCode
	}
	return nil
}

// write replaces the credential file atomically.
func (s *Store) write(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".wadm-auth-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}
