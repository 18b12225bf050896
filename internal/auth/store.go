package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Store maps provider storage keys (for example "anthropic" or
// "github_copilot") to credentials and persists them as a single JSON file.
//
// Save always restricts the file to owner read/write and creates parent
// directories on demand. Load followed by mutate followed by Save is not
// transactional; concurrent external writers are unsupported. Callers
// serialize credential mutations through the connection orchestrator's
// single-outstanding-task invariant instead of file locking.
type Store struct {
	Credentials map[string]Credential `json:"credentials"`
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{Credentials: make(map[string]Credential)}
}

// DefaultStorePath returns the per-OS local-data location of the auth file,
// for example ~/.local/share/scry/auth.json on Linux.
func DefaultStorePath() (string, error) {
	dir, err := localDataDir()
	if err != nil {
		return "", fmt.Errorf("could not determine local data directory: %w", err)
	}
	return filepath.Join(dir, "scry", "auth.json"), nil
}

// localDataDir resolves the platform's user-local data directory.
func localDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return dir, nil
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support"), nil
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// Load reads the store from the default path. A missing file yields an empty
// store, not an error.
func Load() (*Store, error) {
	path, err := DefaultStorePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the store from path. A missing file yields an empty store;
// malformed contents are a hard error so stored credentials are never
// silently destroyed.
func LoadFrom(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(), nil
		}
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}

	store := NewStore()
	if err = json.Unmarshal(data, store); err != nil {
		return nil, &PersistenceError{Op: "parse", Path: path, Err: err}
	}
	if store.Credentials == nil {
		store.Credentials = make(map[string]Credential)
	}
	return store, nil
}

// Save writes the store to the default path.
func (s *Store) Save() error {
	path, err := DefaultStorePath()
	if err != nil {
		return err
	}
	return s.SaveTo(path)
}

// SaveTo writes the store to path, creating parent directories and
// restricting the file to owner read/write on every save, not just the
// first one.
func (s *Store) SaveTo(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &PersistenceError{Op: "create directory for", Path: path, Err: err}
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	// WriteFile only applies the mode on creation; reassert it so a file
	// that predates the permission policy is tightened too.
	if err = os.Chmod(path, 0o600); err != nil {
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

// Get returns the credential stored under key.
func (s *Store) Get(key string) (Credential, bool) {
	cred, ok := s.Credentials[key]
	return cred, ok
}

// Set stores a credential under key, overwriting any previous one.
func (s *Store) Set(key string, cred Credential) {
	s.Credentials[key] = cred
}

// Remove deletes the credential under key and returns it if present.
func (s *Store) Remove(key string) (Credential, bool) {
	cred, ok := s.Credentials[key]
	if ok {
		delete(s.Credentials, key)
	}
	return cred, ok
}

// Has reports whether a credential is stored under key.
func (s *Store) Has(key string) bool {
	_, ok := s.Credentials[key]
	return ok
}

// GetValidToken returns the token for key, or "" if no credential is stored
// or the stored one has expired. It never returns an expired token.
func (s *Store) GetValidToken(key string) string {
	cred, ok := s.Credentials[key]
	if !ok || cred.IsExpired() {
		return ""
	}
	return cred.Token()
}
