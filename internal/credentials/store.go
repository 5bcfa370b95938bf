package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrLocked = errors.New("credentials are locked")

const fileVersion = 2

// fileFormat is the on-disk layout. Plaintext secrets are only written when
// no passphrase has been set.
type fileFormat struct {
	Version   int               `json:"version"`
	Secrets   map[string]string `json:"secrets"`
	Encrypted *Sealed           `json:"encrypted,omitempty"`
}

// legacyFile is the version 1 layout, which only knew one provider.
type legacyFile struct {
	OpenRouterKey string  `json:"openrouter_key"`
	Encrypted     *Sealed `json:"encrypted,omitempty"`
}

type sealedPayload struct {
	Secrets map[string]string `json:"secrets"`
}

// Store holds provider API keys, optionally sealed with a passphrase.
type Store struct {
	mu         sync.RWMutex
	path       string
	secrets    map[string]string
	sealed     *Sealed
	passphrase string
	unlocked   bool
	defaults   map[string]string
	iter       int
}

// GetSecretsPath returns the default secrets file location.
func GetSecretsPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "ioai", "secrets.json"), nil
}

// Load reads the secrets file at path, or starts empty when it does not
// exist. An empty path selects GetSecretsPath.
func Load(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = GetSecretsPath(); err != nil {
			return nil, err
		}
	}
	s := &Store{path: path, secrets: map[string]string{}, iter: sealIterations}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if f.Version < 2 {
		var legacy legacyFile
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("failed to parse credentials: %w", err)
		}
		f = fileFormat{Version: fileVersion, Secrets: map[string]string{}, Encrypted: legacy.Encrypted}
		if legacy.OpenRouterKey != "" {
			f.Secrets["openrouter"] = legacy.OpenRouterKey
		}
	}
	s.sealed = f.Encrypted
	if s.sealed == nil {
		for k, v := range f.Secrets {
			if v != "" {
				s.secrets[k] = v
			}
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// WithDefaults sets fallback keys used when the store has none for a
// provider. Defaults are never written to disk.
func (s *Store) WithDefaults(defaults map[string]string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = map[string]string{}
	for k, v := range defaults {
		if strings.TrimSpace(v) != "" {
			s.defaults[k] = v
		}
	}
	return s
}

// Encrypted reports whether secrets are sealed with a passphrase.
func (s *Store) Encrypted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed != nil
}

// Unlocked reports whether plaintext secrets are available in memory.
func (s *Store) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed == nil || s.unlocked
}

func (s *Store) lockedLocked() bool {
	return s.sealed != nil && !s.unlocked
}

// Get returns the key for provider, or "" when none is stored. It fails with
// ErrLocked while sealed secrets have not been unlocked, unless a default
// exists for the provider.
func (s *Store) Get(provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		if v, ok := s.defaults[provider]; ok {
			return v, nil
		}
		return "", ErrLocked
	}
	if v, ok := s.secrets[provider]; ok {
		return v, nil
	}
	return s.defaults[provider], nil
}

// Has reports whether a stored (non-default) key exists for provider.
func (s *Store) Has(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.secrets[provider]
	return ok && !s.lockedLocked()
}

// Providers lists providers with a stored key.
func (s *Store) Providers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrLocked
	}
	out := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Set stores key for provider. An empty key clears it.
func (s *Store) Set(provider, key string) error {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrLocked
	}
	if key == "" {
		delete(s.secrets, provider)
	} else {
		s.secrets[provider] = key
	}
	return s.persistLocked()
}

// Clear removes the key for provider.
func (s *Store) Clear(provider string) error {
	return s.Set(provider, "")
}

// Encrypt seals all secrets with passphrase. Plaintext is no longer written to
// disk and the store stays unlocked.
func (s *Store) Encrypt(passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrLocked
	}
	s.passphrase = passphrase
	s.unlocked = true
	s.sealed = &Sealed{}
	return s.persistLocked()
}

// Unlock decrypts sealed secrets into memory. It is a no-op for a store
// without a passphrase.
func (s *Store) Unlock(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed == nil {
		return nil
	}
	secrets, err := openSecrets(*s.sealed, passphrase)
	if err != nil {
		return err
	}
	s.secrets = secrets
	s.passphrase = passphrase
	s.unlocked = true
	return nil
}

// ChangePassphrase re-seals the secrets under newPass after checking oldPass.
func (s *Store) ChangePassphrase(oldPass, newPass string) error {
	if newPass == "" {
		return errors.New("new passphrase is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		secrets, err := openSecrets(*s.sealed, oldPass)
		if err != nil {
			return err
		}
		if !s.unlocked {
			s.secrets = secrets
		}
	}
	s.passphrase = newPass
	s.unlocked = true
	if s.sealed == nil {
		s.sealed = &Sealed{}
	}
	return s.persistLocked()
}

// Lock drops plaintext secrets from memory. Without a passphrase there is
// nothing to lock.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed == nil {
		return
	}
	s.secrets = map[string]string{}
	s.passphrase = ""
	s.unlocked = false
}

// ClearAll forgets every secret and the passphrase.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = map[string]string{}
	s.sealed = nil
	s.passphrase = ""
	s.unlocked = false
	return s.persistLocked()
}

func openSecrets(sealed Sealed, passphrase string) (map[string]string, error) {
	plain, err := Open(sealed, passphrase)
	if err != nil {
		return nil, err
	}
	var payload sealedPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse sealed secrets: %w", err)
	}
	if payload.Secrets == nil {
		payload.Secrets = map[string]string{}
	}
	return payload.Secrets, nil
}

// persistLocked re-seals when a passphrase is held and writes the file.
// Caller holds mu.
func (s *Store) persistLocked() error {
	f := fileFormat{Version: fileVersion, Secrets: map[string]string{}}
	if s.sealed != nil {
		payload, err := json.Marshal(sealedPayload{Secrets: s.secrets})
		if err != nil {
			return fmt.Errorf("failed to marshal secrets: %w", err)
		}
		sealed, err := sealWithIterations(string(payload), s.passphrase, s.iter)
		if err != nil {
			return err
		}
		s.sealed = &sealed
		f.Encrypted = &sealed
	} else {
		for k, v := range s.secrets {
			f.Secrets[k] = v
		}
	}
	return writeFileAtomic(s.path, f)
}

func writeFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "secrets-*.json")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}
