// Package prefs stores user preferences: whether reasoning text is shown and
// the preferred model per provider.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ioai/ioai/internal/llm"
)

type file struct {
	ShowReasoning *bool             `json:"show_reasoning,omitempty"`
	Models        map[string]string `json:"models,omitempty"`
}

// Store is a JSON-backed preference store. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	path          string
	showReasoning bool
	models        map[llm.ProviderID]string
}

// Prefs is a point-in-time copy of the preferences.
type Prefs struct {
	ShowReasoning bool              `json:"show_reasoning" yaml:"show_reasoning"`
	Models        map[string]string `json:"models" yaml:"models"`
}

// GetPrefsPath returns the default preferences file location.
func GetPrefsPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "ioai", "prefs.json"), nil
}

// Load reads preferences from path; a missing file yields defaults. An empty
// path selects GetPrefsPath.
func Load(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = GetPrefsPath(); err != nil {
			return nil, err
		}
	}
	s := &Store{path: path, showReasoning: true, models: map[llm.ProviderID]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read prefs: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse prefs: %w", err)
	}
	if f.ShowReasoning != nil {
		s.showReasoning = *f.ShowReasoning
	}
	for k, v := range f.Models {
		id, err := llm.ParseProviderID(k)
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		s.models[id] = v
	}
	return s, nil
}

// InMemory returns a store that never touches disk.
func InMemory() *Store {
	return &Store{showReasoning: true, models: map[llm.ProviderID]string{}}
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// ShowReasoning reports whether reasoning fragments should be requested.
func (s *Store) ShowReasoning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.showReasoning
}

// SetShowReasoning updates the reasoning preference and saves.
func (s *Store) SetShowReasoning(show bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showReasoning = show
	return s.saveLocked()
}

// DefaultFor returns the preferred model for provider, or "" when unset.
func (s *Store) DefaultFor(provider llm.ProviderID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.models[provider]
}

// SetDefault records model as the preferred model for provider. An empty
// model clears the preference.
func (s *Store) SetDefault(provider llm.ProviderID, model string) error {
	model = strings.TrimSpace(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	if model == "" {
		delete(s.models, provider)
	} else {
		s.models[provider] = model
	}
	return s.saveLocked()
}

// Get returns a copy of all preferences.
func (s *Store) Get() Prefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Prefs{ShowReasoning: s.showReasoning, Models: make(map[string]string, len(s.models))}
	for k, v := range s.models {
		p.Models[string(k)] = v
	}
	return p
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	show := s.showReasoning
	f := file{ShowReasoning: &show, Models: map[string]string{}}
	for k, v := range s.models {
		f.Models[string(k)] = v
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal prefs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create prefs directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	return nil
}
