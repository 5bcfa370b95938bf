package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ioai/ioai/internal/llm"
)

var (
	ErrTabNotFound     = errors.New("tab not found")
	ErrMessageNotFound = errors.New("message not found")
)

const defaultTitle = "New chat"

// Message is one entry of a tab's transcript. Content grows by appends while
// a reply is streaming.
type Message struct {
	ID        string    `json:"id"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage builds a message with a fresh ID.
func NewMessage(role llm.Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, CreatedAt: time.Now()}
}

// Tab is one conversation with its own provider and model.
type Tab struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Provider  llm.ProviderID `json:"provider"`
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (t *Tab) clone() Tab {
	c := *t
	c.Messages = append([]Message(nil), t.Messages...)
	return c
}

// TabInit holds the optional initial values of CreateTab. Empty fields take
// defaults: echo provider, the preferred model, "New chat".
type TabInit struct {
	Provider llm.ProviderID
	Model    string
	Title    string
}

// Snapshot is the persisted form of the store.
type Snapshot struct {
	Tabs     []Tab  `json:"tabs"`
	ActiveID string `json:"active_id"`
}

// ModelDefaults supplies the preferred model for a provider, or "" when none
// is configured.
type ModelDefaults interface {
	DefaultFor(provider llm.ProviderID) string
}

// Store holds the open tabs. Every method is atomic with respect to the
// others; reads return copies.
type Store struct {
	mu       sync.RWMutex
	tabs     []*Tab
	activeID string
	version  uint64
	defaults ModelDefaults
	now      func() time.Time
}

// NewStore creates an empty store. defaults may be nil.
func NewStore(defaults ModelDefaults) *Store {
	return &Store{defaults: defaults, now: time.Now}
}

func (s *Store) defaultModel(p llm.ProviderID) string {
	if s.defaults != nil {
		if m := strings.TrimSpace(s.defaults.DefaultFor(p)); m != "" {
			return m
		}
	}
	return llm.DefaultModel(p)
}

func (s *Store) find(id string) (int, *Tab) {
	for i, t := range s.tabs {
		if t.ID == id {
			return i, t
		}
	}
	return -1, nil
}

// newTabLocked appends a tab and makes it active. Caller holds mu.
func (s *Store) newTabLocked(init TabInit) *Tab {
	provider := init.Provider
	if provider == "" {
		provider = llm.ProviderEcho
	}
	model := init.Model
	if model == "" {
		model = s.defaultModel(provider)
	}
	title := init.Title
	if title == "" {
		title = defaultTitle
	}
	now := s.now()
	tab := &Tab{
		ID:        NewID(),
		Title:     title,
		Provider:  provider,
		Model:     model,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tabs = append(s.tabs, tab)
	s.activeID = tab.ID
	s.version++
	return tab
}

// CreateTab adds a tab, activates it and returns its ID.
func (s *Store) CreateTab(init TabInit) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTabLocked(init).ID
}

// CloseTab removes a tab. Closing the active tab activates its left
// neighbour; closing the last tab replaces it with a fresh one.
func (s *Store) CloseTab(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, _ := s.find(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	s.tabs = append(s.tabs[:idx], s.tabs[idx+1:]...)
	s.version++
	if len(s.tabs) == 0 {
		s.newTabLocked(TabInit{})
		return nil
	}
	if s.activeID == id {
		next := idx - 1
		if next < 0 {
			next = 0
		}
		s.activeID = s.tabs[next].ID
	}
	return nil
}

// SetActive makes id the active tab.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, t := s.find(id); t == nil {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	if s.activeID != id {
		s.activeID = id
		s.version++
	}
	return nil
}

// RenameTab changes a tab's title.
func (s *Store) RenameTab(id, title string) error {
	return s.update(id, func(t *Tab) error {
		t.Title = title
		return nil
	})
}

// SetSession switches the provider and model used by a tab.
func (s *Store) SetSession(id string, provider llm.ProviderID, model string) error {
	return s.update(id, func(t *Tab) error {
		t.Provider = provider
		t.Model = model
		return nil
	})
}

// PushMessage appends msg to a tab's transcript.
func (s *Store) PushMessage(tabID string, msg Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	return s.update(tabID, func(t *Tab) error {
		t.Messages = append(t.Messages, msg)
		return nil
	})
}

// AppendToMessage concatenates fragment onto the content of one message.
func (s *Store) AppendToMessage(tabID, messageID, fragment string) error {
	return s.update(tabID, func(t *Tab) error {
		for i := range t.Messages {
			if t.Messages[i].ID == messageID {
				t.Messages[i].Content += fragment
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	})
}

// EnsureTab creates a tab when none exist, or activates the first tab when
// none is active. It returns the active tab ID.
func (s *Store) EnsureTab() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) == 0 {
		return s.newTabLocked(TabInit{}).ID
	}
	if _, t := s.find(s.activeID); t == nil {
		s.activeID = s.tabs[0].ID
		s.version++
	}
	return s.activeID
}

func (s *Store) update(id string, fn func(*Tab) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.find(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = s.now()
	s.version++
	return nil
}

// Tabs returns copies of all tabs in display order.
func (s *Store) Tabs() []Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		out = append(out, t.clone())
	}
	return out
}

// Tab returns a copy of one tab.
func (s *Store) Tab(id string) (Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, t := s.find(id)
	if t == nil {
		return Tab{}, fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	return t.clone(), nil
}

// Message returns a copy of one message.
func (s *Store) Message(tabID, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, t := s.find(tabID)
	if t == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	for _, m := range t.Messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// ActiveID returns the active tab ID, or "" when no tab is active.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, t := s.find(s.activeID); t == nil {
		return ""
	}
	return s.activeID
}

// Active returns a copy of the active tab.
func (s *Store) Active() (Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, t := s.find(s.activeID)
	if t == nil {
		return Tab{}, false
	}
	return t.clone(), true
}

// Resolve returns id when it names a tab, and the active tab otherwise,
// creating one if needed.
func (s *Store) Resolve(id string) (string, error) {
	if id == "" {
		return s.EnsureTab(), nil
	}
	s.mu.RLock()
	_, t := s.find(id)
	s.mu.RUnlock()
	if t == nil {
		return "", fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	return id, nil
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a deep copy of the store contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{ActiveID: s.activeID, Tabs: make([]Tab, 0, len(s.tabs))}
	for _, t := range s.tabs {
		snap.Tabs = append(snap.Tabs, t.clone())
	}
	return snap
}

// Restore replaces the store contents with snap. Tabs with invalid or
// duplicate IDs are dropped.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(snap.Tabs))
	tabs := make([]*Tab, 0, len(snap.Tabs))
	for i := range snap.Tabs {
		t := snap.Tabs[i].clone()
		if !validID(t.ID) || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if t.Messages == nil {
			t.Messages = []Message{}
		}
		if t.Provider == "" {
			t.Provider = llm.ProviderEcho
		}
		if t.Model == "" {
			t.Model = s.defaultModel(t.Provider)
		}
		tabs = append(tabs, &t)
	}
	s.tabs = tabs
	s.activeID = snap.ActiveID
	if !seen[s.activeID] {
		s.activeID = ""
	}
	s.version++
}
