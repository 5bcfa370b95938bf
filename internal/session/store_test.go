package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ioai/ioai/internal/llm"
)

type fixedDefaults map[llm.ProviderID]string

func (d fixedDefaults) DefaultFor(p llm.ProviderID) string { return d[p] }

func TestCreateTabDefaults(t *testing.T) {
	s := NewStore(nil)
	id := s.CreateTab(TabInit{})
	tab, err := s.Tab(id)
	if err != nil {
		t.Fatalf("Tab: %v", err)
	}
	if tab.Title != "New chat" || tab.Provider != llm.ProviderEcho || tab.Model != "echo-1" {
		t.Fatalf("unexpected defaults: %+v", tab)
	}
	if len(tab.Messages) != 0 {
		t.Fatalf("new tab has %d messages", len(tab.Messages))
	}
	if s.ActiveID() != id {
		t.Fatalf("active = %q, want %q", s.ActiveID(), id)
	}
}

func TestCreateTabUsesModelDefaults(t *testing.T) {
	s := NewStore(fixedDefaults{llm.ProviderOpenRouter: "deepseek/deepseek-r1"})
	tests := []struct {
		init TabInit
		want string
	}{
		{TabInit{Provider: llm.ProviderOpenRouter}, "deepseek/deepseek-r1"},
		{TabInit{Provider: llm.ProviderGemini}, "gemini-2.0-flash"},
		{TabInit{Provider: llm.ProviderOpenRouter, Model: "x-ai/grok"}, "x-ai/grok"},
	}
	for _, tc := range tests {
		tab, err := s.Tab(s.CreateTab(tc.init))
		if err != nil {
			t.Fatalf("Tab: %v", err)
		}
		if tab.Model != tc.want {
			t.Fatalf("model for %+v = %q, want %q", tc.init, tab.Model, tc.want)
		}
	}
}

func TestCloseTabActivatesPrevious(t *testing.T) {
	s := NewStore(nil)
	a := s.CreateTab(TabInit{Title: "a"})
	b := s.CreateTab(TabInit{Title: "b"})
	c := s.CreateTab(TabInit{Title: "c"})

	if err := s.SetActive(b); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.CloseTab(b); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if s.ActiveID() != a {
		t.Fatalf("active = %q, want a", s.ActiveID())
	}

	if err := s.CloseTab(a); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if s.ActiveID() != c {
		t.Fatalf("active = %q, want c", s.ActiveID())
	}

	d := s.CreateTab(TabInit{Title: "d"})
	if err := s.SetActive(c); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.CloseTab(d); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if s.ActiveID() != c {
		t.Fatalf("closing an inactive tab changed active to %q", s.ActiveID())
	}
}

func TestCloseLastTabCreatesReplacement(t *testing.T) {
	s := NewStore(nil)
	id := s.CreateTab(TabInit{Provider: llm.ProviderGemini, Title: "only"})
	if err := s.PushMessage(id, NewMessage(llm.RoleUser, "hi")); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	if err := s.CloseTab(id); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	tabs := s.Tabs()
	if len(tabs) != 1 {
		t.Fatalf("len(tabs) = %d, want 1", len(tabs))
	}
	if tabs[0].ID == id || len(tabs[0].Messages) != 0 || tabs[0].Provider != llm.ProviderEcho {
		t.Fatalf("replacement tab = %+v", tabs[0])
	}
	if s.ActiveID() != tabs[0].ID {
		t.Fatalf("replacement is not active")
	}
}

func TestUnknownTab(t *testing.T) {
	s := NewStore(nil)
	for name, err := range map[string]error{
		"close":  s.CloseTab("missing"),
		"active": s.SetActive("missing"),
		"rename": s.RenameTab("missing", "x"),
		"push":   s.PushMessage("missing", NewMessage(llm.RoleUser, "x")),
		"append": s.AppendToMessage("missing", "m", "x"),
	} {
		if !errors.Is(err, ErrTabNotFound) {
			t.Fatalf("%s: err = %v, want ErrTabNotFound", name, err)
		}
	}

	id := s.CreateTab(TabInit{})
	if err := s.AppendToMessage(id, "missing", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("append to missing message: %v", err)
	}
}

func TestEnsureTab(t *testing.T) {
	s := NewStore(nil)
	id := s.EnsureTab()
	if id == "" || len(s.Tabs()) != 1 {
		t.Fatalf("EnsureTab on empty store: id=%q tabs=%d", id, len(s.Tabs()))
	}
	if again := s.EnsureTab(); again != id || len(s.Tabs()) != 1 {
		t.Fatalf("EnsureTab is not idempotent")
	}

	s.Restore(Snapshot{Tabs: []Tab{{ID: NewID(), Title: "x"}, {ID: NewID(), Title: "y"}}})
	if s.ActiveID() != "" {
		t.Fatalf("restore without active id left %q active", s.ActiveID())
	}
	first := s.Tabs()[0].ID
	if got := s.EnsureTab(); got != first {
		t.Fatalf("EnsureTab = %q, want first tab %q", got, first)
	}
}

func TestAppendToMessageOrdering(t *testing.T) {
	s := NewStore(nil)
	id := s.CreateTab(TabInit{})
	user := NewMessage(llm.RoleUser, "hello")
	reply := NewMessage(llm.RoleAssistant, "")
	if err := s.PushMessage(id, user); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	if err := s.PushMessage(id, reply); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	frags := []string{"Echoing", " ", "(echo-1):", " ", "hello"}
	for _, f := range frags {
		if err := s.AppendToMessage(id, reply.ID, f); err != nil {
			t.Fatalf("AppendToMessage: %v", err)
		}
	}
	got, err := s.Message(id, reply.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Content != strings.Join(frags, "") {
		t.Fatalf("content = %q", got.Content)
	}
	if u, _ := s.Message(id, user.ID); u.Content != "hello" {
		t.Fatalf("user message changed: %q", u.Content)
	}
}

func TestConcurrentAppendsAcrossTabs(t *testing.T) {
	s := NewStore(nil)
	const tabs, frags = 8, 200

	type target struct{ tab, msg string }
	targets := make([]target, tabs)
	for i := range targets {
		id := s.CreateTab(TabInit{Title: fmt.Sprintf("tab %d", i)})
		msg := NewMessage(llm.RoleAssistant, "")
		if err := s.PushMessage(id, msg); err != nil {
			t.Fatalf("PushMessage: %v", err)
		}
		targets[i] = target{id, msg.ID}
	}

	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			for n := 0; n < frags; n++ {
				if err := s.AppendToMessage(tg.tab, tg.msg, fmt.Sprintf("%d,", n)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(i, tg)
	}
	// Unrelated mutations while appends are running.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < frags; n++ {
			extra := s.CreateTab(TabInit{})
			_ = s.RenameTab(targets[n%tabs].tab, fmt.Sprintf("renamed %d", n))
			_ = s.CloseTab(extra)
			_ = s.Snapshot()
		}
	}()
	wg.Wait()

	var want strings.Builder
	for n := 0; n < frags; n++ {
		fmt.Fprintf(&want, "%d,", n)
	}
	for _, tg := range targets {
		msg, err := s.Message(tg.tab, tg.msg)
		if err != nil {
			t.Fatalf("Message: %v", err)
		}
		if msg.Content != want.String() {
			t.Fatalf("tab %s content mismatch: %q", tg.tab, msg.Content)
		}
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewStore(nil)
	id := s.CreateTab(TabInit{})
	msg := NewMessage(llm.RoleUser, "original")
	_ = s.PushMessage(id, msg)

	tab, _ := s.Tab(id)
	tab.Messages[0].Content = "mutated"
	tab.Title = "mutated"

	again, _ := s.Tab(id)
	if again.Messages[0].Content != "original" || again.Title == "mutated" {
		t.Fatalf("store state leaked through a read: %+v", again)
	}
}

func TestVersionIncrements(t *testing.T) {
	s := NewStore(nil)
	v0 := s.Version()
	id := s.CreateTab(TabInit{})
	v1 := s.Version()
	_ = s.RenameTab(id, "x")
	v2 := s.Version()
	_ = s.Tabs()
	v3 := s.Version()
	if !(v0 < v1 && v1 < v2 && v2 == v3) {
		t.Fatalf("versions = %d %d %d %d", v0, v1, v2, v3)
	}
}

func TestRestoreDropsInvalidTabs(t *testing.T) {
	s := NewStore(nil)
	good := NewID()
	s.Restore(Snapshot{
		ActiveID: good,
		Tabs: []Tab{
			{ID: "not-a-uuid", Title: "bad"},
			{ID: good, Title: "good", Provider: llm.ProviderOpenRouter},
			{ID: good, Title: "duplicate"},
		},
	})
	tabs := s.Tabs()
	if len(tabs) != 1 || tabs[0].Title != "good" {
		t.Fatalf("tabs = %+v", tabs)
	}
	if tabs[0].Model != "openrouter/auto" || tabs[0].Messages == nil {
		t.Fatalf("restored tab not normalised: %+v", tabs[0])
	}
	if s.ActiveID() != good {
		t.Fatalf("active = %q", s.ActiveID())
	}
}
