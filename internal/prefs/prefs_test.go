package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/session"
)

var _ session.ModelDefaults = (*Store)(nil)

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.ShowReasoning() {
		t.Fatal("expected reasoning shown by default")
	}
	if got := s.DefaultFor(llm.ProviderGemini); got != "" {
		t.Fatalf("DefaultFor = %q, want empty", got)
	}
	want := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "ioai", "prefs.json")
	if s.Path() != want {
		t.Fatalf("Path = %q, want %q", s.Path(), want)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SetShowReasoning(false); err != nil {
		t.Fatalf("SetShowReasoning: %v", err)
	}
	if err := s.SetDefault(llm.ProviderOpenRouter, " deepseek/deepseek-r1 "); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if err := s.SetDefault(llm.ProviderGemini, "gemini-2.5-pro"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if err := s.SetDefault(llm.ProviderGemini, ""); err != nil {
		t.Fatalf("SetDefault clear: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.ShowReasoning() {
		t.Error("ShowReasoning not persisted")
	}
	if got := again.DefaultFor(llm.ProviderOpenRouter); got != "deepseek/deepseek-r1" {
		t.Errorf("openrouter default = %q", got)
	}
	if got := again.DefaultFor(llm.ProviderGemini); got != "" {
		t.Errorf("gemini default = %q, want cleared", got)
	}

	p := again.Get()
	if p.ShowReasoning || len(p.Models) != 1 || p.Models["openrouter"] != "deepseek/deepseek-r1" {
		t.Errorf("Get = %+v", p)
	}
}

func TestLoadIgnoresUnknownProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte(`{"models":{"claude":"x","echo":"echo-2"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.ShowReasoning() {
		t.Error("missing show_reasoning should default to true")
	}
	if got := s.DefaultFor(llm.ProviderEcho); got != "echo-2" {
		t.Errorf("echo default = %q", got)
	}
	if len(s.Get().Models) != 1 {
		t.Errorf("unknown provider kept: %+v", s.Get().Models)
	}
}

func TestInMemoryDoesNotWrite(t *testing.T) {
	s := InMemory()
	if err := s.SetDefault(llm.ProviderEcho, "echo-2"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if s.Path() != "" || s.DefaultFor(llm.ProviderEcho) != "echo-2" {
		t.Fatalf("unexpected in-memory state")
	}
}
