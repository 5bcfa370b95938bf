package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ioai/ioai/internal/llm"
)

func TestSQLiteStoreSaveLoad(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store, err := NewSQLiteStore(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	defer store.Close()

	mem := NewStore(nil)
	first := mem.CreateTab(TabInit{Title: "first"})
	second := mem.CreateTab(TabInit{Provider: llm.ProviderOpenRouter, Model: "deepseek/deepseek-r1", Title: "second"})
	_ = mem.PushMessage(second, NewMessage(llm.RoleUser, "hello"))
	reply := NewMessage(llm.RoleAssistant, "")
	_ = mem.PushMessage(second, reply)
	_ = mem.AppendToMessage(second, reply.ID, "Hi | there\n\n[Error: Rate limited]")
	_ = mem.SetActive(first)

	ctx := context.Background()
	if err := store.Save(ctx, mem.Snapshot()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if loaded.ActiveID != first {
		t.Errorf("expected active %q, got %q", first, loaded.ActiveID)
	}
	if len(loaded.Tabs) != 2 {
		t.Fatalf("expected 2 tabs, got %d", len(loaded.Tabs))
	}
	if loaded.Tabs[0].ID != first || loaded.Tabs[1].ID != second {
		t.Errorf("tab order not preserved: %q, %q", loaded.Tabs[0].ID, loaded.Tabs[1].ID)
	}
	got := loaded.Tabs[1]
	if got.Provider != llm.ProviderOpenRouter || got.Model != "deepseek/deepseek-r1" || got.Title != "second" {
		t.Errorf("unexpected tab: %+v", got)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != llm.RoleUser || got.Messages[0].Content != "hello" {
		t.Errorf("unexpected first message: %+v", got.Messages[0])
	}
	if got.Messages[1].ID != reply.ID || got.Messages[1].Content != "Hi | there\n\n[Error: Rate limited]" {
		t.Errorf("unexpected reply: %+v", got.Messages[1])
	}
	if loaded.Tabs[0].Messages == nil || len(loaded.Tabs[0].Messages) != 0 {
		t.Errorf("expected empty message list for first tab")
	}

	// Saving again replaces rather than appends.
	_ = mem.CloseTab(second)
	if err := store.Save(ctx, mem.Snapshot()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(loaded.Tabs) != 1 {
		t.Fatalf("expected 1 tab after resave, got %d", len(loaded.Tabs))
	}
}

func TestSQLiteStoreCustomPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "custom", "sessions.db")

	store, err := NewSQLiteStore(Config{
		Enabled: true,
		Path:    dbPath,
	})
	if err != nil {
		t.Fatalf("failed to create sqlite store with custom path: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected database file at %q: %v", dbPath, err)
	}
	if store.Path() != dbPath {
		t.Fatalf("Path() = %q", store.Path())
	}
}

func TestSQLiteStoreRecordsSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tabs.db")
	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(Config{Enabled: true, Path: dbPath})
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		var rows, version int
		if err := store.db.QueryRow("SELECT COUNT(*), MAX(version) FROM schema_version").Scan(&rows, &version); err != nil {
			t.Fatalf("read version: %v", err)
		}
		store.Close()
		if rows != 1 || version != schemaVersion {
			t.Fatalf("open #%d: rows = %d, version = %d, want 1 row at %d", i, rows, version, schemaVersion)
		}
	}
}

func TestNewSaverDisabled(t *testing.T) {
	saver, err := NewSaver(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewSaver: %v", err)
	}
	if _, ok := saver.(NoopSaver); !ok {
		t.Fatalf("expected NoopSaver, got %T", saver)
	}
	snap, err := saver.Load(context.Background())
	if err != nil || len(snap.Tabs) != 0 {
		t.Fatalf("Load = %+v, %v", snap, err)
	}
}
