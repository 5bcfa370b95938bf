package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ioai/ioai/internal/llm"
)

type recordingSaver struct {
	mu    sync.Mutex
	saves []Snapshot
	load  Snapshot
}

func (r *recordingSaver) Save(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, snap)
	return nil
}

func (r *recordingSaver) Load(ctx context.Context) (Snapshot, error) { return r.load, nil }

func (r *recordingSaver) Close() error { return nil }

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func TestAutosaveSavesOnChangeAndShutdown(t *testing.T) {
	store := NewStore(nil)
	saver := &recordingSaver{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Autosave(ctx, store, saver, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	if n := saver.count(); n != 0 {
		t.Fatalf("saved %d times without changes", n)
	}

	id := store.CreateTab(TabInit{})
	deadline := time.Now().Add(2 * time.Second)
	for saver.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if saver.count() == 0 {
		t.Fatal("change was never saved")
	}

	_ = store.PushMessage(id, NewMessage(llm.RoleUser, "last words"))
	cancel()
	<-done

	saver.mu.Lock()
	last := saver.saves[len(saver.saves)-1]
	saver.mu.Unlock()
	if len(last.Tabs) != 1 || len(last.Tabs[0].Messages) != 1 {
		t.Fatalf("final save missing latest change: %+v", last)
	}
}

func TestLoadInto(t *testing.T) {
	id := NewID()
	saver := &recordingSaver{load: Snapshot{Tabs: []Tab{{ID: id, Title: "restored"}}}}
	store := NewStore(nil)
	if err := LoadInto(context.Background(), store, saver); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if store.ActiveID() != id {
		t.Fatalf("active = %q, want restored tab", store.ActiveID())
	}

	empty := NewStore(nil)
	if err := LoadInto(context.Background(), empty, NoopSaver{}); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if len(empty.Tabs()) != 1 {
		t.Fatalf("expected a fresh tab after loading nothing")
	}
}
