package session

import (
	"context"
	"time"

	"pkt.systems/pslog"
)

// Autosave writes the store through saver whenever its version changed since
// the last save. It runs until ctx is done and then saves once more.
func Autosave(ctx context.Context, store *Store, saver Saver, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log := pslog.Ctx(ctx)
	saved := store.Version()

	flush := func(ctx context.Context) {
		v := store.Version()
		if v == saved {
			return
		}
		snap := store.Snapshot()
		if err := saver.Save(ctx, snap); err != nil {
			log.Warn("tab autosave failed", "err", err)
			return
		}
		saved = v
		log.Debug("tabs saved", "tabs", len(snap.Tabs), "version", v)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(flushCtx)
			cancel()
			return
		}
	}
}

// LoadInto restores store from saver and makes sure a tab exists.
func LoadInto(ctx context.Context, store *Store, saver Saver) error {
	snap, err := saver.Load(ctx)
	if err != nil {
		return err
	}
	store.Restore(snap)
	store.EnsureTab()
	pslog.Ctx(ctx).Debug("tabs loaded", "tabs", len(snap.Tabs))
	return nil
}
