package session

import "context"

// NoopSaver is used when persistence is disabled.
// It silently discards all writes and loads an empty snapshot.
type NoopSaver struct{}

func (NoopSaver) Save(ctx context.Context, snap Snapshot) error {
	return nil
}

func (NoopSaver) Load(ctx context.Context) (Snapshot, error) {
	return Snapshot{}, nil
}

func (NoopSaver) Close() error {
	return nil
}
