package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StartJanitor periodically evicts sessions that expired without being ended
// and removes their artifact directories.
func (o *Orchestrator) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, err := o.SweepOrphans(ctx, now, idle); err != nil {
					slog.Error("sweep session dirs", "error", err)
				} else if n > 0 {
					slog.Info("removed orphaned session dirs", "count", n)
				}
			}
		}
	}()
}

// purger is implemented by stores that do not expire entries on their own.
type purger interface {
	PurgeExpired(ctx context.Context) ([]string, error)
}

// SweepOrphans evicts expired sessions from stores that need it, then deletes
// session directories untouched for idle whose session no longer exists. The
// existence check does not count as session activity.
func (o *Orchestrator) SweepOrphans(ctx context.Context, now time.Time, idle time.Duration) (int, error) {
	root := filepath.Join(o.dataDir, "sessions")
	removed := 0
	if p, ok := o.store.(purger); ok {
		ids, err := p.PurgeExpired(ctx)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			if o.dispatcher != nil {
				o.dispatcher.Cancel(id)
			}
			if err := os.RemoveAll(o.Dir(id)); err != nil {
				slog.Warn("remove session dir failed", "session", id, "error", err)
				continue
			}
			removed++
		}
		if len(ids) > 0 {
			slog.Info("expired sessions evicted", "count", len(ids))
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return removed, nil
		}
		return removed, err
	}
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < idle {
			continue
		}
		live, err := o.store.Exists(ctx, e.Name())
		if err != nil || live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			slog.Warn("remove session dir failed", "session", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
