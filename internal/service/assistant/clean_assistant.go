package assistant

import (
	"context"
	"log/slog"
	"os"
	"time"
)

const (
	DefaultTempFileTTL             = 30 * time.Minute
	DefaultTempFileCleanupInterval = 5 * time.Minute
)

func (s *Service) StartTempFileCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTempFileCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpiredImages(ctx, time.Now().UTC()); err != nil {
				slog.Error("cleanup ephemeral images", "error", err)
			} else if n > 0 {
				slog.Info("removed abandoned image copies", "count", n)
			}
		}
	}
}

// CleanupExpiredImages removes every tracked copy that expired before now and
// returns how many were removed.
func (s *Service) CleanupExpiredImages(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM ephemeral_images WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}

	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove image copy failed", "path", f.path, "error", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM ephemeral_images WHERE id = ?`, f.id); err != nil {
			slog.Warn("delete image record failed", "id", f.id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
