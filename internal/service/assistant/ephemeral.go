package assistant

import (
	"context"
	"fmt"
	"time"

	"visionchat/internal/models"
)

// TrackImage records an on-disk image copy so the cleaner can remove it if
// the session is abandoned before a report consumes it.
func (s *Service) TrackImage(ctx context.Context, sessionID, path string, size int64, ttl time.Duration) (*models.EphemeralImage, error) {
	if ttl <= 0 {
		ttl = DefaultTempFileTTL
	}
	now := time.Now().UTC()
	rec := &models.EphemeralImage{
		SessionID:  sessionID,
		StoredPath: path,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ephemeral_images (session_id, stored_path, size, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.StoredPath, rec.Size, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("track image: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("image record id: %w", err)
	}
	return rec, nil
}

// ReleaseImage forgets a copy that its owner has already deleted.
func (s *Service) ReleaseImage(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ephemeral_images WHERE stored_path = ?`, path); err != nil {
		return fmt.Errorf("release image: %w", err)
	}
	return nil
}

// PendingImages lists tracked copies of a session.
func (s *Service) PendingImages(ctx context.Context, sessionID string) ([]models.EphemeralImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, stored_path, size, created_at, expires_at FROM ephemeral_images WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []models.EphemeralImage
	for rows.Next() {
		var rec models.EphemeralImage
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StoredPath, &rec.Size, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
