package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"visionchat/internal/models"
)

const defaultHistoryLimit = 50

// Service keeps the session ledger: completed exchanges and the on-disk
// image copies that still have to be removed.
type Service struct {
	db *sql.DB
}

// NewService builds a new ledger service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Ping reports whether the ledger database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordExchange appends a completed generate action.
func (s *Service) RecordExchange(ctx context.Context, ex *models.Exchange) error {
	if strings.TrimSpace(ex.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (session_id, prompt, has_image, response, audio_path, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ex.SessionID, ex.Prompt, ex.HasImage, ex.Response, ex.AudioPath, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("exchange id: %w", err)
	}
	ex.ID = id
	return nil
}

// ListExchanges returns the most recent exchanges of a session, oldest first.
func (s *Service) ListExchanges(ctx context.Context, sessionID string, limit int) ([]models.Exchange, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, prompt, has_image, response, audio_path, created_at FROM exchanges
		 WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []models.Exchange
	for rows.Next() {
		var ex models.Exchange
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Prompt, &ex.HasImage, &ex.Response, &ex.AudioPath, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteSessionExchanges drops the audit rows of an ended session.
func (s *Service) DeleteSessionExchanges(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete exchanges: %w", err)
	}
	return nil
}
