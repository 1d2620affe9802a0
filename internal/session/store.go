// Package session owns per-browser session state and sequences the
// capture, generate and report steps over it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"visionchat/internal/config"
	"visionchat/internal/fsm"
	"visionchat/internal/models"
	"visionchat/internal/redis"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrBusy       = errors.New("another request is in progress for this session")
	ErrNoResponse = errors.New("generate a response before building a report")
)

const idBytes = 16

// Store keeps session state. Get and Update count as activity and push the
// expiry back. Update applies fn atomically; if fn returns an error nothing is
// written. Busy flags expire after the store's flag TTL so a
// crashed holder cannot wedge a session.
type Store interface {
	Create(ctx context.Context) (*models.SessionState, error)
	Get(ctx context.Context, id string) (*models.SessionState, error)
	// Exists reports whether id is live without extending its lifetime.
	Exists(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, fn func(*models.SessionState) error) (*models.SessionState, error)
	Delete(ctx context.Context, id string) error
	TryAcquire(ctx context.Context, id, flag string) (bool, error)
	Release(ctx context.Context, id, flag string) error
}

// NewStore builds the backend named by cfg.Session.Store. rdb may be nil for
// the memory store.
func NewStore(cfg *config.Config, rdb *redis.Client) (Store, error) {
	ttl := cfg.SessionTTL()
	flagTTL := cfg.JobTimeout() + time.Minute
	switch cfg.Session.Store {
	case "memory", "":
		return NewMemoryStore(ttl, flagTTL), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis session store requires a redis connection")
		}
		return NewRedisStore(rdb, ttl, flagTTL), nil
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Session.Store)
	}
}

func newID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidID reports whether id has the shape of an issued session id. Ids name
// directories on disk, so anything else is rejected before a lookup.
func ValidID(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func newState(id string) *models.SessionState {
	now := time.Now().UTC()
	return &models.SessionState{ID: id, Phase: fsm.StateIdle, CreatedAt: now, UpdatedAt: now}
}

func cloneState(st *models.SessionState) *models.SessionState {
	out := *st
	if st.Image != nil {
		img := *st.Image
		out.Image = &img
	}
	return &out
}
