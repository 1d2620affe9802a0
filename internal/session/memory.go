package session

import (
	"context"
	"sync"
	"time"

	"visionchat/internal/models"
)

type memoryEntry struct {
	state   *models.SessionState
	flags   map[string]time.Time
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Sessions expire after ttl of
// inactivity.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	flagTTL  time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl, flagTTL time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if flagTTL <= 0 {
		flagTTL = 5 * time.Minute
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		flagTTL:  flagTTL,
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context) (*models.SessionState, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	st := newState(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &memoryEntry{
		state:   st,
		flags:   make(map[string]time.Time),
		expires: m.now().Add(m.ttl),
	}
	return cloneState(st), nil
}

// lookupLocked returns the live entry for id, dropping it if expired.
func (m *MemoryStore) lookupLocked(id string) (*memoryEntry, error) {
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if now.After(e.expires) {
		delete(m.sessions, id)
		return nil, ErrNotFound
	}
	e.expires = now.Add(m.ttl)
	return e, nil
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	if m.now().After(e.expires) {
		delete(m.sessions, id)
		return false, nil
	}
	return true, nil
}

// PurgeExpired drops every session past its expiry and returns their ids.
func (m *MemoryStore) PurgeExpired(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ids []string
	for id, e := range m.sessions {
		if now.After(e.expires) {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneState(e.state), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*models.SessionState) error) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	next := cloneState(e.state)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = m.now().UTC()
	e.state = next
	return cloneState(next), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) TryAcquire(ctx context.Context, id, flag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return false, err
	}
	now := m.now()
	if until, held := e.flags[flag]; held && now.Before(until) {
		return false, nil
	}
	e.flags[flag] = now.Add(m.flagTTL)
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, id, flag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		delete(e.flags, flag)
	}
	return nil
}
