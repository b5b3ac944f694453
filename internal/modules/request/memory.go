// README: In-process Cache and Archive used by tests across modules.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"convoy/internal/apperr"
	"convoy/internal/types"
)

// MemoryCache serializes every operation under one mutex, which gives Update
// the same all-or-nothing visibility as the WATCH/MULTI path.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[types.ID][]byte
	active  map[types.ID]types.ID
	ttls    map[types.ID]time.Duration
	Err     error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[types.ID][]byte),
		active:  make(map[types.ID]types.ID),
		ttls:    make(map[types.ID]time.Duration),
	}
}

func (m *MemoryCache) load(id types.ID) (*Request, error) {
	raw, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
	}
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	r.normalize()
	return &r, nil
}

func (m *MemoryCache) store(r *Request, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	m.entries[r.ID] = raw
	m.ttls[r.ID] = ttl
	return nil
}

func (m *MemoryCache) Get(_ context.Context, id types.ID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.load(id)
}

func (m *MemoryCache) Set(_ context.Context, r *Request, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	return m.store(r, ttl)
}

func (m *MemoryCache) Delete(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	delete(m.ttls, id)
	return m.Err
}

// Evict drops the entry as if its TTL had elapsed.
func (m *MemoryCache) Evict(id types.ID) {
	_ = m.Delete(context.Background(), id)
}

// TTL reports the TTL of the last write to id.
func (m *MemoryCache) TTL(id types.ID) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[id]
}

func (m *MemoryCache) ActiveID(_ context.Context, requesterID types.ID) (types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.active[requesterID], nil
}

func (m *MemoryCache) Insert(_ context.Context, r *Request, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := m.store(r, ttl); err != nil {
		return err
	}
	m.active[r.RequesterID] = r.ID
	return nil
}

func (m *MemoryCache) Update(_ context.Context, id types.ID, mutate func(*Request) error) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	r, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(r); err != nil {
		if errors.Is(err, errNoChange) {
			return r, nil
		}
		return nil, err
	}
	r.normalize()
	ttl := m.ttls[id]
	if r.Status.Terminal() {
		ttl = terminalMemoryTTL
	}
	if err := m.store(r, ttl); err != nil {
		return nil, err
	}
	return r, nil
}

const terminalMemoryTTL = 60 * time.Second

func (m *MemoryCache) ClearActive(_ context.Context, requesterID, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.active[requesterID] == id {
		delete(m.active, requesterID)
	}
	return nil
}

type MemoryArchive struct {
	mu   sync.Mutex
	rows map[types.ID]Record
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{rows: make(map[types.ID]Record)}
}

func (a *MemoryArchive) Insert(_ context.Context, rec Record) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rows[rec.ID]; ok {
		return false, nil
	}
	a.rows[rec.ID] = rec
	return true, nil
}

func (a *MemoryArchive) Get(_ context.Context, id types.ID) (*Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.rows[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
	}
	return &rec, nil
}

// Rows returns the number of durable rows.
func (a *MemoryArchive) Rows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}
