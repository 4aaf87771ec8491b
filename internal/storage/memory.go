package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"halftimebot/internal/domain"
)

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu     sync.Mutex
	seq    int64
	picks  []domain.PickRecord
	dedup  map[string]time.Time
	closed bool
}

func NewMemory() Store {
	return &memoryStore{dedup: map[string]time.Time{}}
}

func (m *memoryStore) Driver() string { return "memory" }

func (m *memoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) InsertPicks(ctx context.Context, rows []domain.PickRecord) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	now := time.Now()
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		m.seq++
		r.ID = m.seq
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = r.CreatedAt
		r.Hit = copyBool(r.Hit)
		m.picks = append(m.picks, r)
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (m *memoryStore) PicksFor(ctx context.Context, gameLabel, date string) ([]domain.PickRecord, error) {
	return m.ListPicks(ctx, domain.PickFilter{GameLabel: gameLabel, Date: date, Limit: -1})
}

// ListPicks returns newest first, except that a negative limit (internal use)
// returns every match oldest first.
func (m *memoryStore) ListPicks(ctx context.Context, f domain.PickFilter) ([]domain.PickRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	out := []domain.PickRecord{}
	for _, r := range m.picks {
		if f.GameLabel != "" && r.GameLabel != f.GameLabel {
			continue
		}
		if f.Date != "" && r.Date != f.Date {
			continue
		}
		r.Hit = copyBool(r.Hit)
		out = append(out, r)
	}
	if f.Limit < 0 {
		return out, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) SetHit(ctx context.Context, id int64, hit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	for i := range m.picks {
		if m.picks[i].ID == id {
			v := hit
			m.picks[i].Hit = &v
			m.picks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("pick %d: %w", id, domain.ErrNotFound)
}

func (m *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func copyBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	b := *v
	return &b
}
