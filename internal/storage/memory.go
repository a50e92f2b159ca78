// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/signalapi/signal-service/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex
	nextID  int64                       // Last assigned signal id; ids are never reused
	signals map[int64]*model.Signal     // Map of id to signal
	types   map[string]model.TypeSignal // Map of type name to type
	regions map[string]string           // Map of username to region
}

// NewMemory creates a new in-memory storage implementation loaded with seed.
// Returns a Store interface that can be used for testing or development.
func NewMemory(seed Seed) Store {
	m := &memory{
		signals: make(map[int64]*model.Signal),
		types:   make(map[string]model.TypeSignal),
		regions: make(map[string]string),
	}
	for i, name := range seed.Types {
		m.types[name] = model.TypeSignal{ID: int64(i + 1), Type: name}
	}
	for user, region := range seed.UserRegions {
		m.regions[user] = region
	}
	return m
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

func (m *memory) CreateSignal(ctx context.Context, s *model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s.ID = m.nextID
	m.signals[s.ID] = cloneSignal(s)
	return nil
}

func (m *memory) GetSignal(ctx context.Context, id int64) (*model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.signals[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneSignal(s), nil
}

func (m *memory) ListSignals(ctx context.Context) ([]model.Signal, error) {
	return m.filter(func(*model.Signal) bool { return true }), nil
}

func (m *memory) ListSignalsByRegion(ctx context.Context, region string) ([]model.Signal, error) {
	return m.filter(func(s *model.Signal) bool {
		return s.Region != nil && *s.Region == region
	}), nil
}

func (m *memory) ListSignalsByUsername(ctx context.Context, username string) ([]model.Signal, error) {
	return m.filter(func(s *model.Signal) bool { return s.Username == username }), nil
}

// filter returns copies of matching signals ordered by id
func (m *memory) filter(match func(*model.Signal) bool) []model.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Signal, 0)
	for _, s := range m.signals {
		if match(s) {
			out = append(out, *cloneSignal(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memory) UpdateSignalStatus(ctx context.Context, id int64, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.signals[id]
	if !exists {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memory) UpdateSignalRegion(ctx context.Context, id int64, region string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.signals[id]
	if !exists {
		return ErrNotFound
	}
	s.Region = &region
	return nil
}

func (m *memory) DeleteSignal(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.signals[id]; !exists {
		return ErrNotFound
	}
	delete(m.signals, id)
	return nil
}

func (m *memory) GetTypeByName(ctx context.Context, name string) (*model.TypeSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.types[name]
	if !exists {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *memory) ListTypes(ctx context.Context) ([]model.TypeSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.TypeSignal, 0, len(m.types))
	for _, t := range m.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memory) GetRegionForUser(ctx context.Context, username string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	region, exists := m.regions[username]
	if !exists {
		return "", ErrNotFound
	}
	return region, nil
}

// cloneSignal copies s so callers never share slices or pointers with the store
func cloneSignal(s *model.Signal) *model.Signal {
	c := *s
	c.TypeSignal = append([]model.TypeSignal(nil), s.TypeSignal...)
	if s.Region != nil {
		region := *s.Region
		c.Region = &region
	}
	return &c
}
