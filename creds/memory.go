package creds

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	mu       sync.RWMutex
	material map[string]Material
	closed   bool
}

// NewMemoryStore creates a new in-memory credential store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		material: make(map[string]Material),
	}
}

// Exists checks whether material is stored for the tenant
func (m *MemoryStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	_, ok := m.material[tenantID]
	return ok, nil
}

// Load retrieves the tenant's material, empty if absent
func (m *MemoryStore) Load(ctx context.Context, tenantID string) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Material{}, ErrStoreClosed
	}

	return m.material[tenantID], nil
}

// Persist stores or replaces the tenant's material
func (m *MemoryStore) Persist(ctx context.Context, tenantID string, material Material) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.material[tenantID] = material
	return nil
}

// Erase removes the tenant's material
func (m *MemoryStore) Erase(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.material, tenantID)
	return nil
}

// Close closes the store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.closed = true
	m.material = nil
	return nil
}
