package creds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var credsPrefix = []byte("creds:")

// PebbleStore is a Pebble-based implementation of the Store interface
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// NewPebbleStore creates a new Pebble-based credential store
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{
			ErrorIfExists: false,
		}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{
		db: db,
	}, nil
}

// makeKey creates a key for a tenant ID
func makeKey(tenantID string) []byte {
	key := make([]byte, len(credsPrefix)+len(tenantID))
	copy(key, credsPrefix)
	copy(key[len(credsPrefix):], tenantID)
	return key
}

// Exists checks whether material is stored for the tenant
func (p *PebbleStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrStoreClosed
	}
	p.mu.RUnlock()

	_, closer, err := p.db.Get(makeKey(tenantID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Load retrieves the tenant's material, empty if absent
func (p *PebbleStore) Load(ctx context.Context, tenantID string) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Material{}, ErrStoreClosed
	}
	p.mu.RUnlock()

	value, closer, err := p.db.Get(makeKey(tenantID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Material{}, nil
		}
		return Material{}, err
	}
	defer closer.Close()

	var rec materialRecord
	if err := cbor.Unmarshal(value, &rec); err != nil {
		return Material{}, err
	}

	return recordToMaterial(rec), nil
}

// Persist stores or replaces the tenant's material
func (p *PebbleStore) Persist(ctx context.Context, tenantID string, material Material) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	if material.UpdatedAt.IsZero() {
		material.UpdatedAt = time.Now()
	}

	value, err := cbor.Marshal(materialToRecord(material))
	if err != nil {
		return err
	}

	return p.db.Set(makeKey(tenantID), value, pebble.Sync)
}

// Erase removes the tenant's material. Deleting an absent key is a
// no-op in Pebble, which gives idempotency for free.
func (p *PebbleStore) Erase(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	return p.db.Delete(makeKey(tenantID), pebble.Sync)
}

// Close closes the store
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}

	p.closed = true
	return p.db.Close()
}
