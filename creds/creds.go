// Package creds persists per-tenant credential material for the chat
// transport. Material is opaque to this package: the transport hands
// over a blob on rotation and reads it back on the next dial.
package creds

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreClosed     = errors.New("credential store is closed")
	ErrInvalidTenantID = errors.New("invalid tenant id")
)

// Material is the durable credential payload for one tenant. The zero
// value is valid and means the tenant has never completed pairing.
type Material struct {
	Blob      []byte
	UpdatedAt time.Time
}

// Empty reports whether the material carries no credential payload.
func (m Material) Empty() bool {
	return len(m.Blob) == 0
}

// Store defines per-tenant credential persistence. Load returns empty
// Material when nothing is stored; Erase is idempotent.
type Store interface {
	// Exists checks whether material is stored for the tenant.
	Exists(ctx context.Context, tenantID string) (bool, error)

	// Load retrieves the tenant's material, empty if absent.
	Load(ctx context.Context, tenantID string) (Material, error)

	// Persist stores or replaces the tenant's material.
	Persist(ctx context.Context, tenantID string, material Material) error

	// Erase removes the tenant's material. Erasing an absent tenant
	// is not an error.
	Erase(ctx context.Context, tenantID string) error

	// Close closes the store.
	Close() error
}
