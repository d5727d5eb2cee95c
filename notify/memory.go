package notify

import (
	"context"
	"sync"
	"time"

	"github.com/chatlink/cl/transport"
)

// accountRow mirrors what a real account registry keeps per tenant.
type accountRow struct {
	identity  transport.Identity
	active    bool
	createdAt time.Time
	updatedAt time.Time
}

// MemoryNotifier is an in-process account registry, used for local
// runs and tests.
type MemoryNotifier struct {
	mu       sync.RWMutex
	accounts map[string]*accountRow
}

// NewMemoryNotifier creates an empty in-memory notifier
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		accounts: make(map[string]*accountRow),
	}
}

// RecordEstablished records that the tenant connected as the given identity
func (n *MemoryNotifier) RecordEstablished(ctx context.Context, tenantID string, identity transport.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if row, ok := n.accounts[tenantID]; ok {
		row.identity = identity
		row.active = true
		row.updatedAt = now
		return nil
	}

	n.accounts[tenantID] = &accountRow{
		identity:  identity,
		active:    true,
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

// MarkInactive records that the tenant was permanently logged out
func (n *MemoryNotifier) MarkInactive(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	row, ok := n.accounts[tenantID]
	if !ok {
		return ErrAccountNotFound
	}

	row.active = false
	row.updatedAt = time.Now()
	return nil
}

// LookupAccount returns the registry's record for a tenant
func (n *MemoryNotifier) LookupAccount(ctx context.Context, tenantID string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	row, ok := n.accounts[tenantID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}

	return Account{Active: row.active, Identity: row.identity}, nil
}
