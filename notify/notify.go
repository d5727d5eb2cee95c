// Package notify defines the boundary to the external account
// registry that tracks which identity each tenant is linked to.
// Notifications are best-effort: the local session state is
// authoritative and the registry converges eventually.
package notify

import (
	"context"
	"errors"

	"github.com/chatlink/cl/transport"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is the registry's view of a tenant.
type Account struct {
	Active   bool
	Identity transport.Identity
}

// Notifier is implemented by account registry clients.
type Notifier interface {
	// RecordEstablished records that the tenant connected as the
	// given identity.
	RecordEstablished(ctx context.Context, tenantID string, identity transport.Identity) error

	// MarkInactive records that the tenant was permanently logged
	// out.
	MarkInactive(ctx context.Context, tenantID string) error

	// LookupAccount returns the registry's record for a tenant, or
	// ErrAccountNotFound.
	LookupAccount(ctx context.Context, tenantID string) (Account, error)
}

// Nop is a Notifier that accepts everything and knows nothing.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) RecordEstablished(context.Context, string, transport.Identity) error {
	return nil
}

func (Nop) MarkInactive(context.Context, string) error {
	return nil
}

func (Nop) LookupAccount(context.Context, string) (Account, error) {
	return Account{}, ErrAccountNotFound
}
