// Package session owns one logical chat session per tenant: the
// state machine that drives it through pairing, established, and
// teardown, and the registry other subsystems talk to.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatlink/cl/creds"
	"github.com/chatlink/cl/notify"
	"github.com/chatlink/cl/pairing"
	"github.com/chatlink/cl/pkg/logger"
	"github.com/chatlink/cl/transport"
)

const (
	// DefaultRetryDelay is the flat delay between reconnect attempts.
	DefaultRetryDelay = 3 * time.Second

	// DefaultDisconnectTimeout bounds the remote logout handshake.
	DefaultDisconnectTimeout = 5 * time.Second

	// DefaultNotifyTimeout bounds best-effort account registry calls.
	DefaultNotifyTimeout = 3 * time.Second

	// DefaultPairingWait caps WaitPairingArtifact when the caller's
	// context carries no deadline.
	DefaultPairingWait = 4500 * time.Millisecond

	pairingPollInterval = 300 * time.Millisecond
)

// MessageHandler receives inbound messages for a tenant
type MessageHandler func(tenantID string, msg transport.Message)

// HistoryHandler receives history sync batches for a tenant
type HistoryHandler func(tenantID string, batch transport.HistoryBatch)

// Config configures the registry
type Config struct {
	// Dialer opens transport connections. Required.
	Dialer transport.Dialer

	// Credentials stores per-tenant credential material. Required.
	Credentials creds.Store

	// Notifier is the account registry client. Optional; calls are
	// best-effort and never block state transitions.
	Notifier notify.Notifier

	// Encoder renders pairing tokens. Defaults to a QR encoder.
	Encoder *pairing.Encoder

	// Logger defaults to a colored slog logger at Info.
	Logger logger.Logger

	// RetryPolicy produces the per-session reconnect schedule.
	// Defaults to a flat DefaultRetryDelay with unbounded attempts.
	RetryPolicy func() backoff.BackOff

	// DisconnectTimeout bounds the logout handshake on Disconnect.
	DisconnectTimeout time.Duration

	// NotifyTimeout bounds calls to the Notifier.
	NotifyTimeout time.Duration

	// OnMessage and OnHistory receive payload events once a session
	// has established. Delivery is in transport order per tenant.
	OnMessage MessageHandler
	OnHistory HistoryHandler

	// Registerer enables metrics when set.
	Registerer prometheus.Registerer
}

// Registry is a concurrency-safe mapping from tenant id to session.
// It guarantees at most one live session, and so at most one physical
// connection, per tenant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	dialer            transport.Dialer
	creds             creds.Store
	notifier          notify.Notifier
	encoder           *pairing.Encoder
	log               logger.Logger
	retryPolicy       func() backoff.BackOff
	disconnectTimeout time.Duration
	notifyTimeout     time.Duration
	onMessage         MessageHandler
	onHistory         HistoryHandler

	metrics *metrics
	wg      sync.WaitGroup
}

// NewRegistry creates a registry from the config, applying defaults
func NewRegistry(config Config) (*Registry, error) {
	if config.Dialer == nil {
		return nil, errors.New("session: Dialer is required")
	}
	if config.Credentials == nil {
		return nil, errors.New("session: Credentials store is required")
	}
	if config.Encoder == nil {
		config.Encoder = pairing.NewEncoder(pairing.EncoderConfig{})
	}
	if config.Logger == nil {
		config.Logger = logger.NewSlogLogger(slog.LevelInfo, nil)
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = func() backoff.BackOff {
			return backoff.NewConstantBackOff(DefaultRetryDelay)
		}
	}
	if config.DisconnectTimeout == 0 {
		config.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if config.NotifyTimeout == 0 {
		config.NotifyTimeout = DefaultNotifyTimeout
	}

	r := &Registry{
		sessions:          make(map[string]*Session),
		dialer:            config.Dialer,
		creds:             config.Credentials,
		notifier:          config.Notifier,
		encoder:           config.Encoder,
		log:               config.Logger,
		retryPolicy:       config.RetryPolicy,
		disconnectTimeout: config.DisconnectTimeout,
		notifyTimeout:     config.NotifyTimeout,
		onMessage:         config.OnMessage,
		onHistory:         config.OnHistory,
	}
	r.metrics = newMetrics(config.Registerer, r)

	return r, nil
}

// Connect ensures a session exists for the tenant and is connecting
// or further along. Idempotent: a live session is reused, never
// doubled. The returned status is the immediate state, not the final
// outcome.
func (r *Registry) Connect(ctx context.Context, tenantID string) (Status, error) {
	if tenantID == "" {
		return StatusDisconnected, ErrInvalidTenantID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StatusDisconnected, ErrRegistryClosed
	}
	s, ok := r.sessions[tenantID]
	if ok && s.isTerminated() {
		// Stale entry left behind by a racing teardown.
		delete(r.sessions, tenantID)
		ok = false
	}
	fresh := !ok
	if fresh {
		s = newSession(tenantID, r.retryPolicy())
		r.sessions[tenantID] = s
	}
	r.mu.Unlock()

	if fresh {
		r.lookupAccount(ctx, tenantID)
	}

	return s.connect(ctx, r)
}

// Status returns the tenant's session status. Unknown tenants are
// disconnected; no entry is ever created by a read.
func (r *Registry) Status(tenantID string) Status {
	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()

	if !ok {
		return StatusDisconnected
	}
	return s.Status()
}

// PairingArtifact returns the tenant's current pairing artifact, if
// the session is waiting to be scanned.
func (r *Registry) PairingArtifact(tenantID string) (*pairing.Artifact, bool) {
	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return s.Artifact()
}

// WaitPairingArtifact polls until a pairing artifact shows up, the
// session establishes, or the context expires. Contexts without a
// deadline are capped at DefaultPairingWait.
func (r *Registry) WaitPairingArtifact(ctx context.Context, tenantID string) (*pairing.Artifact, Status, error) {
	if tenantID == "" {
		return nil, StatusDisconnected, ErrInvalidTenantID
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPairingWait)
		defer cancel()
	}

	ticker := time.NewTicker(pairingPollInterval)
	defer ticker.Stop()

	for {
		if st := r.Status(tenantID); st == StatusConnected {
			return nil, st, nil
		}
		if artifact, ok := r.PairingArtifact(tenantID); ok {
			return artifact, StatusPairingReady, nil
		}

		select {
		case <-ctx.Done():
			return nil, r.Status(tenantID), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect permanently logs the tenant out. It returns after the
// logout handshake finishes or times out, with local cleanup done
// either way. Unknown tenants are a no-op.
func (r *Registry) Disconnect(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidTenantID
	}

	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	return s.terminate(ctx, r)
}

// Send delivers a payload through the tenant's established
// connection.
func (r *Registry) Send(ctx context.Context, tenantID, chatID string, payload []byte) error {
	if tenantID == "" {
		return ErrInvalidTenantID
	}

	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	adapter, st := s.currentAdapter()
	if st != StatusConnected || adapter == nil {
		return ErrNotConnected
	}
	return adapter.Send(ctx, chatID, payload)
}

// List returns a snapshot of all tracked sessions and their statuses
func (r *Registry) List() map[string]Status {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	out := make(map[string]Status, len(snapshot))
	for _, s := range snapshot {
		out[s.tenantID] = s.Status()
	}
	return out
}

// Len returns the number of tracked sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down all sessions and waits for their event pumps.
// Credentials are kept: sessions resume after a restart without
// re-pairing.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.closed = true
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range snapshot {
		s.shutdown(r)
	}
	r.wg.Wait()

	return nil
}

// removeSession drops the entry only if it still maps to this exact
// session, so a replacement created in the meantime survives.
func (r *Registry) removeSession(tenantID string, s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[tenantID]; ok && cur == s {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()
}

// lookupAccount asks the account registry about a never-seen tenant
// before the first dial. Purely advisory: any failure or answer still
// proceeds to connect.
func (r *Registry) lookupAccount(ctx context.Context, tenantID string) {
	if r.notifier == nil {
		return
	}

	lctx, cancel := context.WithTimeout(ctx, r.notifyTimeout)
	defer cancel()

	account, err := r.notifier.LookupAccount(lctx, tenantID)
	switch {
	case errors.Is(err, notify.ErrAccountNotFound):
		r.log.Debug("no registered account", "tenant", tenantID)
	case err != nil:
		r.log.Warn("account lookup failed, connecting anyway", "tenant", tenantID, "error", err)
	case account.Active:
		r.log.Debug("account already active in registry", "tenant", tenantID, "handle", account.Identity.Handle)
	}
}

// addWorker registers a background task unless the registry is
// already closing; Close sets closed before it waits, so the
// WaitGroup is never grown behind a running Wait.
func (r *Registry) addWorker() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Registry) notifyEstablished(tenantID string, identity transport.Identity) {
	if r.notifier == nil || !r.addWorker() {
		return
	}

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()

		if err := r.notifier.RecordEstablished(ctx, tenantID, identity); err != nil {
			r.log.Warn("account sync record failed", "tenant", tenantID, "error", err)
		}
	}()
}

func (r *Registry) notifyInactive(tenantID string) {
	if r.notifier == nil || !r.addWorker() {
		return
	}

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()

		if err := r.notifier.MarkInactive(ctx, tenantID); err != nil {
			r.log.Warn("account sync mark-inactive failed", "tenant", tenantID, "error", err)
		}
	}()
}
