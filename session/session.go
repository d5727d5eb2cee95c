package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatlink/cl/creds"
	"github.com/chatlink/cl/pairing"
	"github.com/chatlink/cl/transport"
)

// Session is the per-tenant connection state machine. It owns at most
// one live transport adapter; successive adapters are distinguished by
// a generation counter so events from a superseded connection can
// never corrupt the current one.
type Session struct {
	mu sync.RWMutex

	tenantID string
	status   Status

	// gen increments every time the owned adapter changes (new dial,
	// disposal, teardown). Events tagged with an older generation are
	// dropped.
	gen     uint64
	adapter transport.Adapter

	artifact *pairing.Artifact
	identity transport.Identity

	// handlersAttached flips to true on the first established event
	// of this logical session and stays true across reconnects, so
	// message/history delivery is wired exactly once.
	handlersAttached bool

	// terminated marks a permanent teardown; the session can never be
	// revived, only replaced in the registry.
	terminated bool

	retryTimer *time.Timer
	retry      backoff.BackOff
}

func newSession(tenantID string, retry backoff.BackOff) *Session {
	return &Session{
		tenantID: tenantID,
		retry:    retry,
	}
}

// Status returns a snapshot of the session state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Artifact returns the current pairing artifact, present only while
// the session is in pairing_ready.
func (s *Session) Artifact() (*pairing.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != StatusPairingReady || s.artifact == nil {
		return nil, false
	}
	return s.artifact, true
}

// Identity returns the identity of the last established connection
func (s *Session) Identity() transport.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) isTerminated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminated
}

func (s *Session) currentAdapter() (transport.Adapter, Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapter, s.status
}

// deliverable reports whether payload events from the given adapter
// generation should reach the configured handlers.
func (s *Session) deliverable(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.terminated && s.gen == gen && s.handlersAttached
}

// connect drives disconnected → connecting: load credentials, dial a
// new adapter under a fresh generation, start its event pump. Already
// live sessions are returned as-is, which makes the registry's
// Connect idempotent.
func (s *Session) connect(ctx context.Context, r *Registry) (Status, error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return StatusDisconnected, nil
	}
	switch s.status {
	case StatusConnecting, StatusPairingReady, StatusConnected:
		st := s.status
		s.mu.Unlock()
		return st, nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.gen++
	gen := s.gen
	s.status = StatusConnecting
	s.mu.Unlock()

	material, err := r.creds.Load(ctx, s.tenantID)
	if err != nil {
		r.log.Error("credential load failed", "tenant", s.tenantID, "error", err)
		s.connectFailed(r, gen)
		return StatusDisconnected, err
	}

	r.metrics.incConnects()

	adapter, err := r.dialer.Dial(ctx, s.tenantID, material)
	if err != nil {
		r.log.Warn("transport dial failed, will retry", "tenant", s.tenantID, "error", err)
		s.connectFailed(r, gen)
		return StatusDisconnected, nil
	}

	s.mu.Lock()
	if s.terminated || s.gen != gen {
		// Torn down while the dial was in flight.
		s.mu.Unlock()
		_ = adapter.Close()
		return StatusDisconnected, nil
	}
	s.adapter = adapter
	s.mu.Unlock()

	if !r.addWorker() {
		// Registry began closing under us; its shutdown pass owns
		// the adapter now.
		_ = adapter.Close()
		return StatusDisconnected, nil
	}
	go s.pump(r, gen, adapter)

	r.log.Info("connecting", "tenant", s.tenantID)
	return StatusConnecting, nil
}

// connectFailed rolls a failed attempt back to disconnected and
// schedules the next one.
func (s *Session) connectFailed(r *Registry, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated || s.gen != gen {
		return
	}
	s.status = StatusDisconnected
	s.scheduleRetryLocked(r)
}

// scheduleRetryLocked arms the single owned retry timer. The timer
// targets the registry's idempotent Connect, so a racing explicit
// connect and a firing timer converge on one adapter. Caller holds
// s.mu.
func (s *Session) scheduleRetryLocked(r *Registry) {
	delay := s.retry.NextBackOff()
	if delay == backoff.Stop {
		r.log.Warn("retry policy gave up", "tenant", s.tenantID)
		return
	}

	s.retryTimer = time.AfterFunc(delay, func() {
		if s.isTerminated() {
			return
		}
		if _, err := r.Connect(context.Background(), s.tenantID); err != nil {
			r.log.Warn("scheduled reconnect failed", "tenant", s.tenantID, "error", err)
		}
	})
	r.metrics.incReconnects()
}

// pump consumes one adapter's event stream in order. It exits when
// the adapter closes its channel.
func (s *Session) pump(r *Registry, gen uint64, adapter transport.Adapter) {
	defer r.wg.Done()

	for ev := range adapter.Events() {
		s.handle(r, gen, adapter, ev)
	}
}

func (s *Session) handle(r *Registry, gen uint64, adapter transport.Adapter, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.PairingCode:
		s.handlePairingCode(r, gen, ev)
	case transport.Established:
		s.handleEstablished(r, gen, ev)
	case transport.Closed:
		s.handleClosed(r, gen, adapter, ev)
	case transport.CredentialsRotated:
		s.handleRotation(r, gen, ev)
	case transport.Message:
		if s.deliverable(gen) && r.onMessage != nil {
			r.onMessage(s.tenantID, ev)
		}
	case transport.HistoryBatch:
		if s.deliverable(gen) && r.onHistory != nil {
			r.onHistory(s.tenantID, ev)
		}
	}
}

func (s *Session) handlePairingCode(r *Registry, gen uint64, ev transport.PairingCode) {
	artifact, err := r.encoder.Encode(ev.Token)
	if err != nil {
		r.log.Error("pairing code encode failed", "tenant", s.tenantID, "error", err)
		return
	}

	s.mu.Lock()
	if s.terminated || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.artifact = artifact
	s.status = StatusPairingReady
	s.mu.Unlock()

	r.metrics.incPairingCodes()
	r.log.Info("pairing code issued", "tenant", s.tenantID)
}

func (s *Session) handleEstablished(r *Registry, gen uint64, ev transport.Established) {
	s.mu.Lock()
	if s.terminated || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.artifact = nil
	s.status = StatusConnected
	s.identity = ev.Identity
	s.handlersAttached = true
	s.retry.Reset()
	s.mu.Unlock()

	r.notifyEstablished(s.tenantID, ev.Identity)
	r.log.Info("connected", "tenant", s.tenantID, "handle", ev.Identity.Handle)
}

func (s *Session) handleClosed(r *Registry, gen uint64, adapter transport.Adapter, ev transport.Closed) {
	if ev.Reason == transport.CloseLoggedOut {
		s.handleLoggedOut(r, gen, adapter)
		return
	}

	s.mu.Lock()
	if s.terminated || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++ // supersede the adapter so late events are dropped
	s.adapter = nil
	s.artifact = nil
	s.status = StatusDisconnected
	s.scheduleRetryLocked(r)
	s.mu.Unlock()

	_ = adapter.Close()
	r.log.Info("connection closed, reconnect scheduled", "tenant", s.tenantID, "error", ev.Err)
}

func (s *Session) handleLoggedOut(r *Registry, gen uint64, adapter transport.Adapter) {
	s.mu.Lock()
	if s.terminated || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.markTerminatedLocked()
	s.mu.Unlock()

	_ = adapter.Close()
	r.log.Info("remote logout", "tenant", s.tenantID)
	_ = s.finalize(r)
}

func (s *Session) handleRotation(r *Registry, gen uint64, ev transport.CredentialsRotated) {
	s.mu.RLock()
	stale := s.terminated || s.gen != gen
	s.mu.RUnlock()
	if stale {
		return
	}

	material := creds.Material{Blob: ev.Material, UpdatedAt: time.Now()}
	if err := r.creds.Persist(context.Background(), s.tenantID, material); err != nil {
		// The next rotation retries naturally.
		r.log.Error("credential persist failed", "tenant", s.tenantID, "error", err)
	}
}

// terminate is the explicit terminal path: attempt the logout
// handshake within a deadline, then clean up locally regardless of
// the remote's cooperation.
func (s *Session) terminate(ctx context.Context, r *Registry) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	adapter := s.adapter
	s.markTerminatedLocked()
	s.mu.Unlock()

	if adapter != nil {
		lctx, cancel := context.WithTimeout(ctx, r.disconnectTimeout)
		if err := adapter.Logout(lctx); err != nil {
			r.log.Warn("logout handshake failed, forcing local cleanup", "tenant", s.tenantID, "error", err)
		}
		cancel()
		_ = adapter.Close()
	}

	return s.finalize(r)
}

// shutdown releases the session's resources on registry close without
// logging the tenant out: credentials survive a process restart.
func (s *Session) shutdown(r *Registry) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	adapter := s.adapter
	s.markTerminatedLocked()
	s.mu.Unlock()

	if adapter != nil {
		_ = adapter.Close()
	}
}

// markTerminatedLocked moves the session into its terminal condition.
// Caller holds s.mu.
func (s *Session) markTerminatedLocked() {
	s.terminated = true
	s.gen++
	s.adapter = nil
	s.artifact = nil
	s.status = StatusDisconnected
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// finalize completes a terminal teardown: erase credentials, drop the
// registry entry, tell the account registry. Notification failures
// never undo the local transition.
func (s *Session) finalize(r *Registry) error {
	var err error
	if e := r.creds.Erase(context.Background(), s.tenantID); e != nil {
		r.log.Error("credential erase failed", "tenant", s.tenantID, "error", e)
		err = e
	}

	r.removeSession(s.tenantID, s)
	r.notifyInactive(s.tenantID)
	r.metrics.incLogouts()
	return err
}
