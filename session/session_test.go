package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlink/cl/creds"
	"github.com/chatlink/cl/transport"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusPairingReady, "pairing_ready"},
		{StatusConnected, "connected"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestSession_RetryableCloseReconnects(t *testing.T) {
	env := newTestEnv(t, nil)

	adapter := env.establish(t, "u1")
	require.NoError(t, env.creds.Persist(context.Background(), "u1", creds.Material{Blob: []byte("keys")}))

	adapter.emit(transport.Closed{Reason: transport.CloseRetryable, Err: errors.New("stream error")})

	// Status drops immediately, then the retry timer dials again
	// without any external call.
	require.Eventually(t, func() bool {
		return env.dialer.count() == 2
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return env.registry.Status("u1") == StatusConnecting
	}, waitFor, tick)

	assert.True(t, adapter.isClosed())

	// Retry keeps credentials: the new dial sees the stored material.
	require.Len(t, env.dialer.materials, 2)
	assert.Equal(t, []byte("keys"), env.dialer.materials[1].Blob)

	// Session entry was never duplicated.
	assert.Equal(t, 1, env.registry.Len())

	// And the tenant comes back up on the new adapter.
	env.dialer.adapter(1).emit(transport.Established{})
	require.Eventually(t, func() bool {
		return env.registry.Status("u1") == StatusConnected
	}, waitFor, tick)
}

func TestSession_LoggedOutTearsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	adapter := env.establish(t, "u1")
	require.NoError(t, env.creds.Persist(ctx, "u1", creds.Material{Blob: []byte("keys")}))

	adapter.emit(transport.Closed{Reason: transport.CloseLoggedOut})

	require.Eventually(t, func() bool {
		return env.registry.Len() == 0
	}, waitFor, tick)

	assert.Equal(t, StatusDisconnected, env.registry.Status("u1"))

	exists, err := env.creds.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, exists)

	// No reconnect ever comes.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.dialer.count())

	require.Eventually(t, func() bool {
		account, err := env.notifier.LookupAccount(ctx, "u1")
		return err == nil && !account.Active
	}, waitFor, tick)
}

func TestSession_DisconnectErasesEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	adapter := env.establish(t, "u1")
	require.NoError(t, env.creds.Persist(ctx, "u1", creds.Material{Blob: []byte("keys")}))

	require.NoError(t, env.registry.Disconnect(ctx, "u1"))

	assert.Equal(t, 1, adapter.logoutCount())
	assert.True(t, adapter.isClosed())

	exists, err := env.creds.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.NotContains(t, env.registry.List(), "u1")
	assert.Equal(t, StatusDisconnected, env.registry.Status("u1"))

	require.Eventually(t, func() bool {
		account, err := env.notifier.LookupAccount(ctx, "u1")
		return err == nil && !account.Active
	}, waitFor, tick)

	// Second disconnect is a no-op.
	require.NoError(t, env.registry.Disconnect(ctx, "u1"))

	// Unknown tenants too.
	require.NoError(t, env.registry.Disconnect(ctx, "never-seen"))
}

func TestSession_DisconnectBoundedByLogoutTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.DisconnectTimeout = 50 * time.Millisecond
	})
	env.dialer.blockLogout = true

	env.establish(t, "u1")

	start := time.Now()
	require.NoError(t, env.registry.Disconnect(context.Background(), "u1"))
	assert.Less(t, time.Since(start), time.Second)

	// Forced local cleanup happened despite the unresponsive remote.
	assert.Equal(t, 0, env.registry.Len())
	exists, err := env.creds.Exists(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSession_StaleEventsDropped(t *testing.T) {
	env := newTestEnv(t, nil)

	adapter := env.establish(t, "u1")

	// The closure supersedes the adapter; the pairing code queued
	// behind it belongs to the dead connection and must not leak into
	// the session.
	adapter.emit(transport.Closed{Reason: transport.CloseRetryable})
	adapter.emit(transport.PairingCode{Token: "stale"})

	require.Eventually(t, func() bool {
		return env.dialer.count() == 2
	}, waitFor, tick)

	assert.NotEqual(t, StatusPairingReady, env.registry.Status("u1"))
	_, ok := env.registry.PairingArtifact("u1")
	assert.False(t, ok)
}

func TestSession_HandlersAttachOnce(t *testing.T) {
	var mu sync.Mutex
	var got []transport.Message
	var batches []transport.HistoryBatch

	env := newTestEnv(t, func(cfg *Config) {
		cfg.OnMessage = func(_ string, msg transport.Message) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		}
		cfg.OnHistory = func(_ string, batch transport.HistoryBatch) {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
		}
	})

	_, err := env.registry.Connect(context.Background(), "u1")
	require.NoError(t, err)
	adapter := env.dialer.adapter(0)

	// Before establishment nothing is delivered.
	adapter.emit(transport.Message{ChatID: "early", Text: "dropped"})

	// A double-fired established event must not duplicate delivery.
	adapter.emit(transport.Established{})
	adapter.emit(transport.Established{})
	adapter.emit(transport.Message{ChatID: "c1", Text: "hello", FromMe: false})
	adapter.emit(transport.HistoryBatch{SyncType: "recent", Messages: []transport.Message{{Text: "old"}}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && len(batches) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, "c1", got[0].ChatID)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "recent", batches[0].SyncType)
	mu.Unlock()

	// Delivery stays wired across a reconnect of the same logical
	// session.
	adapter.emit(transport.Closed{Reason: transport.CloseRetryable})
	require.Eventually(t, func() bool {
		return env.dialer.count() == 2
	}, waitFor, tick)

	next := env.dialer.adapter(1)
	next.emit(transport.Established{})
	next.emit(transport.Message{ChatID: "c2", Text: "again"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, waitFor, tick)
}

func TestSession_CredentialRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	adapter := env.establish(t, "u1")
	adapter.emit(transport.CredentialsRotated{Material: []byte("rotated")})

	require.Eventually(t, func() bool {
		material, err := env.creds.Load(ctx, "u1")
		return err == nil && string(material.Blob) == "rotated"
	}, waitFor, tick)
}

func TestSession_CredentialRotationPersistFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	adapter := env.establish(t, "u1")
	env.creds.setPersistErr(errors.New("disk full"))

	adapter.emit(transport.CredentialsRotated{Material: []byte("lost")})

	// The session shrugs it off; the next rotation lands.
	env.creds.setPersistErr(nil)
	adapter.emit(transport.CredentialsRotated{Material: []byte("recovered")})

	require.Eventually(t, func() bool {
		material, err := env.creds.Load(context.Background(), "u1")
		return err == nil && string(material.Blob) == "recovered"
	}, waitFor, tick)

	assert.Equal(t, StatusConnected, env.registry.Status("u1"))
}

func TestSession_DialFailureRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dialer.failNext = 1

	st, err := env.registry.Connect(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, st)

	require.Eventually(t, func() bool {
		return env.dialer.count() == 1 && env.registry.Status("u1") == StatusConnecting
	}, waitFor, tick)
}

func TestSession_CredentialLoadFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	loadErr := errors.New("permission denied")
	env.creds.setLoadErr(loadErr)

	_, err := env.registry.Connect(context.Background(), "u1")
	assert.ErrorIs(t, err, loadErr)

	// Retries re-attempt the load, so the session recovers once the
	// store does.
	env.creds.setLoadErr(nil)
	require.Eventually(t, func() bool {
		return env.registry.Status("u1") == StatusConnecting
	}, waitFor, tick)
	assert.Equal(t, 1, env.dialer.count())
}

func TestSession_ConnectAfterLoggedOutStartsFresh(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	adapter := env.establish(t, "u1")
	adapter.emit(transport.Closed{Reason: transport.CloseLoggedOut})

	require.Eventually(t, func() bool {
		return env.registry.Len() == 0
	}, waitFor, tick)

	// A new connect bootstraps from scratch with empty credentials.
	st, err := env.registry.Connect(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, st)

	require.Len(t, env.dialer.materials, 2)
	assert.True(t, env.dialer.materials[1].Empty())
}

func TestSession_ExplicitConnectConvergesWithRetry(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RetryPolicy = func() backoff.BackOff {
			return backoff.NewConstantBackOff(150 * time.Millisecond)
		}
	})

	adapter := env.establish(t, "u1")
	adapter.emit(transport.Closed{Reason: transport.CloseRetryable})

	require.Eventually(t, func() bool {
		return env.registry.Status("u1") == StatusDisconnected
	}, waitFor, tick)

	// An explicit connect racing the retry timer converges on a
	// single adapter for the tenant.
	_, err := env.registry.Connect(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, env.dialer.count())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, env.dialer.count())
	assert.Equal(t, 1, env.registry.Len())
}

func TestRegistry_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Registerer = reg
	})

	adapter := env.establish(t, "u1")
	require.NotNil(t, env.registry.metrics)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.registry.metrics.connects))

	adapter.emit(transport.Closed{Reason: transport.CloseRetryable})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.registry.metrics.reconnects) >= 1
	}, waitFor, tick)

	require.NoError(t, env.registry.Disconnect(context.Background(), "u1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.registry.metrics.logouts))
}
