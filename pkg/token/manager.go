// Package token owns the credential lifecycle: it hands out valid access
// tokens and performs the guarded refresh dance when they are close to
// expiry. It is the only writer of the stored credential, and only while
// holding the refresh lease.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/breaker"
	"github.com/stridelog/server/pkg/credentials"
	"github.com/stridelog/server/pkg/lock"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/types"
)

// Credential health as reported to status endpoints. Token values are never
// part of this surface.
type Health string

const (
	HealthValid        Health = "valid"
	HealthExpiringSoon Health = "expiring_soon"
	HealthRevoked      Health = "revoked"
	HealthUnknown      Health = "unknown"
)

// ErrNoToken means the user has no stored credential for the provider.
var ErrNoToken = errors.New("no stored credential")

// ErrTokenRevoked means the stored credential is terminally dead; the user
// must re-authorize before any further provider calls.
var ErrTokenRevoked = errors.New("credential revoked")

// LockBusyError means another invocation is refreshing this credential right
// now. Retryable, not fatal.
type LockBusyError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("refresh lock busy (%s), retry after %s", e.Reason, e.RetryAfter)
}

// RefreshError wraps a failed refresh exchange. Terminal means the refresh
// token was rejected and the credential has been marked revoked; otherwise
// the failure is transient (provider unreachable, breaker open).
type RefreshError struct {
	Terminal bool
	Err      error
}

func (e *RefreshError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("token refresh terminally failed: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed (transient): %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Refresher is the provider's token-refresh exchange.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*credentials.TokenPair, error)
}

// AccessToken is what EnsureValidToken hands back. The plaintext never
// appears in logs or error payloads.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

type Manager struct {
	store     *credentials.Store
	locks     *lock.Manager
	refresher Refresher
	breaker   *breaker.Breaker
	provider  string
	margin    time.Duration

	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store *credentials.Store, locks *lock.Manager, refresher Refresher, brk *breaker.Breaker, providerName string, margin time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		locks:     locks,
		refresher: refresher,
		breaker:   brk,
		provider:  providerName,
		margin:    margin,
		now:       time.Now,
		logger:    logger.With("component", "token"),
	}
}

// EnsureValidToken returns an access token good for at least the safety
// margin. The common path — token not near expiry — touches neither the lock
// nor the provider. Near expiry it serializes the refresh behind the lease,
// re-reads after acquiring (another holder may have refreshed already), and
// runs the exchange through the circuit breaker.
//
// Failure modes: ErrNoToken, ErrTokenRevoked, *LockBusyError (retryable),
// breaker.ErrCircuitOpen (retryable), *RefreshError.
func (m *Manager) EnsureValidToken(ctx context.Context, userID string) (*AccessToken, error) {
	pair, record, err := m.loadUsable(ctx, userID)
	if err != nil {
		return nil, err
	}

	if m.fresh(pair.ExpiresAt) {
		return &AccessToken{Token: pair.AccessToken, ExpiresAt: pair.ExpiresAt}, nil
	}

	acq, err := m.locks.Acquire(ctx, userID, m.provider)
	if err != nil {
		return nil, err
	}
	if !acq.Acquired {
		return nil, &LockBusyError{RetryAfter: acq.RetryAfter, Reason: acq.Reason}
	}
	defer m.locks.Release(ctx, userID, m.provider, acq.LockID)

	// Re-read under the lease: a concurrent holder may have refreshed while
	// we waited, in which case the exchange is redundant.
	pair, record, err = m.loadUsable(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.fresh(pair.ExpiresAt) {
		m.logger.Debug("Credential already refreshed by concurrent holder", "user_id", userID)
		return &AccessToken{Token: pair.AccessToken, ExpiresAt: pair.ExpiresAt}, nil
	}

	var newPair *credentials.TokenPair
	execErr := m.breaker.Execute(func() error {
		var refreshErr error
		newPair, refreshErr = m.refresher.Refresh(ctx, pair.RefreshToken)
		return refreshErr
	})
	if execErr != nil {
		return nil, m.classifyRefreshFailure(ctx, userID, execErr)
	}

	if err := m.store.PersistRefresh(ctx, userID, m.provider, record, newPair); err != nil {
		return nil, err
	}

	return &AccessToken{Token: newPair.AccessToken, ExpiresAt: newPair.ExpiresAt}, nil
}

// loadUsable loads and decrypts the credential, rejecting absent or revoked
// records.
func (m *Manager) loadUsable(ctx context.Context, userID string) (*credentials.TokenPair, *types.CredentialRecord, error) {
	pair, record, err := m.store.Get(ctx, userID, m.provider)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil, ErrNoToken
		}
		return nil, nil, err
	}
	if record.Revoked {
		return nil, nil, ErrTokenRevoked
	}
	return pair, record, nil
}

func (m *Manager) fresh(expiresAt time.Time) bool {
	return expiresAt.Sub(m.now()) > m.margin
}

func (m *Manager) classifyRefreshFailure(ctx context.Context, userID string, err error) error {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		m.logger.Warn("Refresh short-circuited, breaker open", "user_id", userID, "provider", m.provider)
		return err
	}

	var rejected *provider.TokenRejectedError
	if errors.As(err, &rejected) {
		m.logger.Warn("Refresh token rejected, marking credential revoked",
			"user_id", userID, "provider", m.provider, "status", rejected.StatusCode)
		if markErr := m.store.MarkRevoked(ctx, userID, m.provider); markErr != nil {
			m.logger.Error("Failed to mark credential revoked", "user_id", userID, "error", markErr)
		}
		return &RefreshError{Terminal: true, Err: err}
	}

	m.logger.Warn("Refresh failed, transient", "user_id", userID, "provider", m.provider, "error", err)
	return &RefreshError{Terminal: false, Err: err}
}

// Health reports credential status without exposing token material.
func (m *Manager) Health(ctx context.Context, userID string) Health {
	pair, record, err := m.store.Get(ctx, userID, m.provider)
	if err != nil {
		return HealthUnknown
	}
	if record.Revoked {
		return HealthRevoked
	}
	if m.fresh(pair.ExpiresAt) {
		return HealthValid
	}
	return HealthExpiringSoon
}
