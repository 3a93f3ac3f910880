package token

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/breaker"
	"github.com/stridelog/server/pkg/credentials"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	"github.com/stridelog/server/pkg/lock"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/testing/mocks"
	"github.com/stridelog/server/pkg/types"
)

type refresherFunc func(ctx context.Context, refreshToken string) (*credentials.TokenPair, error)

func (f refresherFunc) Refresh(ctx context.Context, refreshToken string) (*credentials.TokenPair, error) {
	return f(ctx, refreshToken)
}

type fixture struct {
	db        *mocks.MockDatabase
	cipher    *crypto.Cipher
	manager   *Manager
	refreshes int
}

func newFixture(t *testing.T, refresh refresherFunc) *fixture {
	t.Helper()

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cipher, err := crypto.ParseKeyring("v1:" + key)
	require.NoError(t, err)

	f := &fixture{db: &mocks.MockDatabase{}, cipher: cipher}

	wrapped := refresherFunc(func(ctx context.Context, rt string) (*credentials.TokenPair, error) {
		f.refreshes++
		if refresh == nil {
			return nil, errors.New("no refresher wired")
		}
		return refresh(ctx, rt)
	})

	store := credentials.NewStore(f.db, cipher, nil)
	locks := lock.NewManager(f.db, 30*time.Second, nil)
	brk := breaker.New(5, time.Minute, nil)
	f.manager = NewManager(store, locks, wrapped, brk, "strava", 5*time.Minute, nil)
	return f
}

// storedRecord wires GetCredentialFunc to return an encrypted record with
// the given expiry.
func (f *fixture) storedRecord(t *testing.T, expiresAt time.Time, revoked bool) {
	t.Helper()
	encAccess, kv, err := f.cipher.Encrypt("access-plain")
	require.NoError(t, err)
	encRefresh, _, err := f.cipher.Encrypt("refresh-plain")
	require.NoError(t, err)

	f.db.GetCredentialFunc = func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
		return &types.CredentialRecord{
			UserID:                userID,
			Provider:              provider,
			EncryptedAccessToken:  encAccess,
			EncryptedRefreshToken: encRefresh,
			ExpiresAt:             expiresAt,
			EncryptionKeyVersion:  kv,
			RefreshCount:          1,
			Revoked:               revoked,
		}, nil
	}
}

func TestFreshTokenSkipsLockAndProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.storedRecord(t, time.Now().Add(time.Hour), false)

	lockCalls := 0
	f.db.AcquireLeaseFunc = func(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (bool, time.Time, error) {
		lockCalls++
		return true, time.Time{}, nil
	}

	tok, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-plain", tok.Token)
	assert.Zero(t, lockCalls, "cheap path must not touch the lock")
	assert.Zero(t, f.refreshes, "cheap path must not touch the provider")
}

func TestNoCredential(t *testing.T) {
	f := newFixture(t, nil)
	f.db.GetCredentialFunc = func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
		return nil, shared.ErrNotFound
	}

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestRevokedCredential(t *testing.T) {
	f := newFixture(t, nil)
	f.storedRecord(t, time.Now().Add(time.Hour), true)

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestExpiringTokenRefreshesUnderLock(t *testing.T) {
	newExpiry := time.Now().Add(6 * time.Hour).UTC()
	f := newFixture(t, func(ctx context.Context, rt string) (*credentials.TokenPair, error) {
		assert.Equal(t, "refresh-plain", rt)
		return &credentials.TokenPair{AccessToken: "fresh-access", RefreshToken: "fresh-refresh", ExpiresAt: newExpiry}, nil
	})
	f.storedRecord(t, time.Now().Add(time.Minute), false)

	var persisted map[string]interface{}
	f.db.UpdateCredentialFunc = func(ctx context.Context, userID, provider string, data map[string]interface{}) error {
		persisted = data
		return nil
	}
	released := false
	f.db.ReleaseLeaseFunc = func(ctx context.Context, userID, provider, lockID string) error {
		released = true
		return nil
	}

	tok, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.Token)
	assert.Equal(t, newExpiry, tok.ExpiresAt)
	assert.Equal(t, 1, f.refreshes)

	require.NotNil(t, persisted, "refreshed pair must be persisted")
	assert.Equal(t, int64(2), persisted["refresh_count"])
	assert.True(t, released, "lease must be released after refresh")
}

func TestLockBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.storedRecord(t, time.Now().Add(time.Minute), false)
	f.db.AcquireLeaseFunc = func(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (bool, time.Time, error) {
		return false, time.Now().Add(10 * time.Second), nil
	}

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	var busy *LockBusyError
	require.ErrorAs(t, err, &busy)
	assert.Greater(t, busy.RetryAfter, time.Duration(0))
	assert.Zero(t, f.refreshes, "busy lock must not reach the provider")
}

func TestConcurrentHolderAlreadyRefreshed(t *testing.T) {
	f := newFixture(t, nil)

	// First read: near expiry. Second read (under the lease): fresh.
	reads := 0
	encAccess, kv, err := f.cipher.Encrypt("access-plain")
	require.NoError(t, err)
	encRefresh, _, err := f.cipher.Encrypt("refresh-plain")
	require.NoError(t, err)
	f.db.GetCredentialFunc = func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
		reads++
		expiry := time.Now().Add(time.Minute)
		if reads > 1 {
			expiry = time.Now().Add(6 * time.Hour)
		}
		return &types.CredentialRecord{
			EncryptedAccessToken:  encAccess,
			EncryptedRefreshToken: encRefresh,
			ExpiresAt:             expiry,
			EncryptionKeyVersion:  kv,
		}, nil
	}

	tok, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-plain", tok.Token)
	assert.Equal(t, 2, reads)
	assert.Zero(t, f.refreshes, "redundant refresh must be skipped")
}

func TestTerminalRejectionMarksRevoked(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, rt string) (*credentials.TokenPair, error) {
		return nil, &provider.TokenRejectedError{StatusCode: 400}
	})
	f.storedRecord(t, time.Now().Add(time.Minute), false)

	var revokedUpdate map[string]interface{}
	f.db.UpdateCredentialFunc = func(ctx context.Context, userID, provider string, data map[string]interface{}) error {
		revokedUpdate = data
		return nil
	}

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.Terminal)
	assert.Equal(t, true, revokedUpdate["revoked"])
}

func TestTransientFailure(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, rt string) (*credentials.TokenPair, error) {
		return nil, errors.New("connection reset")
	})
	f.storedRecord(t, time.Now().Add(time.Minute), false)

	updates := 0
	f.db.UpdateCredentialFunc = func(ctx context.Context, userID, provider string, data map[string]interface{}) error {
		updates++
		return nil
	}

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.False(t, refreshErr.Terminal)
	assert.Zero(t, updates, "failed refresh must not mutate the stored record")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, rt string) (*credentials.TokenPair, error) {
		return nil, errors.New("connection reset")
	})
	f.storedRecord(t, time.Now().Add(time.Minute), false)

	for i := 0; i < 5; i++ {
		_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
		require.Error(t, err)
	}
	require.Equal(t, 5, f.refreshes)

	_, err := f.manager.EnsureValidToken(context.Background(), "user-1")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 5, f.refreshes, "open breaker must short-circuit the provider call")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	f.db.GetCredentialFunc = func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
		return nil, shared.ErrNotFound
	}
	assert.Equal(t, HealthUnknown, f.manager.Health(context.Background(), "user-1"))

	f.storedRecord(t, time.Now().Add(time.Hour), false)
	assert.Equal(t, HealthValid, f.manager.Health(context.Background(), "user-1"))

	f.storedRecord(t, time.Now().Add(time.Minute), false)
	assert.Equal(t, HealthExpiringSoon, f.manager.Health(context.Background(), "user-1"))

	f.storedRecord(t, time.Now().Add(time.Hour), true)
	assert.Equal(t, HealthRevoked, f.manager.Health(context.Background(), "user-1"))
}
