// Package lock serializes token refreshes per user+provider. Refresh tokens
// are single-use upstream, so two concurrent refreshes would race: the loser
// persists a superseded pair and corrupts the stored credential. The lease
// document in Firestore guarantees at most one in-flight refresh.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	shared "github.com/stridelog/server/pkg"
)

// Acquisition is the result of an acquire attempt. When Acquired is false,
// RetryAfter is how long until the current holder's lease expires.
type Acquisition struct {
	Acquired   bool
	LockID     string
	RetryAfter time.Duration
	Reason     string
}

type Manager struct {
	db     shared.Database
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a lease manager. ttl must exceed the expected refresh
// latency; expired leases are stolen by the next acquirer, so a crashed
// holder cannot wedge the user permanently.
func NewManager(db shared.Database, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "lock"),
	}
}

// Acquire attempts to claim the refresh lease for user+provider.
func (m *Manager) Acquire(ctx context.Context, userID, provider string) (*Acquisition, error) {
	lockID := uuid.New().String()

	acquired, holderExpiry, err := m.db.AcquireLease(ctx, userID, provider, lockID, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire refresh lease: %w", err)
	}

	if !acquired {
		retry := holderExpiry.Sub(m.now())
		if retry < time.Second {
			retry = time.Second
		}
		m.logger.Debug("Refresh lease busy", "user_id", userID, "provider", provider, "retry_after", retry)
		return &Acquisition{
			Acquired:   false,
			RetryAfter: retry,
			Reason:     "refresh already in flight",
		}, nil
	}

	m.logger.Debug("Refresh lease acquired", "user_id", userID, "provider", provider, "lock_id", lockID)
	return &Acquisition{Acquired: true, LockID: lockID}, nil
}

// Release frees the lease. Idempotent: releasing an expired or already
// stolen lease is a no-op, so it is always safe to defer.
func (m *Manager) Release(ctx context.Context, userID, provider, lockID string) {
	if err := m.db.ReleaseLease(ctx, userID, provider, lockID); err != nil {
		// Lease will lapse on its own at TTL; log and move on.
		m.logger.Warn("Failed to release refresh lease", "user_id", userID, "provider", provider, "error", err)
	}
}
