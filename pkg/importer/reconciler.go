package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/stridelog/server/pkg"
)

// Reconciler removes local sessions whose remote counterpart has vanished.
// An activity cache entry not touched by a completed run means the full
// remote listing was walked without observing that activity; past the grace
// window it is treated as deleted upstream.
//
// Only safe after COMPLETED: a paused run has not seen the full remote set,
// so "unseen" proves nothing. The orchestrator enforces that.
type Reconciler struct {
	db     shared.Database
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewReconciler(db shared.Database, grace time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:     db,
		grace:  grace,
		now:    time.Now,
		logger: logger.With("component", "reconciler"),
	}
}

// Reconcile deletes sessions and cache entries for activities not seen by
// runID. Entries seen recently (inside the grace window) are spared; a
// freshly imported activity briefly missing from a listing page must not be
// deleted over an upstream consistency hiccup.
func (r *Reconciler) Reconcile(ctx context.Context, userID, source, runID string) (int, error) {
	entries, err := r.db.ListUnseenCacheEntries(ctx, userID, source, runID)
	if err != nil {
		return 0, fmt.Errorf("list unseen cache entries: %w", err)
	}

	removed := 0
	cutoff := r.now().Add(-r.grace)
	for _, entry := range entries {
		if entry.LastSeenAt.After(cutoff) {
			continue
		}

		if err := r.db.DeleteSession(ctx, userID, entry.Source, entry.SourceID); err != nil {
			return removed, fmt.Errorf("delete orphaned session %s:%s: %w", entry.Source, entry.SourceID, err)
		}
		if err := r.db.DeleteCacheEntry(ctx, userID, entry.Source, entry.SourceID); err != nil {
			return removed, fmt.Errorf("delete cache entry %s:%s: %w", entry.Source, entry.SourceID, err)
		}
		removed++

		r.logger.Info("Removed orphaned session",
			"user_id", userID,
			"source", entry.Source,
			"source_id", entry.SourceID,
			"last_seen_run", entry.LastSeenRunID)
	}

	return removed, nil
}
