// Package importer runs the paginated, time-boxed synchronization of a
// user's remote activity history. One call is one short-lived unit of work:
// it walks provider pages sequentially until the listing is exhausted or the
// wall-clock budget runs out, persisting progress after every page so a
// later invocation can resume exactly where it stopped.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/ratelimit"
	"github.com/stridelog/server/pkg/token"
	"github.com/stridelog/server/pkg/types"
)

// ErrImportInProgress is returned when a fresh run is requested while
// another run is active for the same user.
var ErrImportInProgress = errors.New("import already in progress")

// staleRunAge is how old an IN_PROGRESS run document must be before a fresh
// run may take over. Active runs persist progress after every page, so a
// document this stale belongs to an invocation that died mid-run.
const staleRunAge = time.Hour

// TokenSource yields a valid access token (token.Manager in production).
type TokenSource interface {
	EnsureValidToken(ctx context.Context, userID string) (*token.AccessToken, error)
}

// ActivityLister fetches one page of the remote listing (provider.Client in
// production).
type ActivityLister interface {
	ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) (*provider.Page, error)
}

// Options tune one logical import.
type Options struct {
	// AfterCursor restricts a fresh run to activities after this epoch
	// second. Ignored on resume (the continue token carries the cursor).
	AfterCursor int64
	// ContinueToken resumes a paused run.
	ContinueToken string
}

// Result is the structured outcome of one invocation.
type Result struct {
	Status        string            `json:"status"`
	Stats         types.ImportStats `json:"stats"`
	ContinueToken string            `json:"continue_token,omitempty"`
	// RetryAfter is set when the pause was forced by provider rate limiting
	// rather than the time budget.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Removed counts orphaned sessions reconciled away, COMPLETED only.
	Removed int `json:"removed,omitempty"`
}

type Config struct {
	Source        string
	PageSize      int
	TimeBudget    time.Duration
	ArchiveBucket string // raw page archive, empty disables
}

type Orchestrator struct {
	db      shared.Database
	tokens  TokenSource
	client  ActivityLister
	limiter *ratelimit.Limiter
	recon   *Reconciler
	store   shared.BlobStore
	cfg     Config

	now    func() time.Time
	sleep  func(time.Duration)
	logger *slog.Logger
}

func NewOrchestrator(db shared.Database, tokens TokenSource, client ActivityLister, limiter *ratelimit.Limiter, recon *Reconciler, store shared.BlobStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:      db,
		tokens:  tokens,
		client:  client,
		limiter: limiter,
		recon:   recon,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		sleep:   time.Sleep,
		logger:  logger.With("component", "importer"),
	}
}

// RunImport executes one time-boxed slice of a logical import.
//
// Pages are fetched strictly in cursor order, one at a time; each page's
// upserts are committed before the next fetch, so pausing at any point
// loses nothing. PAUSED_FOR_BUDGET is a normal outcome, not an error.
func (o *Orchestrator) RunImport(ctx context.Context, userID string, opts Options) (*Result, error) {
	start := o.now()
	deadline := start.Add(o.cfg.TimeBudget)

	state, err := o.resolveRun(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	access, err := o.tokens.EnsureValidToken(ctx, userID)
	if err != nil {
		// Token failures propagate verbatim; the caller's taxonomy (retry /
		// re-authorize) is decided by the token manager's error types.
		return nil, err
	}

	if err := o.persistRun(ctx, userID, state, types.RunStatusInProgress); err != nil {
		return nil, err
	}

	o.logger.Info("Import slice starting",
		"user_id", userID, "run_id", state.RunID, "page", state.Page, "after", state.AfterCursor)

	for {
		if b := o.limiter.CheckBudget(); !b.Allowed {
			res, err := o.sleepOrPause(ctx, userID, state, b.RetryAfter, deadline)
			if res != nil || err != nil {
				return res, err
			}
		}

		o.limiter.Record()
		page, err := o.client.ListActivities(ctx, access.Token, state.AfterCursor, state.Page, o.cfg.PageSize)
		if err != nil {
			var rl *provider.RateLimitedError
			if errors.As(err, &rl) {
				res, pauseErr := o.sleepOrPause(ctx, userID, state, rl.RetryAfter, deadline)
				if res != nil || pauseErr != nil {
					return res, pauseErr
				}
				continue // slept through the limit; retry the same page
			}
			o.markFailed(ctx, userID, state)
			return nil, fmt.Errorf("fetch page %d: %w", state.Page, err)
		}
		o.limiter.Reconcile(page.Headers)

		o.archivePage(ctx, userID, state, page)
		o.processPage(ctx, userID, state, page)

		if len(page.Activities) < o.cfg.PageSize {
			return o.complete(ctx, userID, state)
		}

		state.Page++
		if err := o.persistRun(ctx, userID, state, types.RunStatusInProgress); err != nil {
			return nil, err
		}

		if !o.now().Before(deadline) {
			return o.pause(ctx, userID, state, 0)
		}
	}
}

// resolveRun decodes or creates the run state for this invocation.
func (o *Orchestrator) resolveRun(ctx context.Context, userID string, opts Options) (*ContinueToken, error) {
	persisted, err := o.db.GetImportRun(ctx, userID, o.cfg.Source)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("load run state: %w", err)
		}
		persisted = nil
	}

	if opts.ContinueToken != "" {
		state, err := DecodeContinueToken(opts.ContinueToken)
		if err != nil {
			return nil, err
		}
		// The persisted run is authoritative on committed progress; the
		// token can only move forward.
		state.clampToRun(persisted)
		return state, nil
	}

	if persisted != nil && persisted.Status == types.RunStatusInProgress {
		if o.now().Sub(persisted.UpdatedAt) < staleRunAge {
			return nil, ErrImportInProgress
		}
		o.logger.Warn("Taking over stale run",
			"user_id", userID, "run_id", persisted.RunID, "updated_at", persisted.UpdatedAt)
	}

	return &ContinueToken{
		Version:     continueTokenVersion,
		RunID:       uuid.New().String(),
		Page:        1,
		AfterCursor: opts.AfterCursor,
		StartedAt:   o.now().UTC(),
	}, nil
}

// processPage maps and upserts every record on the page. A single bad
// record is counted and skipped, never fatal to the page.
func (o *Orchestrator) processPage(ctx context.Context, userID string, state *ContinueToken, page *provider.Page) {
	for i := range page.Activities {
		act := &page.Activities[i]

		session, err := MapActivity(o.cfg.Source, act, page.Raw[i])
		if err != nil {
			state.Stats.Failed++
			o.logger.Warn("Activity mapping failed, skipping record",
				"user_id", userID, "activity_id", act.ID, "error", err)
			continue
		}

		outcome, err := o.db.UpsertSession(ctx, userID, session)
		if err != nil {
			state.Stats.Failed++
			o.logger.Warn("Session upsert failed, skipping record",
				"user_id", userID, "source_id", session.SourceID, "error", err)
			continue
		}

		switch outcome {
		case types.UpsertCreated:
			state.Stats.Imported++
		case types.UpsertUpdated:
			state.Stats.Updated++
		case types.UpsertUnchanged:
			state.Stats.Duplicates++
		}

		now := o.now().UTC()
		entry := &types.ActivityCacheEntry{
			Source:        session.Source,
			SourceID:      session.SourceID,
			Version:       session.Version,
			LastSeenRunID: state.RunID,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}
		if err := o.db.SetCacheEntry(ctx, userID, entry); err != nil {
			// Cache bookkeeping failure only degrades orphan detection; the
			// session itself is committed.
			o.logger.Warn("Cache entry write failed",
				"user_id", userID, "source_id", session.SourceID, "error", err)
		}
	}
}

// sleepOrPause handles a rate-limit hint: sleep it off when the budget
// allows, otherwise pause and surface the hint to the caller. A nil, nil
// return means the limit was slept through and the caller should retry.
func (o *Orchestrator) sleepOrPause(ctx context.Context, userID string, state *ContinueToken, retryAfter time.Duration, deadline time.Time) (*Result, error) {
	if o.now().Add(retryAfter).Before(deadline) {
		o.logger.Info("Rate limited, sleeping within budget",
			"user_id", userID, "retry_after", retryAfter)
		o.sleep(retryAfter)
		return nil, nil
	}
	return o.pause(ctx, userID, state, retryAfter)
}

func (o *Orchestrator) pause(ctx context.Context, userID string, state *ContinueToken, retryAfter time.Duration) (*Result, error) {
	if err := o.persistRun(ctx, userID, state, types.RunStatusPaused); err != nil {
		return nil, err
	}

	encoded, err := state.Encode()
	if err != nil {
		return nil, err
	}

	o.logger.Info("Import paused",
		"user_id", userID, "run_id", state.RunID, "next_page", state.Page,
		"retry_after", retryAfter, "stats", state.Stats)

	return &Result{
		Status:        types.RunStatusPaused,
		Stats:         state.Stats,
		ContinueToken: encoded,
		RetryAfter:    retryAfter,
	}, nil
}

func (o *Orchestrator) complete(ctx context.Context, userID string, state *ContinueToken) (*Result, error) {
	removed, err := o.recon.Reconcile(ctx, userID, o.cfg.Source, state.RunID)
	if err != nil {
		o.markFailed(ctx, userID, state)
		return nil, fmt.Errorf("reconcile orphans: %w", err)
	}

	// The run document only exists to guard and resume an active run.
	if err := o.db.DeleteImportRun(ctx, userID, o.cfg.Source); err != nil {
		o.logger.Warn("Failed to delete completed run state", "user_id", userID, "error", err)
	}

	o.logger.Info("Import completed",
		"user_id", userID, "run_id", state.RunID, "stats", state.Stats, "orphans_removed", removed)

	return &Result{
		Status:  types.RunStatusCompleted,
		Stats:   state.Stats,
		Removed: removed,
	}, nil
}

func (o *Orchestrator) persistRun(ctx context.Context, userID string, state *ContinueToken, status string) error {
	run := &types.ImportRunState{
		RunID:       state.RunID,
		Status:      status,
		Page:        state.Page,
		AfterCursor: state.AfterCursor,
		Stats:       state.Stats,
		StartedAt:   state.StartedAt,
		UpdatedAt:   o.now().UTC(),
	}
	if err := o.db.SetImportRun(ctx, userID, o.cfg.Source, run); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, userID string, state *ContinueToken) {
	if err := o.persistRun(ctx, userID, state, types.RunStatusFailed); err != nil {
		o.logger.Warn("Failed to persist FAILED run state", "user_id", userID, "error", err)
	}
}

// archivePage stores the raw provider page for debugging and replay.
// Best-effort: archival failure never affects the import.
func (o *Orchestrator) archivePage(ctx context.Context, userID string, state *ContinueToken, page *provider.Page) {
	if o.cfg.ArchiveBucket == "" || o.store == nil || len(page.Raw) == 0 {
		return
	}

	object := fmt.Sprintf("imports/%s/%s/page-%d.json", userID, state.RunID, state.Page)
	data := make([]byte, 0, 1024)
	data = append(data, '[')
	for i, r := range page.Raw {
		if i > 0 {
			data = append(data, ',')
		}
		data = append(data, r...)
	}
	data = append(data, ']')

	if err := o.store.Write(ctx, o.cfg.ArchiveBucket, object, data); err != nil {
		o.logger.Warn("Raw page archival failed", "user_id", userID, "object", object, "error", err)
	}
}
