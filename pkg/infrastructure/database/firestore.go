package database

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/stridelog/server/pkg"
	storage "github.com/stridelog/server/pkg/storage/firestore"
	"github.com/stridelog/server/pkg/types"
)

// FirestoreAdapter provides database operations using Firestore.
// It wraps our typed storage client.
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client // internal typed wrapper
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// sessionDocID builds the composite document id that makes
// (user, source, source_id) unique by construction.
func sessionDocID(source, sourceID string) string {
	return fmt.Sprintf("%s:%s", source, sourceID)
}

// --- Users ---

func (a *FirestoreAdapter) GetUser(ctx context.Context, userID string) (*types.UserRecord, error) {
	user, err := a.storage.Users().Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// --- Credentials ---

func (a *FirestoreAdapter) GetCredential(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
	rec, err := a.storage.Credentials(userID).Doc(provider).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (a *FirestoreAdapter) SetCredential(ctx context.Context, userID string, record *types.CredentialRecord) error {
	return a.storage.Credentials(userID).Doc(record.Provider).Set(ctx, record)
}

func (a *FirestoreAdapter) UpdateCredential(ctx context.Context, userID, provider string, data map[string]interface{}) error {
	return a.storage.Credentials(userID).Doc(provider).Update(ctx, data)
}

// --- Import runs ---

func (a *FirestoreAdapter) GetImportRun(ctx context.Context, userID, provider string) (*types.ImportRunState, error) {
	run, err := a.storage.ImportRuns(userID).Doc(provider).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func (a *FirestoreAdapter) SetImportRun(ctx context.Context, userID, provider string, run *types.ImportRunState) error {
	return a.storage.ImportRuns(userID).Doc(provider).Set(ctx, run)
}

func (a *FirestoreAdapter) DeleteImportRun(ctx context.Context, userID, provider string) error {
	return a.storage.ImportRuns(userID).Doc(provider).Delete(ctx)
}

// --- Sessions ---

// UpsertSession inserts or updates the session document in a transaction so
// concurrent duplicate-looking writes converge on one record. The outcome
// reports whether anything was actually created or changed, which feeds the
// imported/updated/duplicates stats.
func (a *FirestoreAdapter) UpsertSession(ctx context.Context, userID string, session *types.SessionRecord) (types.UpsertOutcome, error) {
	ref := a.Client.Collection(shared.CollectionUsers).Doc(userID).
		Collection(shared.CollectionSessions).Doc(sessionDocID(session.Source, session.SourceID))

	outcome := types.UpsertUnchanged
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}

		if err != nil || !snap.Exists() {
			outcome = types.UpsertCreated
			return tx.Set(ref, storage.SessionToFirestore(session))
		}

		existing := storage.FirestoreToSession(snap.Data())
		if existing.Version == session.Version {
			outcome = types.UpsertUnchanged
			return nil
		}
		outcome = types.UpsertUpdated
		return tx.Set(ref, storage.SessionToFirestore(session))
	})
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (a *FirestoreAdapter) DeleteSession(ctx context.Context, userID, source, sourceID string) error {
	return a.storage.Sessions(userID).Doc(sessionDocID(source, sourceID)).Delete(ctx)
}

// --- Activity cache ---

func (a *FirestoreAdapter) SetCacheEntry(ctx context.Context, userID string, entry *types.ActivityCacheEntry) error {
	return a.storage.ActivityCache(userID).Doc(sessionDocID(entry.Source, entry.SourceID)).Set(ctx, entry)
}

func (a *FirestoreAdapter) ListUnseenCacheEntries(ctx context.Context, userID, source, runID string) ([]*types.ActivityCacheEntry, error) {
	coll := a.storage.ActivityCache(userID)
	q := coll.Ref.Where("source", "==", source).Where("last_seen_run_id", "!=", runID)
	return coll.Query(ctx, q)
}

func (a *FirestoreAdapter) DeleteCacheEntry(ctx context.Context, userID, source, sourceID string) error {
	return a.storage.ActivityCache(userID).Doc(sessionDocID(source, sourceID)).Delete(ctx)
}

// --- Refresh leases ---

// AcquireLease claims the lease document transactionally. A lease held past
// its expiry is stealable; the previous holder's Release becomes a no-op.
func (a *FirestoreAdapter) AcquireLease(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (bool, time.Time, error) {
	ref := a.storage.RefreshLeases(userID).Doc(provider)

	var acquired bool
	var holderExpiry time.Time
	now := time.Now()

	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}

		if err == nil && snap.Exists() {
			data := snap.Data()
			if expiry, ok := data["expires_at"].(time.Time); ok && expiry.After(now) {
				acquired = false
				holderExpiry = expiry
				return nil
			}
		}

		acquired = true
		holderExpiry = now.Add(ttl)
		return tx.Set(ref, map[string]interface{}{
			"lock_id":     lockID,
			"acquired_at": now,
			"expires_at":  holderExpiry,
		})
	})
	if err != nil {
		return false, time.Time{}, err
	}
	return acquired, holderExpiry, nil
}

// ReleaseLease deletes the lease only when it still belongs to lockID, so
// releasing an already-expired (and possibly stolen) lease is harmless.
func (a *FirestoreAdapter) ReleaseLease(ctx context.Context, userID, provider, lockID string) error {
	ref := a.storage.RefreshLeases(userID).Doc(provider)

	return a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if !snap.Exists() {
			return nil
		}
		if holder, _ := snap.Data()["lock_id"].(string); holder != lockID {
			return nil
		}
		return tx.Delete(ref)
	})
}

// --- Executions ---

func (a *FirestoreAdapter) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	return a.storage.Executions().Doc(record.ExecutionID).Set(ctx, record)
}

func (a *FirestoreAdapter) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	return a.storage.Executions().Doc(id).Update(ctx, data)
}
