package shared

import (
	"context"
	"errors"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stridelog/server/pkg/types"
)

// ErrNotFound is returned by Database lookups when the document is absent.
var ErrNotFound = errors.New("not found")

// --- Persistence Interfaces ---

type Database interface {
	// Users (profile reads only; this service never writes the user doc)
	GetUser(ctx context.Context, userID string) (*types.UserRecord, error)

	// Credentials
	GetCredential(ctx context.Context, userID, provider string) (*types.CredentialRecord, error)
	SetCredential(ctx context.Context, userID string, record *types.CredentialRecord) error
	UpdateCredential(ctx context.Context, userID, provider string, data map[string]interface{}) error

	// Import runs (one active run per user+provider)
	GetImportRun(ctx context.Context, userID, provider string) (*types.ImportRunState, error)
	SetImportRun(ctx context.Context, userID, provider string, run *types.ImportRunState) error
	DeleteImportRun(ctx context.Context, userID, provider string) error

	// Sessions (idempotent upsert keyed on source:source_id)
	UpsertSession(ctx context.Context, userID string, session *types.SessionRecord) (types.UpsertOutcome, error)
	DeleteSession(ctx context.Context, userID, source, sourceID string) error

	// Activity cache (orphan detection bookkeeping)
	SetCacheEntry(ctx context.Context, userID string, entry *types.ActivityCacheEntry) error
	ListUnseenCacheEntries(ctx context.Context, userID, source, runID string) ([]*types.ActivityCacheEntry, error)
	DeleteCacheEntry(ctx context.Context, userID, source, sourceID string) error

	// Refresh leases. AcquireLease atomically claims the lease document when
	// it is absent or expired; when held by another owner it returns
	// acquired=false plus that lease's expiry so callers can compute a retry
	// hint. ReleaseLease is idempotent and only removes the caller's own
	// lease (matching lockID).
	AcquireLease(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (acquired bool, holderExpiry time.Time, err error)
	ReleaseLease(ctx context.Context, userID, provider, lockID string) error

	// Executions
	SetExecution(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
}

// --- Notification Interfaces ---

type NotificationService interface {
	SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error
}
