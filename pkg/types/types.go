// Package types holds the persisted domain records for the import service.
// Fields map 1:1 onto Firestore document keys via the converters in
// pkg/storage/firestore; keep the two in sync when adding fields.
package types

import "time"

// UserRecord is the user profile document. Only the fields this service
// reads are modeled; the document carries more.
type UserRecord struct {
	UserID    string
	FCMTokens []string
	CreatedAt time.Time
}

// CredentialRecord is the stored OAuth token pair for one user+provider.
// Token fields are ciphertext (AES-GCM, base64); EncryptionKeyVersion names
// the keyring entry that produced them so key rotation never invalidates
// existing records. Only the token lifecycle manager mutates this record,
// and only while holding the refresh lease.
type CredentialRecord struct {
	UserID                string
	Provider              string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	EncryptionKeyVersion  string
	RefreshCount          int64
	LastRefreshAt         time.Time
	Revoked               bool
	CreatedAt             time.Time
}

// ImportStats are the running counters for one logical import.
type ImportStats struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Updated    int `json:"updated"`
	Failed     int `json:"failed"`
}

// Add returns the element-wise sum of two stat sets.
func (s ImportStats) Add(o ImportStats) ImportStats {
	return ImportStats{
		Imported:   s.Imported + o.Imported,
		Duplicates: s.Duplicates + o.Duplicates,
		Updated:    s.Updated + o.Updated,
		Failed:     s.Failed + o.Failed,
	}
}

// Import run statuses. The run document is the authority on committed
// progress; continue tokens are clamped against it on resume.
const (
	RunStatusInProgress = "IN_PROGRESS"
	RunStatusCompleted  = "COMPLETED"
	RunStatusPaused     = "PAUSED_FOR_BUDGET"
	RunStatusFailed     = "FAILED"
)

// ImportRunState is the persisted progress of one logical import. One
// document per user+provider; its presence with status IN_PROGRESS blocks a
// second fresh run from starting. A PAUSED_FOR_BUDGET document does not
// block: its continue token is the normal resume path, and an explicit fresh
// request supersedes the paused run.
type ImportRunState struct {
	RunID       string
	Status      string
	Page        int
	AfterCursor int64
	Stats       ImportStats
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// ActivityCacheEntry records that a remote activity has been observed.
// Used solely for orphan detection: an entry whose LastSeenRunID does not
// match a completed run's id (and that is older than the grace window) marks
// its session for deletion.
type ActivityCacheEntry struct {
	Source        string
	SourceID      string
	Version       string
	LastSeenRunID string
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// SessionRecord is the normalized local form of a remote activity. The
// document id is "{source}:{source_id}", so (user, source, source_id) is
// unique by construction and re-imports update in place.
type SessionRecord struct {
	Source                string
	SourceID              string
	ExternalURL           string
	Name                  string
	SportType             string
	StartAtUTC            time.Time
	StartAtLocal          time.Time
	UTCDate               string // YYYY-MM-DD, derived from StartAtUTC; sorting key
	Timezone              string
	TimezoneOffsetMinutes int
	ElapsedDuration       int64   // seconds
	MovingDuration        int64   // seconds
	Distance              float64 // meters
	// Derived fields; nil when the constituent inputs are missing or zero.
	AverageSpeed     *float64 // m/s
	PaceSecondsPerKm *float64
	// Version fingerprints Payload so repeat imports can tell an unchanged
	// record from an upstream edit.
	Version string
	Payload []byte // raw provider JSON, opaque
}

// UpsertOutcome reports what an idempotent session upsert actually did.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// ExecutionRecord is the audit trail row written by the framework wrapper
// for every function invocation.
type ExecutionRecord struct {
	ExecutionID string
	Service     string
	UserID      string
	TriggerType string
	Status      string
	Error       string
	OutputsJSON string
	StartedAt   time.Time
	FinishedAt  time.Time
}
