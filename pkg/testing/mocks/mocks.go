// Package mocks provides function-field test doubles for the shared
// interfaces. Unset fields fall back to inert defaults so a test only wires
// the calls it cares about.
package mocks

import (
	"context"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/types"
)

// MockDatabase implements shared.Database via overridable function fields.
type MockDatabase struct {
	GetUserFunc func(ctx context.Context, userID string) (*types.UserRecord, error)

	GetCredentialFunc    func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error)
	SetCredentialFunc    func(ctx context.Context, userID string, record *types.CredentialRecord) error
	UpdateCredentialFunc func(ctx context.Context, userID, provider string, data map[string]interface{}) error

	GetImportRunFunc    func(ctx context.Context, userID, provider string) (*types.ImportRunState, error)
	SetImportRunFunc    func(ctx context.Context, userID, provider string, run *types.ImportRunState) error
	DeleteImportRunFunc func(ctx context.Context, userID, provider string) error

	UpsertSessionFunc func(ctx context.Context, userID string, session *types.SessionRecord) (types.UpsertOutcome, error)
	DeleteSessionFunc func(ctx context.Context, userID, source, sourceID string) error

	SetCacheEntryFunc          func(ctx context.Context, userID string, entry *types.ActivityCacheEntry) error
	ListUnseenCacheEntriesFunc func(ctx context.Context, userID, source, runID string) ([]*types.ActivityCacheEntry, error)
	DeleteCacheEntryFunc       func(ctx context.Context, userID, source, sourceID string) error

	AcquireLeaseFunc func(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (bool, time.Time, error)
	ReleaseLeaseFunc func(ctx context.Context, userID, provider, lockID string) error

	SetExecutionFunc    func(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecutionFunc func(ctx context.Context, id string, data map[string]interface{}) error
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (*types.UserRecord, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, userID)
	}
	return nil, shared.ErrNotFound
}

func (m *MockDatabase) GetCredential(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
	if m.GetCredentialFunc != nil {
		return m.GetCredentialFunc(ctx, userID, provider)
	}
	return nil, shared.ErrNotFound
}

func (m *MockDatabase) SetCredential(ctx context.Context, userID string, record *types.CredentialRecord) error {
	if m.SetCredentialFunc != nil {
		return m.SetCredentialFunc(ctx, userID, record)
	}
	return nil
}

func (m *MockDatabase) UpdateCredential(ctx context.Context, userID, provider string, data map[string]interface{}) error {
	if m.UpdateCredentialFunc != nil {
		return m.UpdateCredentialFunc(ctx, userID, provider, data)
	}
	return nil
}

func (m *MockDatabase) GetImportRun(ctx context.Context, userID, provider string) (*types.ImportRunState, error) {
	if m.GetImportRunFunc != nil {
		return m.GetImportRunFunc(ctx, userID, provider)
	}
	return nil, shared.ErrNotFound
}

func (m *MockDatabase) SetImportRun(ctx context.Context, userID, provider string, run *types.ImportRunState) error {
	if m.SetImportRunFunc != nil {
		return m.SetImportRunFunc(ctx, userID, provider, run)
	}
	return nil
}

func (m *MockDatabase) DeleteImportRun(ctx context.Context, userID, provider string) error {
	if m.DeleteImportRunFunc != nil {
		return m.DeleteImportRunFunc(ctx, userID, provider)
	}
	return nil
}

func (m *MockDatabase) UpsertSession(ctx context.Context, userID string, session *types.SessionRecord) (types.UpsertOutcome, error) {
	if m.UpsertSessionFunc != nil {
		return m.UpsertSessionFunc(ctx, userID, session)
	}
	return types.UpsertCreated, nil
}

func (m *MockDatabase) DeleteSession(ctx context.Context, userID, source, sourceID string) error {
	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, userID, source, sourceID)
	}
	return nil
}

func (m *MockDatabase) SetCacheEntry(ctx context.Context, userID string, entry *types.ActivityCacheEntry) error {
	if m.SetCacheEntryFunc != nil {
		return m.SetCacheEntryFunc(ctx, userID, entry)
	}
	return nil
}

func (m *MockDatabase) ListUnseenCacheEntries(ctx context.Context, userID, source, runID string) ([]*types.ActivityCacheEntry, error) {
	if m.ListUnseenCacheEntriesFunc != nil {
		return m.ListUnseenCacheEntriesFunc(ctx, userID, source, runID)
	}
	return nil, nil
}

func (m *MockDatabase) DeleteCacheEntry(ctx context.Context, userID, source, sourceID string) error {
	if m.DeleteCacheEntryFunc != nil {
		return m.DeleteCacheEntryFunc(ctx, userID, source, sourceID)
	}
	return nil
}

func (m *MockDatabase) AcquireLease(ctx context.Context, userID, provider, lockID string, ttl time.Duration) (bool, time.Time, error) {
	if m.AcquireLeaseFunc != nil {
		return m.AcquireLeaseFunc(ctx, userID, provider, lockID, ttl)
	}
	return true, time.Time{}, nil
}

func (m *MockDatabase) ReleaseLease(ctx context.Context, userID, provider, lockID string) error {
	if m.ReleaseLeaseFunc != nil {
		return m.ReleaseLeaseFunc(ctx, userID, provider, lockID)
	}
	return nil
}

func (m *MockDatabase) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	if m.SetExecutionFunc != nil {
		return m.SetExecutionFunc(ctx, record)
	}
	return nil
}

func (m *MockDatabase) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	if m.UpdateExecutionFunc != nil {
		return m.UpdateExecutionFunc(ctx, id, data)
	}
	return nil
}

// MockPublisher implements shared.Publisher and records published events.
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)

	Published []PublishedEvent
}

type PublishedEvent struct {
	Topic string
	Event event.Event
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	m.Published = append(m.Published, PublishedEvent{Topic: topic, Event: e})
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "mock-message-id", nil
}

// MockBlobStore implements shared.BlobStore backed by an in-memory map.
type MockBlobStore struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error

	Objects map[string][]byte // keyed "bucket/object"
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	m.Objects[bucket+"/"+object] = data
	return nil
}

// MockNotifications implements shared.NotificationService and records sends.
type MockNotifications struct {
	SendPushNotificationFunc func(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error

	Sent []SentNotification
}

type SentNotification struct {
	UserID string
	Title  string
	Body   string
	Tokens []string
	Data   map[string]string
}

func (m *MockNotifications) SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error {
	m.Sent = append(m.Sent, SentNotification{UserID: userID, Title: title, Body: body, Tokens: tokens, Data: data})
	if m.SendPushNotificationFunc != nil {
		return m.SendPushNotificationFunc(ctx, userID, title, body, tokens, data)
	}
	return nil
}
