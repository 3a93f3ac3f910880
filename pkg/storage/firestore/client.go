package firestore

import (
	"cloud.google.com/go/firestore"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) Raw() *firestore.Client {
	return c.fs
}

// Users is the top-level profile collection: users/{uid}
func (c *Client) Users() *Collection[types.UserRecord] {
	return &Collection[types.UserRecord]{
		Ref:           c.fs.Collection(shared.CollectionUsers),
		ToFirestore:   UserToFirestore,
		FromFirestore: FirestoreToUser,
	}
}

// Credentials are sub-collections of Users: users/{uid}/credentials/{provider}
func (c *Client) Credentials(userId string) *Collection[types.CredentialRecord] {
	return &Collection[types.CredentialRecord]{
		Ref:           c.fs.Collection(shared.CollectionUsers).Doc(userId).Collection(shared.CollectionCredentials),
		ToFirestore:   CredentialToFirestore,
		FromFirestore: FirestoreToCredential,
	}
}

// ImportRuns are sub-collections of Users: users/{uid}/import_runs/{provider}
// One document per provider; it doubles as the in-progress mutex for runs.
func (c *Client) ImportRuns(userId string) *Collection[types.ImportRunState] {
	return &Collection[types.ImportRunState]{
		Ref:           c.fs.Collection(shared.CollectionUsers).Doc(userId).Collection(shared.CollectionImportRuns),
		ToFirestore:   ImportRunToFirestore,
		FromFirestore: FirestoreToImportRun,
	}
}

// ActivityCache are sub-collections of Users: users/{uid}/activity_cache/{source:source_id}
func (c *Client) ActivityCache(userId string) *Collection[types.ActivityCacheEntry] {
	return &Collection[types.ActivityCacheEntry]{
		Ref:           c.fs.Collection(shared.CollectionUsers).Doc(userId).Collection(shared.CollectionActivityCache),
		ToFirestore:   CacheEntryToFirestore,
		FromFirestore: FirestoreToCacheEntry,
	}
}

// Sessions are sub-collections of Users: users/{uid}/sessions/{source:source_id}
// The document id is the dedup key, so writes converge by construction.
func (c *Client) Sessions(userId string) *Collection[types.SessionRecord] {
	return &Collection[types.SessionRecord]{
		Ref:           c.fs.Collection(shared.CollectionUsers).Doc(userId).Collection(shared.CollectionSessions),
		ToFirestore:   SessionToFirestore,
		FromFirestore: FirestoreToSession,
	}
}

// RefreshLeases are sub-collections of Users: users/{uid}/refresh_leases/{provider}
func (c *Client) RefreshLeases(userId string) *firestore.CollectionRef {
	return c.fs.Collection(shared.CollectionUsers).Doc(userId).Collection(shared.CollectionRefreshLeases)
}

func (c *Client) Executions() *Collection[types.ExecutionRecord] {
	return &Collection[types.ExecutionRecord]{
		Ref:           c.fs.Collection(shared.CollectionExecutions),
		ToFirestore:   ExecutionToFirestore,
		FromFirestore: FirestoreToExecution,
	}
}
