package activityimport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/bootstrap"
	"github.com/stridelog/server/pkg/execution"
	"github.com/stridelog/server/pkg/framework"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	"github.com/stridelog/server/pkg/testing/mocks"
	"github.com/stridelog/server/pkg/types"
)

type mockTransport struct {
	roundTrip func(req *http.Request) (*http.Response, error)
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.roundTrip(req)
}

func jsonResponse(status int, body string, headers map[string]string) *http.Response {
	h := http.Header{"Content-Type": []string{"application/json"}}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func pubsubEvent(t *testing.T, payload interface{}) event.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var msg types.PubSubMessage
	msg.Message.Data = data

	e := cloudevents.NewEvent()
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	e.SetSource("//pubsub.googleapis.com/")
	if err := e.SetData(cloudevents.ApplicationJSON, msg); err != nil {
		t.Fatal(err)
	}
	return e
}

type testEnv struct {
	db     *mocks.MockDatabase
	pub    *mocks.MockPublisher
	notify *mocks.MockNotifications
	fwCtx  *framework.FrameworkContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv(crypto.KeyringEnvVar, "v1:"+key)
	t.Setenv("STRAVA_CLIENT_ID", "client-id")
	t.Setenv("STRAVA_CLIENT_SECRET", "client-secret")

	env := &testEnv{
		db:     &mocks.MockDatabase{},
		pub:    &mocks.MockPublisher{},
		notify: &mocks.MockNotifications{},
	}

	cfg := &bootstrap.Config{
		ProjectID:                     "test-project",
		PageSize:                      2,
		TimeBudgetSeconds:             30,
		RefreshSafetyMarginSeconds:    300,
		CircuitBreakerThreshold:       5,
		CircuitBreakerCooldownSeconds: 60,
		LockLeaseSeconds:              30,
		OrphanGraceSeconds:            86400,
	}

	env.fwCtx = &framework.FrameworkContext{
		Service: &bootstrap.Service{
			DB:     env.db,
			Pub:    env.pub,
			Store:  &mocks.MockBlobStore{},
			Notify: env.notify,
			Config: cfg,
		},
		Logger:      slog.Default(),
		ExecutionID: "test-exec",
	}
	return env
}

// seedCredential wires a decryptable, non-expiring credential into the mock.
func (env *testEnv) seedCredential(t *testing.T, revoked bool) {
	t.Helper()
	cipher, err := crypto.ParseKeyring(strings.TrimSpace("v1:" + base64.StdEncoding.EncodeToString(make([]byte, 32))))
	if err != nil {
		t.Fatal(err)
	}
	encAccess, kv, _ := cipher.Encrypt("access-token")
	encRefresh, _, _ := cipher.Encrypt("refresh-token")

	env.db.GetCredentialFunc = func(ctx context.Context, userID, provider string) (*types.CredentialRecord, error) {
		return &types.CredentialRecord{
			UserID:                userID,
			Provider:              provider,
			EncryptedAccessToken:  encAccess,
			EncryptedRefreshToken: encRefresh,
			ExpiresAt:             time.Now().Add(time.Hour),
			EncryptionKeyVersion:  kv,
			Revoked:               revoked,
		}, nil
	}
}

// seedUser wires a user document carrying one registered device token.
func (env *testEnv) seedUser(t *testing.T) {
	t.Helper()
	env.db.GetUserFunc = func(ctx context.Context, userID string) (*types.UserRecord, error) {
		return &types.UserRecord{UserID: userID, FCMTokens: []string{"device-token-1"}}, nil
	}
}

// activitiesTransport serves paginated listing responses for `total`
// synthetic activities, honoring the per_page parameter.
func activitiesTransport(t *testing.T, total int, overrides func(req *http.Request) *http.Response) *http.Client {
	t.Helper()
	return &http.Client{Transport: &mockTransport{roundTrip: func(req *http.Request) (*http.Response, error) {
		if overrides != nil {
			if resp := overrides(req); resp != nil {
				return resp, nil
			}
		}
		if !strings.Contains(req.URL.Path, "/athlete/activities") {
			return jsonResponse(404, `{}`, nil), nil
		}

		page, _ := strconv.Atoi(req.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(req.URL.Query().Get("per_page"))
		start := (page - 1) * perPage
		end := start + perPage
		if start > total {
			start = total
		}
		if end > total {
			end = total
		}

		items := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			items = append(items, fmt.Sprintf(
				`{"id": %d, "name": "Workout %d", "sport_type": "Run",
				  "start_date": "2025-01-%02dT06:00:00Z",
				  "start_date_local": "2025-01-%02dT07:00:00Z",
				  "timezone": "(GMT+01:00) Europe/Berlin", "utc_offset": 3600,
				  "elapsed_time": 1800, "moving_time": 1700, "distance": 5000}`,
				2000+i, i, i%27+1, i%27+1))
		}
		return jsonResponse(200, "["+strings.Join(items, ",")+"]", map[string]string{
			"X-RateLimit-Limit": "100,1000",
			"X-RateLimit-Usage": "1,1",
		}), nil
	}}}
}

func TestImportCompletesAndPublishesCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, false)

	client := activitiesTransport(t, 3, nil)
	e := pubsubEvent(t, triggerPayload{UserID: "user-1"})

	outputs, err := importHandler(client)(context.Background(), e, env.fwCtx)
	if err != nil {
		t.Fatal(err)
	}

	out := outputs.(map[string]interface{})
	if out["status"] != types.RunStatusCompleted {
		t.Fatalf("status = %v, want COMPLETED", out["status"])
	}
	stats := out["stats"].(types.ImportStats)
	if stats.Imported != 3 {
		t.Errorf("imported = %d, want 3", stats.Imported)
	}

	if len(env.pub.Published) != 1 {
		t.Fatalf("published %d events, want 1", len(env.pub.Published))
	}
	if env.pub.Published[0].Topic != shared.TopicImportCompleted {
		t.Errorf("published to %s, want %s", env.pub.Published[0].Topic, shared.TopicImportCompleted)
	}
}

func TestRateLimitPauseRepublishesContinueTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, false)

	client := activitiesTransport(t, 10, func(req *http.Request) *http.Response {
		if req.URL.Query().Get("page") == "2" {
			return jsonResponse(429, `{}`, map[string]string{"Retry-After": "30"})
		}
		return nil
	})
	e := pubsubEvent(t, triggerPayload{UserID: "user-1"})

	outputs, err := importHandler(client)(context.Background(), e, env.fwCtx)
	if err != nil {
		t.Fatal(err)
	}

	out := outputs.(map[string]interface{})
	if out["status"] != types.RunStatusPaused {
		t.Fatalf("status = %v, want PAUSED_FOR_BUDGET", out["status"])
	}
	if out["execution_status"] != execution.StatusPaused {
		t.Errorf("execution_status = %v, want %s", out["execution_status"], execution.StatusPaused)
	}
	if out["retry_after_seconds"] != 30 {
		t.Errorf("retry_after_seconds = %v, want 30", out["retry_after_seconds"])
	}

	if len(env.pub.Published) != 1 || env.pub.Published[0].Topic != shared.TopicImportTrigger {
		t.Fatalf("expected one self-retrigger on %s, got %+v", shared.TopicImportTrigger, env.pub.Published)
	}

	var envelope struct {
		Data triggerPayload `json:"data"`
	}
	if err := json.Unmarshal(env.pub.Published[0].Event.Data(), &envelope.Data); err != nil {
		t.Fatal(err)
	}
	if envelope.Data.UserID != "user-1" || envelope.Data.ContinueToken == "" {
		t.Errorf("retrigger payload incomplete: %+v", envelope.Data)
	}
}

func TestRevokedCredentialNotifiesAndAcks(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, true)
	env.seedUser(t)

	client := activitiesTransport(t, 0, nil)
	e := pubsubEvent(t, triggerPayload{UserID: "user-1"})

	outputs, err := importHandler(client)(context.Background(), e, env.fwCtx)
	if err != nil {
		t.Fatalf("terminal failures must ack, not redeliver: %v", err)
	}

	out := outputs.(map[string]interface{})
	if out["reauthorize_required"] != true {
		t.Errorf("expected reauthorize_required, got %+v", out)
	}
	if len(env.notify.Sent) != 1 {
		t.Fatalf("expected one push notification, got %d", len(env.notify.Sent))
	}
	if env.notify.Sent[0].Data["action"] != "reauthorize" {
		t.Errorf("push data = %+v", env.notify.Sent[0].Data)
	}
	if len(env.notify.Sent[0].Tokens) == 0 {
		t.Error("push sent without the user's device tokens")
	}
}

func TestListingUnauthorizedMarksRevokedAndAcks(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, false)
	env.seedUser(t)

	var updates []map[string]interface{}
	env.db.UpdateCredentialFunc = func(ctx context.Context, userID, provider string, data map[string]interface{}) error {
		updates = append(updates, data)
		return nil
	}

	// The token looks valid locally, but the listing endpoint rejects it.
	client := activitiesTransport(t, 5, func(req *http.Request) *http.Response {
		if strings.Contains(req.URL.Path, "/athlete/activities") {
			return jsonResponse(401, `{"message": "Authorization Error"}`, nil)
		}
		return nil
	})
	e := pubsubEvent(t, triggerPayload{UserID: "user-1"})

	outputs, err := importHandler(client)(context.Background(), e, env.fwCtx)
	if err != nil {
		t.Fatalf("a provider 401 is terminal and must ack, not redeliver: %v", err)
	}

	out := outputs.(map[string]interface{})
	if out["reauthorize_required"] != true {
		t.Errorf("expected reauthorize_required, got %+v", out)
	}

	var markedRevoked bool
	for _, u := range updates {
		if u["revoked"] == true {
			markedRevoked = true
		}
	}
	if !markedRevoked {
		t.Error("credential must be marked revoked after the provider rejects it")
	}

	if len(env.notify.Sent) != 1 {
		t.Fatalf("expected one push notification, got %d", len(env.notify.Sent))
	}
	if len(env.notify.Sent[0].Tokens) == 0 {
		t.Error("push sent without the user's device tokens")
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	env := newTestEnv(t)

	e := pubsubEvent(t, map[string]string{"something": "else"})
	_, err := importHandler(activitiesTransport(t, 0, nil))(context.Background(), e, env.fwCtx)
	if err == nil {
		t.Fatal("expected error for payload without user_id")
	}
}
