// Package activityimport is the Cloud Function running one time-boxed slice
// of a user's activity import. Paused runs re-trigger themselves by
// republishing the trigger message with the continue token; completed runs
// publish a completion event for downstream consumers.
package activityimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/bootstrap"
	"github.com/stridelog/server/pkg/breaker"
	"github.com/stridelog/server/pkg/credentials"
	"github.com/stridelog/server/pkg/execution"
	"github.com/stridelog/server/pkg/framework"
	"github.com/stridelog/server/pkg/importer"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	infrapubsub "github.com/stridelog/server/pkg/infrastructure/pubsub"
	infrasentry "github.com/stridelog/server/pkg/infrastructure/sentry"
	"github.com/stridelog/server/pkg/lock"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/ratelimit"
	"github.com/stridelog/server/pkg/token"
	"github.com/stridelog/server/pkg/types"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error

	// Shared across invocations within one instance so breaker state and
	// rate counters survive between slices.
	sharedLimiter *ratelimit.Limiter
	sharedBreaker *breaker.Breaker
	compOnce      sync.Once
)

func init() {
	functions.CloudEvent("ActivityImport", ActivityImport)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		baseSvc, err := bootstrap.NewService(ctx)
		if err != nil {
			svcErr = err
			return
		}
		svc = baseSvc

		infrasentry.Init(infrasentry.Config{
			DSN:         os.Getenv("SENTRY_DSN"),
			Environment: os.Getenv("ENVIRONMENT"),
			ServerName:  "activity-import",
		}, nil)
	})
	return svc, svcErr
}

func initComponents(cfg *bootstrap.Config) {
	compOnce.Do(func() {
		// Strava-style defaults; reconciled from response headers on every
		// call, so the seed values only matter until the first response.
		sharedLimiter = ratelimit.New(100, 1000, nil)
		sharedBreaker = breaker.New(cfg.CircuitBreakerThreshold,
			time.Duration(cfg.CircuitBreakerCooldownSeconds)*time.Second, nil)
	})
}

// ActivityImport is the entry point
func ActivityImport(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("activity-import", svc, importHandler(nil))(ctx, e)
}

// triggerPayload is the business message on the import trigger topic.
type triggerPayload struct {
	UserID        string `json:"user_id"`
	ContinueToken string `json:"continue_token,omitempty"`
	AfterCursor   int64  `json:"after_cursor,omitempty"`
}

// decodePayload unwraps the Pub/Sub envelope. The data is either the bare
// payload JSON or a CloudEvent envelope around it (self-retriggered pauses
// publish the latter).
func decodePayload(e event.Event) (*triggerPayload, error) {
	var msg types.PubSubMessage
	if err := e.DataAs(&msg); err != nil {
		return nil, fmt.Errorf("event.DataAs: %v", err)
	}

	var p triggerPayload
	if err := json.Unmarshal(msg.Message.Data, &p); err == nil && p.UserID != "" {
		return &p, nil
	}

	var envelope struct {
		Data triggerPayload `json:"data"`
	}
	if err := json.Unmarshal(msg.Message.Data, &envelope); err == nil && envelope.Data.UserID != "" {
		return &envelope.Data, nil
	}

	return nil, fmt.Errorf("trigger payload has no user_id")
}

// importHandler contains the business logic.
// httpClient can be injected for testing; nil means http.DefaultClient.
func importHandler(httpClient *http.Client) framework.HandlerFunc {
	return func(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
		payload, err := decodePayload(e)
		if err != nil {
			return nil, err
		}

		cfg := fwCtx.Service.Config
		initComponents(cfg)

		cipher, err := crypto.ParseKeyring(os.Getenv(crypto.KeyringEnvVar))
		if err != nil {
			return nil, fmt.Errorf("token keyring: %w", err)
		}

		client := provider.New(os.Getenv("STRAVA_CLIENT_ID"), os.Getenv("STRAVA_CLIENT_SECRET"), httpClient, fwCtx.Logger)

		store := credentials.NewStore(fwCtx.Service.DB, cipher, fwCtx.Logger)
		locks := lock.NewManager(fwCtx.Service.DB, cfg.LockLease(), fwCtx.Logger)
		tokens := token.NewManager(store, locks, client, sharedBreaker, shared.SourceStrava, cfg.RefreshSafetyMargin(), fwCtx.Logger)
		recon := importer.NewReconciler(fwCtx.Service.DB, cfg.OrphanGrace(), fwCtx.Logger)

		orch := importer.NewOrchestrator(fwCtx.Service.DB, tokens, client, sharedLimiter, recon, fwCtx.Service.Store, importer.Config{
			Source:        shared.SourceStrava,
			PageSize:      cfg.PageSize,
			TimeBudget:    cfg.TimeBudget(),
			ArchiveBucket: cfg.GCSArtifactBucket,
		}, fwCtx.Logger)

		result, err := orch.RunImport(ctx, payload.UserID, importer.Options{
			AfterCursor:   payload.AfterCursor,
			ContinueToken: payload.ContinueToken,
		})
		if err != nil {
			return handleImportError(ctx, fwCtx, store, payload.UserID, err)
		}

		outputs := map[string]interface{}{
			"status": result.Status,
			"stats":  result.Stats,
		}

		switch result.Status {
		case types.RunStatusPaused:
			outputs["execution_status"] = execution.StatusPaused
			if result.RetryAfter > 0 {
				outputs["retry_after_seconds"] = int(result.RetryAfter.Seconds())
			}
			if err := republishContinue(ctx, fwCtx, payload.UserID, result); err != nil {
				// Without the re-trigger the run would stall; let Pub/Sub
				// redeliver the original message instead.
				return outputs, fmt.Errorf("republish continue trigger: %w", err)
			}

		case types.RunStatusCompleted:
			outputs["orphans_removed"] = result.Removed
			if err := publishCompleted(ctx, fwCtx, payload.UserID, result); err != nil {
				fwCtx.Logger.Warn("Failed to publish completion event", "error", err)
			}
		}

		return outputs, nil
	}
}

// handleImportError maps the error taxonomy onto Pub/Sub semantics:
// returning an error causes redelivery (retryable failures), returning nil
// acknowledges the message (terminal failures that retrying cannot fix).
func handleImportError(ctx context.Context, fwCtx *framework.FrameworkContext, store *credentials.Store, userID string, err error) (interface{}, error) {
	outputs := map[string]interface{}{"error": err.Error()}

	var busy *token.LockBusyError
	switch {
	case errors.Is(err, importer.ErrImportInProgress):
		fwCtx.Logger.Info("Run already in progress, skipping trigger")
		outputs["execution_status"] = execution.StatusSkipped
		return outputs, nil

	case errors.Is(err, importer.ErrInvalidContinueToken):
		// Redelivering the same malformed token cannot succeed.
		fwCtx.Logger.Error("Invalid continue token, dropping trigger", "error", err)
		outputs["execution_status"] = execution.StatusFailure
		return outputs, nil

	case errors.As(err, &busy):
		fwCtx.Logger.Info("Refresh lock busy, retrying via redelivery", "retry_after", busy.RetryAfter)
		return outputs, err

	case errors.Is(err, breaker.ErrCircuitOpen):
		fwCtx.Logger.Warn("Provider circuit open, retrying via redelivery")
		return outputs, err
	}

	var refreshErr *token.RefreshError
	var authErr *provider.AuthError
	terminal := errors.Is(err, token.ErrTokenRevoked) || errors.Is(err, token.ErrNoToken) ||
		(errors.As(err, &refreshErr) && refreshErr.Terminal) ||
		errors.As(err, &authErr)
	if terminal {
		if authErr != nil {
			// The listing endpoint rejected a token the lifecycle manager
			// still considered valid; the provider is authoritative, so the
			// stored credential is dead.
			if markErr := store.MarkRevoked(ctx, userID, shared.SourceStrava); markErr != nil {
				fwCtx.Logger.Error("Failed to mark credential revoked", "user_id", userID, "error", markErr)
			}
		}
		fwCtx.Logger.Error("Credential terminally unusable, user must re-authorize", "error", err)
		notifyReauthorize(ctx, fwCtx, userID)
		outputs["execution_status"] = execution.StatusFailure
		outputs["reauthorize_required"] = true
		return outputs, nil
	}

	// Transient provider/network failure: redeliver.
	infrasentry.CaptureException(err, map[string]interface{}{"user_id": userID}, fwCtx.Logger)
	infrasentry.Flush(2 * time.Second)
	return outputs, err
}

func notifyReauthorize(ctx context.Context, fwCtx *framework.FrameworkContext, userID string) {
	user, err := fwCtx.Service.DB.GetUser(ctx, userID)
	if err != nil || user == nil || len(user.FCMTokens) == 0 {
		fwCtx.Logger.Warn("No device tokens for re-authorization push", "user_id", userID)
		return
	}

	err = fwCtx.Service.Notify.SendPushNotification(ctx, userID,
		"Reconnect your account",
		"Your activity provider connection has expired. Reconnect to keep importing workouts.",
		user.FCMTokens,
		map[string]string{"action": "reauthorize", "provider": shared.SourceStrava})
	if err != nil {
		fwCtx.Logger.Warn("Failed to send re-authorization push", "error", err)
	}
}

func republishContinue(ctx context.Context, fwCtx *framework.FrameworkContext, userID string, result *importer.Result) error {
	e, err := infrapubsub.NewCloudEvent("activity-import", infrapubsub.EventTypeImportRequested, triggerPayload{
		UserID:        userID,
		ContinueToken: result.ContinueToken,
	})
	if err != nil {
		return err
	}
	_, err = fwCtx.Service.Pub.PublishCloudEvent(ctx, shared.TopicImportTrigger, e)
	return err
}

func publishCompleted(ctx context.Context, fwCtx *framework.FrameworkContext, userID string, result *importer.Result) error {
	e, err := infrapubsub.NewCloudEvent("activity-import", infrapubsub.EventTypeImportCompleted, map[string]interface{}{
		"user_id": userID,
		"stats":   result.Stats,
		"removed": result.Removed,
	})
	if err != nil {
		return err
	}
	_, err = fwCtx.Service.Pub.PublishCloudEvent(ctx, shared.TopicImportCompleted, e)
	return err
}
