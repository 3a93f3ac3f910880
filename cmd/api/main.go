// The api binary exposes the import subsystem over HTTP: a trigger endpoint
// that publishes onto the import topic, and a credential-health endpoint
// that never returns token material.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/bootstrap"
	"github.com/stridelog/server/pkg/breaker"
	"github.com/stridelog/server/pkg/credentials"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	infrapubsub "github.com/stridelog/server/pkg/infrastructure/pubsub"
	"github.com/stridelog/server/pkg/lock"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/token"
)

type api struct {
	svc    *bootstrap.Service
	tokens *token.Manager
	logger *slog.Logger
}

func main() {
	ctx := context.Background()

	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		slog.Error("Service init failed", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger("api", false)

	cipher, err := crypto.ParseKeyring(os.Getenv(crypto.KeyringEnvVar))
	if err != nil {
		logger.Error("Token keyring invalid", "error", err)
		os.Exit(1)
	}

	cfg := svc.Config
	client := provider.New(os.Getenv("STRAVA_CLIENT_ID"), os.Getenv("STRAVA_CLIENT_SECRET"), nil, logger)
	store := credentials.NewStore(svc.DB, cipher, logger)
	locks := lock.NewManager(svc.DB, cfg.LockLease(), logger)
	brk := breaker.New(cfg.CircuitBreakerThreshold, time.Duration(cfg.CircuitBreakerCooldownSeconds)*time.Second, logger)

	a := &api{
		svc:    svc,
		tokens: token.NewManager(store, locks, client, brk, shared.SourceStrava, cfg.RefreshSafetyMargin(), logger),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Post("/users/{userID}/import", a.triggerImport)
	r.Get("/users/{userID}/credential", a.credentialHealth)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logger.Info("API listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func (a *api) triggerImport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body struct {
		AfterCursor int64 `json:"after_cursor,omitempty"`
	}
	if r.Body != nil {
		// Body is optional; a bare POST triggers a full-history import.
		json.NewDecoder(r.Body).Decode(&body)
	}

	e, err := infrapubsub.NewCloudEvent("api", infrapubsub.EventTypeImportRequested, map[string]interface{}{
		"user_id":      userID,
		"after_cursor": body.AfterCursor,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event build failed"})
		return
	}

	if _, err := a.svc.Pub.PublishCloudEvent(r.Context(), shared.TopicImportTrigger, e); err != nil {
		a.logger.Error("Publish trigger failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "trigger publish failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *api) credentialHealth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	health := a.tokens.Health(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": shared.SourceStrava,
		"health":   string(health),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
