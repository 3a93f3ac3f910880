// The import-run binary executes one import slice locally against real
// Firestore, useful for debugging a user's sync without deploying.
//
// Usage:
//
//	import-run -user <user-id> [-token <continue-token>] [-after <epoch>]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/bootstrap"
	"github.com/stridelog/server/pkg/breaker"
	"github.com/stridelog/server/pkg/credentials"
	"github.com/stridelog/server/pkg/importer"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	"github.com/stridelog/server/pkg/lock"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/ratelimit"
	"github.com/stridelog/server/pkg/token"
)

func main() {
	userID := flag.String("user", "", "user id to import for")
	continueToken := flag.String("token", "", "continue token from a paused run")
	after := flag.Int64("after", 0, "only import activities after this epoch second")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: import-run -user <user-id> [-token <continue-token>] [-after <epoch>]")
		os.Exit(2)
	}

	ctx := context.Background()
	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "service init: %v\n", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger("import-run", true)

	cipher, err := crypto.ParseKeyring(os.Getenv(crypto.KeyringEnvVar))
	if err != nil {
		fmt.Fprintf(os.Stderr, "token keyring: %v\n", err)
		os.Exit(1)
	}

	cfg := svc.Config
	client := provider.New(os.Getenv("STRAVA_CLIENT_ID"), os.Getenv("STRAVA_CLIENT_SECRET"), nil, logger)
	store := credentials.NewStore(svc.DB, cipher, logger)
	locks := lock.NewManager(svc.DB, cfg.LockLease(), logger)
	brk := breaker.New(cfg.CircuitBreakerThreshold, time.Duration(cfg.CircuitBreakerCooldownSeconds)*time.Second, logger)
	tokens := token.NewManager(store, locks, client, brk, shared.SourceStrava, cfg.RefreshSafetyMargin(), logger)
	recon := importer.NewReconciler(svc.DB, cfg.OrphanGrace(), logger)

	orch := importer.NewOrchestrator(svc.DB, tokens, client, ratelimit.New(100, 1000, logger), recon, svc.Store, importer.Config{
		Source:        shared.SourceStrava,
		PageSize:      cfg.PageSize,
		TimeBudget:    cfg.TimeBudget(),
		ArchiveBucket: cfg.GCSArtifactBucket,
	}, logger)

	result, err := orch.RunImport(ctx, *userID, importer.Options{
		AfterCursor:   *after,
		ContinueToken: *continueToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
