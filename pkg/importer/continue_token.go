package importer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stridelog/server/pkg/types"
)

// continueTokenVersion is bumped whenever the token layout changes; tokens
// from other versions are rejected rather than misread.
const continueTokenVersion = 1

// ErrInvalidContinueToken is returned when a continue token is malformed or
// carries an incompatible version.
var ErrInvalidContinueToken = errors.New("invalid continue token")

// ContinueToken is the opaque resume state handed to callers of a paused
// run. It is advisory: on resume it is clamped against the persisted run
// document, so a stale or tampered token can never rewind committed pages.
type ContinueToken struct {
	Version     int               `json:"v"`
	RunID       string            `json:"run_id"`
	Page        int               `json:"page"`
	AfterCursor int64             `json:"after_cursor"`
	Stats       types.ImportStats `json:"stats"`
	StartedAt   time.Time         `json:"started_at"`
}

// Encode serializes the token as URL-safe base64 JSON.
func (t *ContinueToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode continue token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeContinueToken parses and validates an encoded continue token.
func DecodeContinueToken(encoded string) (*ContinueToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContinueToken, err)
	}

	var t ContinueToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContinueToken, err)
	}
	if t.Version != continueTokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidContinueToken, t.Version)
	}
	if t.RunID == "" || t.Page < 1 {
		return nil, fmt.Errorf("%w: missing run id or page", ErrInvalidContinueToken)
	}
	return &t, nil
}

// clampToRun advances the token to at least the persisted run's committed
// progress. The run document is the authority on what has been upserted; a
// token can only ever move the cursor forward, never replay committed pages.
func (t *ContinueToken) clampToRun(run *types.ImportRunState) {
	if run == nil || run.RunID != t.RunID {
		return
	}
	if run.Page > t.Page {
		t.Page = run.Page
		t.Stats = run.Stats
	}
	if run.AfterCursor > t.AfterCursor {
		t.AfterCursor = run.AfterCursor
	}
}
