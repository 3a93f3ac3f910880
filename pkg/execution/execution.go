// Package execution writes the per-invocation audit records consumed by the
// admin surface. Failures here are logged by callers but never fail the
// function itself.
package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/types"
)

const (
	StatusStarted = "STATUS_STARTED"
	StatusSuccess = "STATUS_SUCCESS"
	StatusFailure = "STATUS_FAILURE"
	StatusSkipped = "STATUS_SKIPPED"
	StatusPaused  = "STATUS_PAUSED"
)

// ExecutionOptions carries optional metadata for the start record.
type ExecutionOptions struct {
	UserID      string
	TriggerType string
}

// LogStart creates the execution record and returns its id.
func LogStart(ctx context.Context, db shared.Database, service string, opts ExecutionOptions) (string, error) {
	execID := uuid.NewString()
	rec := &types.ExecutionRecord{
		ExecutionID: execID,
		Service:     service,
		UserID:      opts.UserID,
		TriggerType: opts.TriggerType,
		Status:      StatusStarted,
		StartedAt:   time.Now(),
	}
	if err := db.SetExecution(ctx, rec); err != nil {
		return execID, err
	}
	return execID, nil
}

// LogSuccess marks the execution finished with outputs attached.
func LogSuccess(ctx context.Context, db shared.Database, execID string, outputs interface{}) error {
	return logFinish(ctx, db, execID, StatusSuccess, "", outputs)
}

// LogFailure marks the execution failed, keeping any partial outputs.
func LogFailure(ctx context.Context, db shared.Database, execID string, cause error, outputs interface{}) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return logFinish(ctx, db, execID, StatusFailure, msg, outputs)
}

// LogExecutionStatus marks the execution finished with a custom status
// (e.g. STATUS_PAUSED for a budget pause, which is not a failure).
func LogExecutionStatus(ctx context.Context, db shared.Database, execID string, status string, outputs interface{}) error {
	return logFinish(ctx, db, execID, status, "", outputs)
}

func logFinish(ctx context.Context, db shared.Database, execID, status, errMsg string, outputs interface{}) error {
	data := map[string]interface{}{
		"status":      status,
		"finished_at": time.Now(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if outputs != nil {
		if b, err := json.Marshal(outputs); err == nil {
			data["outputs_json"] = string(b)
		}
	}
	return db.UpdateExecution(ctx, execID, data)
}
