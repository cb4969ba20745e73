package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/coachdesk/coachdesk/internal/jobs"
)

// TaskIdempotencyCleanup purges expired payment idempotency keys.
const TaskIdempotencyCleanup = "billing:idempotency_cleanup"

// CleanupPayload parameterises the cleanup.
type CleanupPayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retentionDays int) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// KeyCleaner deletes keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob handles TaskIdempotencyCleanup.
type IdempotencyCleanupJob struct {
	Store   KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle removes stale keys.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	payload := CleanupPayload{RetentionDays: 30}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.RetentionDays <= 0 {
		return fmt.Errorf("idempotency cleanup: retention_days must be positive: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	purged, err := j.Store.Cleanup(ctx, time.Duration(payload.RetentionDays)*24*time.Hour)
	if err != nil {
		return err
	}
	j.Metrics.AddPurgedKeys(purged)
	if j.Logger != nil {
		j.Logger.Info("idempotency keys purged", slog.Int64("count", purged), slog.Int("retention_days", payload.RetentionDays))
	}
	return nil
}
