package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-wms/meridian/internal/jobs"
	"github.com/meridian-wms/meridian/internal/shared"
)

const (
	// TaskIdempotencyCleanup trims expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// IdempotencyCleanupPayload carries the retention window for one sweep.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupJob deletes idempotency keys older than the retention
// window. Keys must outlive any client retry horizon, so the window is
// generous and configured, not hardcoded.
type IdempotencyCleanupJob struct {
	store   *shared.IdempotencyStore
	tracker *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewIdempotencyCleanupJob wires the job dependencies.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, tracker *jobmetrics.Metrics, logger *slog.Logger) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{store: store, tracker: tracker, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = 30 * 24 * time.Hour
	}
	track := j.tracker.Track("idempotency_cleanup")

	removed, err := j.store.Cleanup(ctx, payload.Retention)
	if err != nil {
		j.logger.ErrorContext(ctx, "idempotency cleanup failed", slog.Any("error", err))
		return track.End(err)
	}
	j.logger.InfoContext(ctx, "idempotency cleanup done", slog.Int64("removed", removed))
	return track.End(nil)
}
