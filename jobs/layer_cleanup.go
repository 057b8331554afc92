package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-wms/meridian/internal/jobs"
	"github.com/meridian-wms/meridian/internal/observability"
	"github.com/meridian-wms/meridian/internal/valuation"
)

const (
	// TaskLayerCleanup purges zero quantity cost layers nightly.
	TaskLayerCleanup = "valuation:layer_cleanup"
)

// LayerCleanupPayload carries scheduling metadata.
type LayerCleanupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLayerCleanupTask constructs an Asynq task for the cost layer purge.
func NewLayerCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LayerCleanupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLayerCleanup, body, asynq.Queue(QueueDefault)), nil
}

// LayerCleanupJob removes empty FIFO cost layers. Consumption deletes
// exhausted layers inline; the job sweeps anything a failed transaction
// left behind.
type LayerCleanupJob struct {
	valuation *valuation.Service
	metrics   *observability.Metrics
	tracker   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewLayerCleanupJob wires the job dependencies.
func NewLayerCleanupJob(svc *valuation.Service, metrics *observability.Metrics, tracker *jobmetrics.Metrics, logger *slog.Logger) *LayerCleanupJob {
	return &LayerCleanupJob{valuation: svc, metrics: metrics, tracker: tracker, logger: logger}
}

// Handle processes TaskLayerCleanup tasks.
func (j *LayerCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LayerCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	track := j.tracker.Track("layer_cleanup")

	purged, err := j.valuation.CleanupEmptyLayers(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "layer cleanup failed", slog.Any("error", err))
		return track.End(err)
	}
	if j.metrics != nil {
		j.metrics.CountLayersPurged(purged)
	}
	j.logger.InfoContext(ctx, "layer cleanup done",
		slog.Int64("purged", purged),
		slog.Time("scheduled_for", payload.ScheduledFor))
	return track.End(nil)
}
