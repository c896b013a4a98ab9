package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/planloom/extraction-backend/internal/clients/redis"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

// JobNotifier broadcasts job lifecycle events. Every call is best-effort:
// a failed publish is logged and dropped, never surfaced to the pipeline.
type JobNotifier interface {
	JobCreated(ctx context.Context, job *types.ExtractionJob)
	JobProgress(ctx context.Context, jobID uuid.UUID, progress int, message string)
	LayerFailed(ctx context.Context, jobID, layerID uuid.UUID, errorMessage string)
	JobDone(ctx context.Context, jobID uuid.UUID, status string)
}

type jobNotifier struct {
	bus redis.JobBus
	log *logger.Logger
}

func NewJobNotifier(bus redis.JobBus, baseLog *logger.Logger) JobNotifier {
	return &jobNotifier{bus: bus, log: baseLog.With("service", "JobNotifier")}
}

func (n *jobNotifier) publish(ctx context.Context, name string, data map[string]any) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, redis.Event{Name: name, Data: data}); err != nil {
		n.log.Warn("job event publish failed", "event", name, "error", err.Error())
	}
}

func (n *jobNotifier) JobCreated(ctx context.Context, job *types.ExtractionJob) {
	n.publish(ctx, "job.created", map[string]any{
		"job_id":          job.ID,
		"organization_id": job.OrganizationID,
		"schema_id":       job.SchemaID,
	})
}

func (n *jobNotifier) JobProgress(ctx context.Context, jobID uuid.UUID, progress int, message string) {
	n.publish(ctx, "job.progress", map[string]any{
		"job_id":   jobID,
		"progress": progress,
		"message":  message,
	})
}

func (n *jobNotifier) LayerFailed(ctx context.Context, jobID, layerID uuid.UUID, errorMessage string) {
	n.publish(ctx, "job.layer_failed", map[string]any{
		"job_id":   jobID,
		"layer_id": layerID,
		"error":    errorMessage,
	})
}

func (n *jobNotifier) JobDone(ctx context.Context, jobID uuid.UUID, status string) {
	n.publish(ctx, "job.done", map[string]any{
		"job_id": jobID,
		"status": status,
	})
}
