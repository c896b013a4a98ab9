package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/services"
	"github.com/planloom/extraction-backend/internal/types"
)

// Worker polls for queued extraction jobs and drives them through the
// orchestrator. Claiming uses SKIP LOCKED, so multiple workers can run
// against the same database without double-processing.
type Worker struct {
	db           *gorm.DB
	log          *logger.Logger
	jobRepo      repos.ExtractionJobRepo
	jobSvc       services.JobService
	supplierSvc  services.SupplierService
	pollInterval time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.ExtractionJobRepo, jobSvc services.JobService, supplierSvc services.SupplierService, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		db:           db,
		log:          baseLog.With("component", "ExtractionWorker"),
		jobRepo:      jobRepo,
		jobSvc:       jobSvc,
		supplierSvc:  supplierSvc,
		pollInterval: pollInterval,
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := w.jobRepo.ClaimNextQueued(ctx, w.db)
				if err != nil {
					w.log.Warn("ClaimNextQueued failed", "error", err)
					continue
				}
				if job == nil {
					continue
				}
				w.run(ctx, job.ID)
			}
		}
	}()
}

func (w *Worker) run(ctx context.Context, jobID uuid.UUID) {
	// A panicking handler must not take the worker loop down with it.
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job processing panic", "job_id", jobID, "panic", r)
		}
	}()
	if err := w.jobSvc.ProcessJob(ctx, jobID); err != nil {
		w.log.Warn("ProcessJob finished with error", "job_id", jobID, "error", err.Error())
		return
	}
	w.matchCompleted(ctx, jobID)
}

// matchCompleted scores the supplier catalog against a job's results once
// the job reaches completed. Matching is advisory; a failure here leaves
// the job itself untouched.
func (w *Worker) matchCompleted(ctx context.Context, jobID uuid.UUID) {
	if w.supplierSvc == nil {
		return
	}
	job, err := w.jobRepo.GetByID(ctx, w.db, jobID)
	if err != nil || job == nil || job.Status != types.JobStatusCompleted {
		return
	}
	if _, err := w.supplierSvc.MatchSuppliers(ctx, job.ID, job.OrganizationID); err != nil {
		w.log.Warn("Supplier matching failed", "job_id", jobID, "error", err.Error())
	}
}
