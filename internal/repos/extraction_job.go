package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

type ExtractionJobRepo interface {
	CreateWithLayers(ctx context.Context, tx *gorm.DB, job *types.ExtractionJob, layers []*types.JobDataLayer) (*types.ExtractionJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionJob, error)
	GetLayers(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobDataLayer, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateLayerFields(ctx context.Context, tx *gorm.DB, layerID uuid.UUID, updates map[string]interface{}) error
	MergeMeta(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch map[string]interface{}) error
	AppendLog(ctx context.Context, tx *gorm.DB, id uuid.UUID, entry types.JobLogEntry) error
	ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*types.ExtractionJob, error)
	CountBySchemaIDs(ctx context.Context, tx *gorm.DB, schemaIDs []uuid.UUID) (int64, error)
	DeleteBySchemaIDs(ctx context.Context, tx *gorm.DB, schemaIDs []uuid.UUID) error
}

type extractionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionJobRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionJobRepo {
	return &extractionJobRepo{
		db:  db,
		log: baseLog.With("repo", "ExtractionJobRepo"),
	}
}

func (r *extractionJobRepo) CreateWithLayers(ctx context.Context, tx *gorm.DB, job *types.ExtractionJob, layers []*types.JobDataLayer) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("job required")
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(job).Error; err != nil {
			return err
		}
		for _, layer := range layers {
			layer.JobID = job.ID
		}
		if len(layers) > 0 {
			if err := txx.Create(&layers).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *extractionJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.ExtractionJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *extractionJobRepo) GetLayers(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobDataLayer, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobDataLayer
	if jobID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("processing_order ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *extractionJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ExtractionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *extractionJobRepo) UpdateLayerFields(ctx context.Context, tx *gorm.DB, layerID uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if layerID == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.JobDataLayer{}).
		Where("id = ?", layerID).
		Updates(updates).Error
}

// MergeMeta applies a key-level non-destructive merge: keys in patch
// overwrite same-named keys, every other existing key is preserved. The
// job row is read under a FOR UPDATE lock so concurrent merges from layer
// workers serialize instead of losing each other's keys.
func (r *extractionJobRepo) MergeMeta(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(patch) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ExtractionJob
		if err := lockForUpdate(txx).Where("id = ?", id).Limit(1).Find(&job).Error; err != nil {
			return err
		}
		if job.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}
		merged := map[string]interface{}{}
		for k, v := range job.Meta {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		return txx.Model(&types.ExtractionJob{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"meta":       datatypes.JSONMap(merged),
				"updated_at": time.Now(),
			}).Error
	})
}

// AppendLog appends one entry to the job's append-only log array. The job
// row is read under a FOR UPDATE lock so concurrent appends serialize and
// no entry overwrites another. Callers treat failures as best-effort; this
// method just reports them.
func (r *extractionJobRepo) AppendLog(ctx context.Context, tx *gorm.DB, id uuid.UUID, entry types.JobLogEntry) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ExtractionJob
		if err := lockForUpdate(txx).Where("id = ?", id).Limit(1).Find(&job).Error; err != nil {
			return err
		}
		if job.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}
		var entries []types.JobLogEntry
		if len(job.Logs) > 0 {
			if err := json.Unmarshal(job.Logs, &entries); err != nil {
				// Corrupt log arrays are replaced rather than blocking writes.
				entries = nil
			}
		}
		entries = append(entries, entry)
		raw, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return txx.Model(&types.ExtractionJob{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"logs":       raw,
				"updated_at": time.Now(),
			}).Error
	})
}

// ClaimNextQueued locks and claims the oldest queued job. Uses SKIP LOCKED
// so multiple workers never claim the same row.
func (r *extractionJobRepo) ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var claimed *types.ExtractionJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ExtractionJob
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.JobStatusQueued).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		now := time.Now()
		uErr := txx.Model(&types.ExtractionJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     types.JobStatusRunning,
				"started_at": now,
				"updated_at": now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *extractionJobRepo) CountBySchemaIDs(ctx context.Context, tx *gorm.DB, schemaIDs []uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(schemaIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.ExtractionJob{}).
		Where("schema_id IN ?", schemaIDs).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *extractionJobRepo) DeleteBySchemaIDs(ctx context.Context, tx *gorm.DB, schemaIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(schemaIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var jobIDs []uuid.UUID
		if err := txx.Model(&types.ExtractionJob{}).
			Where("schema_id IN ?", schemaIDs).
			Pluck("id", &jobIDs).Error; err != nil {
			return err
		}
		if len(jobIDs) == 0 {
			return nil
		}
		if err := txx.Where("extraction_result_id IN (?)",
			txx.Session(&gorm.Session{NewDB: true}).
				Model(&types.ExtractionResult{}).
				Select("id").
				Where("job_id IN ?", jobIDs),
		).Delete(&types.SupplierMatch{}).Error; err != nil {
			return err
		}
		if err := txx.Where("job_id IN ?", jobIDs).Delete(&types.ExtractionResult{}).Error; err != nil {
			return err
		}
		if err := txx.Where("job_id IN ?", jobIDs).Delete(&types.JobDataLayer{}).Error; err != nil {
			return err
		}
		return txx.Where("id IN ?", jobIDs).Delete(&types.ExtractionJob{}).Error
	})
}
