package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

type ExtractionResultRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, results []*types.ExtractionResult) ([]*types.ExtractionResult, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionResult, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.ExtractionResult, error)
}

type extractionResultRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionResultRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionResultRepo {
	return &extractionResultRepo{
		db:  db,
		log: baseLog.With("repo", "ExtractionResultRepo"),
	}
}

func (r *extractionResultRepo) CreateBatch(ctx context.Context, tx *gorm.DB, results []*types.ExtractionResult) ([]*types.ExtractionResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(results) == 0 {
		return []*types.ExtractionResult{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *extractionResultRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var result types.ExtractionResult
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&result).Error
	if err != nil {
		return nil, err
	}
	if result.ID == uuid.Nil {
		return nil, nil
	}
	return &result, nil
}

// ListByJob returns results in presentation order; completion order across
// concurrent workers is not meaningful, page_number is.
func (r *extractionResultRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.ExtractionResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ExtractionResult
	if jobID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("page_number ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
