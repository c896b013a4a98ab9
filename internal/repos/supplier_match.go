package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

type SupplierMatchRepo interface {
	ReplaceForResults(ctx context.Context, tx *gorm.DB, resultIDs []uuid.UUID, matches []*types.SupplierMatch) ([]*types.SupplierMatch, error)
	ListByResult(ctx context.Context, tx *gorm.DB, resultID uuid.UUID) ([]*types.SupplierMatch, error)
	Select(ctx context.Context, tx *gorm.DB, resultID, supplierID, userID uuid.UUID) (*types.SupplierMatch, error)
}

type supplierMatchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSupplierMatchRepo(db *gorm.DB, baseLog *logger.Logger) SupplierMatchRepo {
	return &supplierMatchRepo{
		db:  db,
		log: baseLog.With("repo", "SupplierMatchRepo"),
	}
}

// ReplaceForResults clears previous matches for the given results and
// inserts the new scored set in one transaction. Re-running the matcher is
// therefore idempotent.
func (r *supplierMatchRepo) ReplaceForResults(ctx context.Context, tx *gorm.DB, resultIDs []uuid.UUID, matches []*types.SupplierMatch) ([]*types.SupplierMatch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if len(resultIDs) > 0 {
			if err := txx.Where("extraction_result_id IN ?", resultIDs).
				Delete(&types.SupplierMatch{}).Error; err != nil {
				return err
			}
		}
		if len(matches) > 0 {
			if err := txx.Create(&matches).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *supplierMatchRepo) ListByResult(ctx context.Context, tx *gorm.DB, resultID uuid.UUID) ([]*types.SupplierMatch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SupplierMatch
	if resultID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("extraction_result_id = ?", resultID).
		Order("confidence_score DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Select enforces the single-selection invariant inside one transaction.
// Every match row for the result is locked up front and the clear rewrites
// the full set, so two concurrent selections for the same result touch the
// same rows and the later transaction sees the earlier one's outcome
// instead of a pre-commit snapshot.
func (r *supplierMatchRepo) Select(ctx context.Context, tx *gorm.DB, resultID, supplierID, userID uuid.UUID) (*types.SupplierMatch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var selected types.SupplierMatch
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var rows []types.SupplierMatch
		if err := lockForUpdate(txx).
			Where("extraction_result_id = ?", resultID).
			Find(&rows).Error; err != nil {
			return err
		}
		var match *types.SupplierMatch
		for i := range rows {
			if rows[i].SupplierID == supplierID {
				match = &rows[i]
				break
			}
		}
		if match == nil {
			return gorm.ErrRecordNotFound
		}
		now := time.Now()
		if err := txx.Model(&types.SupplierMatch{}).
			Where("extraction_result_id = ?", resultID).
			Updates(map[string]interface{}{
				"is_selected":    false,
				"selected_by_id": nil,
				"selected_at":    nil,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}
		if err := txx.Model(&types.SupplierMatch{}).
			Where("id = ?", match.ID).
			Updates(map[string]interface{}{
				"is_selected":    true,
				"selected_by_id": userID,
				"selected_at":    now,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}
		return txx.Where("id = ?", match.ID).Limit(1).Find(&selected).Error
	})
	if err != nil {
		return nil, err
	}
	return &selected, nil
}
