package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

type SupplierRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Supplier, error)
	ListByOrganization(ctx context.Context, tx *gorm.DB, orgID uuid.UUID) ([]*types.Supplier, error)
}

type supplierRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSupplierRepo(db *gorm.DB, baseLog *logger.Logger) SupplierRepo {
	return &supplierRepo{
		db:  db,
		log: baseLog.With("repo", "SupplierRepo"),
	}
}

func (r *supplierRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Supplier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var supplier types.Supplier
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&supplier).Error
	if err != nil {
		return nil, err
	}
	if supplier.ID == uuid.Nil {
		return nil, nil
	}
	return &supplier, nil
}

func (r *supplierRepo) ListByOrganization(ctx context.Context, tx *gorm.DB, orgID uuid.UUID) ([]*types.Supplier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Supplier
	if orgID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
