package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

type SchemaRepo interface {
	Create(ctx context.Context, tx *gorm.DB, schema *types.SchemaVersion) (*types.SchemaVersion, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SchemaVersion, error)
	GetLatestByIdentifier(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) (*types.SchemaVersion, error)
	ListVersions(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) ([]*types.SchemaVersion, error)
	IdentifierExists(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) (bool, error)
	NameVersionExists(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, name string, version int) (bool, error)
	DeleteFamily(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) error
}

type schemaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSchemaRepo(db *gorm.DB, baseLog *logger.Logger) SchemaRepo {
	return &schemaRepo{
		db:  db,
		log: baseLog.With("repo", "SchemaRepo"),
	}
}

func (r *schemaRepo) Create(ctx context.Context, tx *gorm.DB, schema *types.SchemaVersion) (*types.SchemaVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if schema == nil {
		return nil, errors.New("schema required")
	}
	if err := transaction.WithContext(ctx).Create(schema).Error; err != nil {
		return nil, err
	}
	return schema, nil
}

func (r *schemaRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SchemaVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var schema types.SchemaVersion
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&schema).Error
	if err != nil {
		return nil, err
	}
	if schema.ID == uuid.Nil {
		return nil, nil
	}
	return &schema, nil
}

func (r *schemaRepo) GetLatestByIdentifier(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) (*types.SchemaVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if orgID == uuid.Nil || identifier == "" {
		return nil, nil
	}
	var schema types.SchemaVersion
	err := transaction.WithContext(ctx).
		Where("organization_id = ? AND schema_identifier = ?", orgID, identifier).
		Order("version DESC").
		Limit(1).
		Find(&schema).Error
	if err != nil {
		return nil, err
	}
	if schema.ID == uuid.Nil {
		return nil, nil
	}
	return &schema, nil
}

func (r *schemaRepo) ListVersions(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) ([]*types.SchemaVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SchemaVersion
	err := transaction.WithContext(ctx).
		Where("organization_id = ? AND schema_identifier = ?", orgID, identifier).
		Order("version ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *schemaRepo) IdentifierExists(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.SchemaVersion{}).
		Where("organization_id = ? AND schema_identifier = ?", orgID, identifier).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *schemaRepo) NameVersionExists(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, name string, version int) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.SchemaVersion{}).
		Where("organization_id = ? AND name = ? AND version = ?", orgID, name, version).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *schemaRepo) DeleteFamily(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, identifier string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("organization_id = ? AND schema_identifier = ?", orgID, identifier).
		Delete(&types.SchemaVersion{}).Error
}
