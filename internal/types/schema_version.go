package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SchemaVersion is one immutable snapshot within a schema family. The
// family is keyed by (organization_id, schema_identifier); "updating" a
// schema always inserts a new row with version = latest+1.
type SchemaVersion struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_schema_family_version,priority:1" json:"organization_id"`
	SchemaIdentifier   string         `gorm:"column:schema_identifier;not null;uniqueIndex:uq_schema_family_version,priority:2" json:"schema_identifier"`
	Version            int            `gorm:"not null;uniqueIndex:uq_schema_family_version,priority:3" json:"version"`
	Name               string         `gorm:"not null" json:"name"`
	Definition         datatypes.JSON `gorm:"type:jsonb;not null" json:"definition"`
	CompiledJSONSchema datatypes.JSON `gorm:"column:compiled_json_schema;type:jsonb" json:"compiled_json_schema"`
	Prompt             string         `gorm:"type:text" json:"prompt"`
	Examples           datatypes.JSON `gorm:"type:jsonb" json:"examples"`
	Agents             datatypes.JSON `gorm:"type:jsonb" json:"agents"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
}

func (SchemaVersion) TableName() string { return "extraction_schema" }

func (s *SchemaVersion) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
