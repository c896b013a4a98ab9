package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Supplier is one catalog entry in an organization's supplier list.
// Materials is a JSON array of offered-material strings.
type Supplier struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	Name           string         `gorm:"not null" json:"name"`
	Materials      datatypes.JSON `gorm:"type:jsonb" json:"materials"`
	ContactEmail   string         `json:"contact_email,omitempty"`
	ContactPhone   string         `json:"contact_phone,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Supplier) TableName() string { return "supplier" }

// SupplierMatch scores one (extraction result, supplier) pairing. At most
// one row per extraction_result_id may have is_selected=true; that is a
// transactional invariant, not just a uniqueness constraint.
type SupplierMatch struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	ExtractionResultID uuid.UUID         `gorm:"type:uuid;not null;index" json:"extraction_result_id"`
	ExtractionResult   *ExtractionResult `gorm:"constraint:OnDelete:CASCADE;foreignKey:ExtractionResultID;references:ID" json:"extraction_result,omitempty"`
	SupplierID         uuid.UUID         `gorm:"type:uuid;not null;index" json:"supplier_id"`
	Supplier           *Supplier         `gorm:"constraint:OnDelete:CASCADE;foreignKey:SupplierID;references:ID" json:"supplier,omitempty"`
	ConfidenceScore    float64           `gorm:"not null;default:0" json:"confidence_score"`
	MatchReason        string            `gorm:"type:text" json:"match_reason"`
	IsSelected         bool              `gorm:"not null;default:false" json:"is_selected"`
	SelectedByID       *uuid.UUID        `gorm:"type:uuid" json:"selected_by_id,omitempty"`
	SelectedAt         *time.Time        `json:"selected_at,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (SupplierMatch) TableName() string { return "supplier_match" }

func (s *Supplier) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (m *SupplierMatch) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
