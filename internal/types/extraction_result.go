package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ResultStatusPending  = "pending"
	ResultStatusAccepted = "accepted"
	ResultStatusRejected = "rejected"
	ResultStatusEdited   = "edited"
)

// Evidence backs an extracted item for human verification.
type Evidence struct {
	SourceText string `json:"sourceText"`
	Location   string `json:"location,omitempty"`
	PageNumber int    `json:"pageNumber"`
}

// ExtractionResult is one parsed+assembled item. RawExtraction is the
// model output as received; VerifiedData stays null until a human
// verification action (outside this core) fills it.
type ExtractionResult struct {
	ID                        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID                     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Job                       *ExtractionJob `gorm:"constraint:OnDelete:CASCADE;foreignKey:JobID;references:ID" json:"job,omitempty"`
	PageNumber                int            `gorm:"not null;default:1" json:"page_number"`
	RawExtraction             datatypes.JSON `gorm:"column:raw_extraction;type:jsonb" json:"raw_extraction"`
	VerifiedData              datatypes.JSON `gorm:"column:verified_data;type:jsonb" json:"verified_data,omitempty"`
	Evidence                  datatypes.JSON `gorm:"type:jsonb" json:"evidence"`
	ConfidenceScore           float64        `gorm:"not null;default:0" json:"confidence_score"`
	Status                    string         `gorm:"not null;default:'pending'" json:"status"`
	SourceTextIncomplete      bool           `gorm:"not null;default:false" json:"source_text_incomplete"`
	MissingFieldsInSourceText datatypes.JSON `gorm:"column:missing_fields_in_source_text;type:jsonb" json:"missing_fields_in_source_text,omitempty"`
	Diagnostics               datatypes.JSON `gorm:"type:jsonb" json:"diagnostics,omitempty"`
	VerifiedByID              *uuid.UUID     `gorm:"type:uuid" json:"verified_by_id,omitempty"`
	VerifiedAt                *time.Time     `json:"verified_at,omitempty"`
	CreatedAt                 time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt                 time.Time      `gorm:"not null" json:"updated_at"`
}

func (ExtractionResult) TableName() string { return "extraction_result" }

func (r *ExtractionResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
