package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	LayerStatusPending    = "pending"
	LayerStatusProcessing = "processing"
	LayerStatusCompleted  = "completed"
	LayerStatusFailed     = "failed"
)

// ExtractionJob is the root of one extraction run. Meta is a free-form
// merge target written by concurrent page workers; individual keys are
// logically partitioned by writer, so merges must never drop unrelated
// keys. Logs is append-only.
type ExtractionJob struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID     uuid.UUID         `gorm:"type:uuid;not null;index" json:"organization_id"`
	SchemaID           uuid.UUID         `gorm:"type:uuid;not null;index" json:"schema_id"`
	Schema             *SchemaVersion    `gorm:"constraint:OnDelete:CASCADE;foreignKey:SchemaID;references:ID" json:"schema,omitempty"`
	CreatedByID        uuid.UUID         `gorm:"type:uuid" json:"created_by_id"`
	Status             string            `gorm:"not null;default:'queued';index" json:"status"`
	ProgressPercentage int               `gorm:"not null;default:0" json:"progress_percentage"`
	Meta               datatypes.JSONMap `gorm:"type:jsonb" json:"meta"`
	Logs               datatypes.JSON    `gorm:"type:jsonb" json:"logs"`
	ErrorMessage       string            `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	FinishedAt         *time.Time        `json:"finished_at,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (ExtractionJob) TableName() string { return "extraction_job" }

func (j *ExtractionJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// JobDataLayer is one source document inside a job. ProcessingOrder is
// fixed at job creation; SubStatus moves independently of the job status
// so one unreadable document cannot sink a batch.
type JobDataLayer struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Job             *ExtractionJob `gorm:"constraint:OnDelete:CASCADE;foreignKey:JobID;references:ID" json:"job,omitempty"`
	DataLayerID     uuid.UUID      `gorm:"type:uuid;not null" json:"data_layer_id"`
	ProcessingOrder int            `gorm:"not null" json:"processing_order"`
	SubStatus       string         `gorm:"column:sub_status;not null;default:'pending'" json:"sub_status"`
	PageCount       int            `gorm:"not null;default:0" json:"page_count"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (JobDataLayer) TableName() string { return "job_data_layer" }

func (l *JobDataLayer) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// JobLogEntry is the shape appended to ExtractionJob.Logs.
type JobLogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}
