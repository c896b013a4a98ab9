package extraction

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/planloom/extraction-backend/internal/types"
)

// Clamp01 bounds a confidence score to [0,1] regardless of what the model
// reported.
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// AssembleResult produces the persisted ExtractionResult row for one
// parsed item. RawExtraction is the item as received; VerifiedData stays
// null until a human verification action fills it, outside this core.
//
// The model-reported page number is authoritative when present; batchPage
// is only the fallback. Overwriting item pages with the batch's starting
// page mis-attributes every item in a multi-page batch.
func AssembleResult(jobID uuid.UUID, item ParsedItem, batchPage int) (*types.ExtractionResult, error) {
	page := item.PageNumber
	if page <= 0 {
		page = batchPage
	}
	if page <= 0 {
		page = 1
	}

	rawFields, err := json.Marshal(item.Fields)
	if err != nil {
		return nil, err
	}
	evidence, err := json.Marshal(types.Evidence{
		SourceText: item.SourceText,
		Location:   item.Location,
		PageNumber: page,
	})
	if err != nil {
		return nil, err
	}

	result := &types.ExtractionResult{
		JobID:                jobID,
		PageNumber:           page,
		RawExtraction:        datatypes.JSON(rawFields),
		Evidence:             datatypes.JSON(evidence),
		ConfidenceScore:      Clamp01(item.Confidence),
		Status:               types.ResultStatusPending,
		SourceTextIncomplete: item.SourceTextIncomplete,
	}
	if len(item.MissingFieldsInSourceText) > 0 {
		missing, merr := json.Marshal(item.MissingFieldsInSourceText)
		if merr != nil {
			return nil, merr
		}
		result.MissingFieldsInSourceText = datatypes.JSON(missing)
	}
	if len(item.Diagnostics) > 0 {
		diags, derr := json.Marshal(item.Diagnostics)
		if derr != nil {
			return nil, derr
		}
		result.Diagnostics = datatypes.JSON(diags)
	}
	return result, nil
}
