package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

func seedResultWithMatches(t *testing.T, gdb *gorm.DB, orgID uuid.UUID, supplierCount int) (*types.ExtractionResult, []*types.Supplier) {
	t.Helper()
	jobRepo := NewExtractionJobRepo(gdb, logger.NewNop())
	job := seedJob(t, jobRepo, gdb, orgID, 1)
	result := &types.ExtractionResult{
		JobID:         job.ID,
		PageNumber:    1,
		RawExtraction: datatypes.JSON(`{"itemName":"steel rebar"}`),
		Status:        "pending",
	}
	if err := gdb.Create(result).Error; err != nil {
		t.Fatalf("seed result: %v", err)
	}
	suppliers := make([]*types.Supplier, 0, supplierCount)
	for i := 0; i < supplierCount; i++ {
		s := &types.Supplier{
			OrganizationID: orgID,
			Name:           "Supplier " + string(rune('A'+i)),
			Materials:      datatypes.JSON(`["steel","rebar"]`),
		}
		if err := gdb.Create(s).Error; err != nil {
			t.Fatalf("seed supplier %d: %v", i, err)
		}
		if err := gdb.Create(&types.SupplierMatch{
			ExtractionResultID: result.ID,
			SupplierID:         s.ID,
			ConfidenceScore:    0.5,
		}).Error; err != nil {
			t.Fatalf("seed match %d: %v", i, err)
		}
		suppliers = append(suppliers, s)
	}
	return result, suppliers
}

func selectedCount(t *testing.T, gdb *gorm.DB, resultID uuid.UUID) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(&types.SupplierMatch{}).
		Where("extraction_result_id = ? AND is_selected = ?", resultID, true).
		Count(&n).Error; err != nil {
		t.Fatalf("count selected: %v", err)
	}
	return n
}

func TestSelectClearsEverySelectedRow(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewSupplierMatchRepo(gdb, logger.NewNop())
	ctx := context.Background()
	result, suppliers := seedResultWithMatches(t, gdb, uuid.New(), 3)

	// Force two selected rows directly, the state a lost concurrent clear
	// would leave behind. Select rewrites the result's full match set, so
	// it must collapse this back to a single winner.
	if err := gdb.Model(&types.SupplierMatch{}).
		Where("extraction_result_id = ? AND supplier_id IN ?", result.ID,
			[]uuid.UUID{suppliers[0].ID, suppliers[1].ID}).
		Update("is_selected", true).Error; err != nil {
		t.Fatalf("force double selection: %v", err)
	}
	if got := selectedCount(t, gdb, result.ID); got != 2 {
		t.Fatalf("setup selected count: want=2 got=%d", got)
	}

	userID := uuid.New()
	selected, err := repo.Select(ctx, nil, result.ID, suppliers[2].ID, userID)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selected.SupplierID != suppliers[2].ID {
		t.Fatalf("selected supplier: want=%s got=%s", suppliers[2].ID, selected.SupplierID)
	}
	if got := selectedCount(t, gdb, result.ID); got != 1 {
		t.Fatalf("selected count after Select: want=1 got=%d", got)
	}
	var winner types.SupplierMatch
	if err := gdb.Where("extraction_result_id = ? AND is_selected = ?", result.ID, true).
		First(&winner).Error; err != nil {
		t.Fatalf("load winner: %v", err)
	}
	if winner.SupplierID != suppliers[2].ID {
		t.Fatalf("winner supplier: want=%s got=%s", suppliers[2].ID, winner.SupplierID)
	}
	if winner.SelectedByID == nil || *winner.SelectedByID != userID {
		t.Fatalf("winner selected_by: want=%s got=%v", userID, winner.SelectedByID)
	}
}

func TestSelectUnmatchedPairLeavesSelectionUntouched(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewSupplierMatchRepo(gdb, logger.NewNop())
	ctx := context.Background()
	result, suppliers := seedResultWithMatches(t, gdb, uuid.New(), 2)

	if _, err := repo.Select(ctx, nil, result.ID, suppliers[0].ID, uuid.New()); err != nil {
		t.Fatalf("Select: %v", err)
	}

	_, err := repo.Select(ctx, nil, result.ID, uuid.New(), uuid.New())
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unmatched supplier: want ErrRecordNotFound got %v", err)
	}
	if got := selectedCount(t, gdb, result.ID); got != 1 {
		t.Fatalf("selected count: want=1 got=%d", got)
	}
	var winner types.SupplierMatch
	if err := gdb.Where("extraction_result_id = ? AND is_selected = ?", result.ID, true).
		First(&winner).Error; err != nil {
		t.Fatalf("load winner: %v", err)
	}
	if winner.SupplierID != suppliers[0].ID {
		t.Fatalf("prior selection lost: want=%s got=%s", suppliers[0].ID, winner.SupplierID)
	}
}
