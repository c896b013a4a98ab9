package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/types"
)

type supplierHarness struct {
	gdb       *gorm.DB
	svc       SupplierService
	matchRepo repos.SupplierMatchRepo
	orgID     uuid.UUID
	jobID     uuid.UUID
}

func newSupplierHarness(t *testing.T) *supplierHarness {
	t.Helper()
	gdb := newTestDB(t)
	log := logger.NewNop()
	supplierRepo := repos.NewSupplierRepo(gdb, log)
	matchRepo := repos.NewSupplierMatchRepo(gdb, log)
	resultRepo := repos.NewExtractionResultRepo(gdb, log)

	orgID := uuid.New()
	schemaRow := &types.SchemaVersion{
		OrganizationID:   orgID,
		SchemaIdentifier: "testschema",
		Version:          1,
		Name:             "materials",
		Definition:       datatypes.JSON(`{"type":"object","properties":{"itemName":{"type":"string"}}}`),
	}
	if err := gdb.Create(schemaRow).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	job := &types.ExtractionJob{OrganizationID: orgID, SchemaID: schemaRow.ID, Status: types.JobStatusCompleted}
	if err := gdb.Create(job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	return &supplierHarness{
		gdb:       gdb,
		svc:       NewSupplierService(gdb, log, supplierRepo, matchRepo, resultRepo),
		matchRepo: matchRepo,
		orgID:     orgID,
		jobID:     job.ID,
	}
}

func (h *supplierHarness) addResult(t *testing.T, fields map[string]any) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}
	result := &types.ExtractionResult{
		JobID:         h.jobID,
		PageNumber:    1,
		RawExtraction: datatypes.JSON(raw),
		Status:        types.ResultStatusPending,
	}
	if err := h.gdb.Create(result).Error; err != nil {
		t.Fatalf("create result: %v", err)
	}
	return result.ID
}

func (h *supplierHarness) addSupplier(t *testing.T, name string, materials []string) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(materials)
	if err != nil {
		t.Fatalf("marshal materials: %v", err)
	}
	supplier := &types.Supplier{OrganizationID: h.orgID, Name: name, Materials: datatypes.JSON(raw)}
	if err := h.gdb.Create(supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	return supplier.ID
}

func TestMatchSuppliersScoring(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	resultID := h.addResult(t, map[string]any{"itemName": "steel rebar 12mm"})
	fullID := h.addSupplier(t, "SteelWorks", []string{"steel rebar", "12mm bars"})
	partialID := h.addSupplier(t, "PartialCo", []string{"steel pipes"})
	noneID := h.addSupplier(t, "WoodSupply", []string{"timber", "plywood"})

	matches, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID)
	if err != nil {
		t.Fatalf("MatchSuppliers: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches: want=3 got=%d", len(matches))
	}
	byID := map[uuid.UUID]*types.SupplierMatch{}
	for _, m := range matches {
		if m.ExtractionResultID != resultID {
			t.Fatalf("match for wrong result: %+v", m)
		}
		byID[m.SupplierID] = m
	}
	// Tokens: steel, rebar, 12mm. Full covers 3/3, partial 1/3, none 0/3.
	if got := byID[fullID].ConfidenceScore; got != 1.0 {
		t.Fatalf("full match score: want=1 got=%v", got)
	}
	if got := byID[partialID].ConfidenceScore; got < 0.3 || got > 0.4 {
		t.Fatalf("partial match score: want~1/3 got=%v", got)
	}
	if got := byID[noneID].ConfidenceScore; got != 0 {
		t.Fatalf("no match score: want=0 got=%v", got)
	}
	if byID[noneID].MatchReason == "" || byID[fullID].MatchReason == "" {
		t.Fatalf("match reason missing")
	}
}

func TestMatchSuppliersTieBreakByName(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	h.addResult(t, map[string]any{"itemName": "steel rebar"})
	h.addSupplier(t, "Zeta Steel", []string{"steel rebar"})
	h.addSupplier(t, "Alpha Steel", []string{"steel rebar"})

	matches, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID)
	if err != nil {
		t.Fatalf("MatchSuppliers: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches: want=2 got=%d", len(matches))
	}
	if matches[0].ConfidenceScore != matches[1].ConfidenceScore {
		t.Fatalf("expected tied scores, got %v and %v", matches[0].ConfidenceScore, matches[1].ConfidenceScore)
	}
	first, err := repos.NewSupplierRepo(h.gdb, logger.NewNop()).GetByID(ctx, nil, matches[0].SupplierID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if first.Name != "Alpha Steel" {
		t.Fatalf("tie-break: want Alpha Steel first, got %s", first.Name)
	}
}

func TestMatchSuppliersRerunReplaces(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	resultID := h.addResult(t, map[string]any{"itemName": "steel rebar"})
	h.addSupplier(t, "SteelWorks", []string{"steel rebar"})

	if _, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID); err != nil {
		t.Fatalf("first MatchSuppliers: %v", err)
	}
	if _, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID); err != nil {
		t.Fatalf("second MatchSuppliers: %v", err)
	}
	rows, err := h.svc.ListMatches(ctx, resultID)
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rerun must replace, not accumulate: got %d rows", len(rows))
	}
}

func TestSelectSupplierSingleSelection(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	resultID := h.addResult(t, map[string]any{"itemName": "steel rebar"})
	firstID := h.addSupplier(t, "First", []string{"steel rebar"})
	secondID := h.addSupplier(t, "Second", []string{"steel"})
	if _, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID); err != nil {
		t.Fatalf("MatchSuppliers: %v", err)
	}

	userID := uuid.New()
	selected, err := h.svc.SelectSupplier(ctx, resultID, firstID, userID)
	if err != nil {
		t.Fatalf("SelectSupplier: %v", err)
	}
	if !selected.IsSelected || selected.SelectedByID == nil || *selected.SelectedByID != userID || selected.SelectedAt == nil {
		t.Fatalf("selection fields wrong: %+v", selected)
	}

	// Re-selecting a different supplier moves the flag.
	if _, err := h.svc.SelectSupplier(ctx, resultID, secondID, userID); err != nil {
		t.Fatalf("second SelectSupplier: %v", err)
	}
	rows, err := h.svc.ListMatches(ctx, resultID)
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	selectedCount := 0
	for _, m := range rows {
		if m.IsSelected {
			selectedCount++
			if m.SupplierID != secondID {
				t.Fatalf("wrong supplier selected: %+v", m)
			}
		}
	}
	if selectedCount != 1 {
		t.Fatalf("selected rows: want=1 got=%d", selectedCount)
	}
}

func TestSelectSupplierConcurrentCallsKeepInvariant(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	resultID := h.addResult(t, map[string]any{"itemName": "steel rebar"})
	supplierIDs := []uuid.UUID{
		h.addSupplier(t, "A", []string{"steel"}),
		h.addSupplier(t, "B", []string{"rebar"}),
		h.addSupplier(t, "C", []string{"steel rebar"}),
	}
	if _, err := h.svc.MatchSuppliers(ctx, h.jobID, h.orgID); err != nil {
		t.Fatalf("MatchSuppliers: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		supplierID := supplierIDs[i%len(supplierIDs)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.SelectSupplier(ctx, resultID, supplierID, uuid.New())
		}()
	}
	wg.Wait()

	rows, err := h.svc.ListMatches(ctx, resultID)
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	selectedCount := 0
	for _, m := range rows {
		if m.IsSelected {
			selectedCount++
		}
	}
	if selectedCount != 1 {
		t.Fatalf("selected rows after concurrent selects: want=1 got=%d", selectedCount)
	}
}

func TestSelectSupplierErrors(t *testing.T) {
	h := newSupplierHarness(t)
	ctx := context.Background()

	resultID := h.addResult(t, map[string]any{"itemName": "steel rebar"})
	supplierID := h.addSupplier(t, "SteelWorks", []string{"steel rebar"})

	if _, err := h.svc.SelectSupplier(ctx, uuid.Nil, supplierID, uuid.New()); !apperr.IsValidation(err) {
		t.Fatalf("nil result: want validation, got %v", err)
	}
	if _, err := h.svc.SelectSupplier(ctx, resultID, uuid.Nil, uuid.New()); !apperr.IsValidation(err) {
		t.Fatalf("nil supplier: want validation, got %v", err)
	}
	if _, err := h.svc.SelectSupplier(ctx, uuid.New(), supplierID, uuid.New()); !apperr.IsNotFound(err) {
		t.Fatalf("absent result: want not found, got %v", err)
	}
	if _, err := h.svc.SelectSupplier(ctx, resultID, uuid.New(), uuid.New()); !apperr.IsNotFound(err) {
		t.Fatalf("absent supplier: want not found, got %v", err)
	}
	// A real supplier with no scored match for the result is also not found.
	if _, err := h.svc.SelectSupplier(ctx, resultID, supplierID, uuid.New()); !apperr.IsNotFound(err) {
		t.Fatalf("unmatched pair: want not found, got %v", err)
	}
}
