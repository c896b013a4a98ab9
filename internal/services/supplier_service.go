package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/types"
)

type SupplierService interface {
	MatchSuppliers(ctx context.Context, jobID, orgID uuid.UUID) ([]*types.SupplierMatch, error)
	SelectSupplier(ctx context.Context, resultID, supplierID, userID uuid.UUID) (*types.SupplierMatch, error)
	ListMatches(ctx context.Context, resultID uuid.UUID) ([]*types.SupplierMatch, error)
}

type supplierService struct {
	db           *gorm.DB
	log          *logger.Logger
	supplierRepo repos.SupplierRepo
	matchRepo    repos.SupplierMatchRepo
	resultRepo   repos.ExtractionResultRepo
}

func NewSupplierService(db *gorm.DB, log *logger.Logger, supplierRepo repos.SupplierRepo, matchRepo repos.SupplierMatchRepo, resultRepo repos.ExtractionResultRepo) SupplierService {
	return &supplierService{
		db:           db,
		log:          log.With("service", "SupplierService"),
		supplierRepo: supplierRepo,
		matchRepo:    matchRepo,
		resultRepo:   resultRepo,
	}
}

// MatchSuppliers scores every supplier in the organization's catalog
// against every result of the job and persists the full scored set,
// replacing whatever a previous run wrote. Score is token overlap
// normalized by the result's token count, so a supplier that covers
// everything the result mentions scores 1.0.
func (s *supplierService) MatchSuppliers(ctx context.Context, jobID, orgID uuid.UUID) ([]*types.SupplierMatch, error) {
	if jobID == uuid.Nil {
		return nil, apperr.Validation("job id required")
	}
	if orgID == uuid.Nil {
		return nil, apperr.Validation("organization id required")
	}
	results, err := s.resultRepo.ListByJob(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	suppliers, err := s.supplierRepo.ListByOrganization(ctx, nil, orgID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(suppliers) == 0 {
		s.log.Info("nothing to match", "job_id", jobID, "results", len(results), "suppliers", len(suppliers))
		return nil, nil
	}

	resultIDs := make([]uuid.UUID, 0, len(results))
	matches := make([]*types.SupplierMatch, 0, len(results)*len(suppliers))
	for _, result := range results {
		resultIDs = append(resultIDs, result.ID)
		resultTokens := resultMaterialTokens(result)
		scored := make([]*types.SupplierMatch, 0, len(suppliers))
		for _, supplier := range suppliers {
			score, overlap := scoreOverlap(resultTokens, supplierTokens(supplier))
			scored = append(scored, &types.SupplierMatch{
				ExtractionResultID: result.ID,
				SupplierID:         supplier.ID,
				ConfidenceScore:    score,
				MatchReason:        matchReason(supplier.Name, overlap, len(resultTokens)),
			})
		}
		// ListByOrganization returns suppliers name-ascending, so a
		// stable sort on score alone keeps name order among ties.
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].ConfidenceScore > scored[j].ConfidenceScore
		})
		matches = append(matches, scored...)
	}
	return s.matchRepo.ReplaceForResults(ctx, nil, resultIDs, matches)
}

func (s *supplierService) SelectSupplier(ctx context.Context, resultID, supplierID, userID uuid.UUID) (*types.SupplierMatch, error) {
	if resultID == uuid.Nil {
		return nil, apperr.Validation("result id required")
	}
	if supplierID == uuid.Nil {
		return nil, apperr.Validation("supplier id required")
	}
	result, err := s.resultRepo.GetByID(ctx, nil, resultID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apperr.NotFound("extraction result %s not found", resultID)
	}
	supplier, err := s.supplierRepo.GetByID(ctx, nil, supplierID)
	if err != nil {
		return nil, err
	}
	if supplier == nil {
		return nil, apperr.NotFound("supplier %s not found", supplierID)
	}
	selected, err := s.matchRepo.Select(ctx, nil, resultID, supplierID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no match between result %s and supplier %s", resultID, supplierID)
		}
		return nil, err
	}
	return selected, nil
}

func (s *supplierService) ListMatches(ctx context.Context, resultID uuid.UUID) ([]*types.SupplierMatch, error) {
	if resultID == uuid.Nil {
		return nil, apperr.Validation("result id required")
	}
	return s.matchRepo.ListByResult(ctx, nil, resultID)
}

// materialFieldNames are the result fields whose values describe what the
// item physically is. Other fields (quantities, locations) only add noise
// to catalog matching.
var materialFieldNames = []string{"itemName", "material", "materialName", "description", "name", "product"}

func resultMaterialTokens(result *types.ExtractionResult) map[string]struct{} {
	tokens := map[string]struct{}{}
	if len(result.RawExtraction) == 0 {
		return tokens
	}
	var fields map[string]any
	if err := json.Unmarshal(result.RawExtraction, &fields); err != nil {
		return tokens
	}
	for _, name := range materialFieldNames {
		if v, ok := fields[name]; ok {
			if text, ok := v.(string); ok {
				addTokens(tokens, text)
			}
		}
	}
	return tokens
}

func supplierTokens(supplier *types.Supplier) map[string]struct{} {
	tokens := map[string]struct{}{}
	if len(supplier.Materials) == 0 {
		return tokens
	}
	var materials []string
	if err := json.Unmarshal(supplier.Materials, &materials); err != nil {
		return tokens
	}
	for _, m := range materials {
		addTokens(tokens, m)
	}
	return tokens
}

func addTokens(into map[string]struct{}, text string) {
	for _, tok := range tokenize(text) {
		into[tok] = struct{}{}
	}
}

// tokenize lowercases and splits on anything that is not a letter or
// digit. Single-character tokens are dropped; they match everything.
func tokenize(text string) []string {
	parts := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := parts[:0]
	for _, p := range parts {
		if len(p) > 1 {
			out = append(out, p)
		}
	}
	return out
}

func scoreOverlap(resultTokens, supplierToks map[string]struct{}) (float64, []string) {
	if len(resultTokens) == 0 {
		return 0, nil
	}
	overlap := make([]string, 0, len(resultTokens))
	for tok := range resultTokens {
		if _, ok := supplierToks[tok]; ok {
			overlap = append(overlap, tok)
		}
	}
	sort.Strings(overlap)
	return float64(len(overlap)) / float64(len(resultTokens)), overlap
}

func matchReason(supplierName string, overlap []string, resultTokenCount int) string {
	if len(overlap) == 0 {
		return fmt.Sprintf("%s offers no listed material matching this item", supplierName)
	}
	return fmt.Sprintf("%s matches %d of %d item term(s): %s",
		supplierName, len(overlap), resultTokenCount, strings.Join(overlap, ", "))
}
