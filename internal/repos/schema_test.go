package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/types"
)

func schemaRow(orgID uuid.UUID, identifier string, version int) *types.SchemaVersion {
	return &types.SchemaVersion{
		OrganizationID:   orgID,
		SchemaIdentifier: identifier,
		Version:          version,
		Name:             "materials",
		Definition:       datatypes.JSON(`{"type":"object","properties":{"itemName":{"type":"string"}}}`),
	}
}

func TestGetLatestByIdentifierPicksHighestVersion(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewSchemaRepo(gdb, logger.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	for _, v := range []int{1, 3, 2} {
		if _, err := repo.Create(ctx, nil, schemaRow(orgID, "familyident", v)); err != nil {
			t.Fatalf("Create v%d: %v", v, err)
		}
	}
	latest, err := repo.GetLatestByIdentifier(ctx, nil, orgID, "familyident")
	if err != nil {
		t.Fatalf("GetLatestByIdentifier: %v", err)
	}
	if latest == nil || latest.Version != 3 {
		t.Fatalf("latest version: want=3 got=%+v", latest)
	}

	// Same identifier under another organization is a different family.
	other, err := repo.GetLatestByIdentifier(ctx, nil, uuid.New(), "familyident")
	if err != nil {
		t.Fatalf("GetLatestByIdentifier other org: %v", err)
	}
	if other != nil {
		t.Fatalf("identifier must be org-scoped, got %+v", other)
	}
}

func TestIdentifierAndNameVersionExists(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewSchemaRepo(gdb, logger.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	if _, err := repo.Create(ctx, nil, schemaRow(orgID, "familyident", 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	taken, err := repo.IdentifierExists(ctx, nil, orgID, "familyident")
	if err != nil {
		t.Fatalf("IdentifierExists: %v", err)
	}
	if !taken {
		t.Fatalf("identifier should exist")
	}
	free, err := repo.IdentifierExists(ctx, nil, orgID, "otheridentx")
	if err != nil {
		t.Fatalf("IdentifierExists: %v", err)
	}
	if free {
		t.Fatalf("unused identifier reported taken")
	}

	dup, err := repo.NameVersionExists(ctx, nil, orgID, "materials", 1)
	if err != nil {
		t.Fatalf("NameVersionExists: %v", err)
	}
	if !dup {
		t.Fatalf("name+version should exist")
	}
	missing, err := repo.NameVersionExists(ctx, nil, orgID, "materials", 2)
	if err != nil {
		t.Fatalf("NameVersionExists: %v", err)
	}
	if missing {
		t.Fatalf("absent version reported existing")
	}
}

func TestDeleteFamilyRemovesAllVersions(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewSchemaRepo(gdb, logger.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	for v := 1; v <= 3; v++ {
		if _, err := repo.Create(ctx, nil, schemaRow(orgID, "familyident", v)); err != nil {
			t.Fatalf("Create v%d: %v", v, err)
		}
	}
	if _, err := repo.Create(ctx, nil, schemaRow(orgID, "otherfamily", 1)); err != nil {
		t.Fatalf("Create other: %v", err)
	}

	if err := repo.DeleteFamily(ctx, nil, orgID, "familyident"); err != nil {
		t.Fatalf("DeleteFamily: %v", err)
	}
	gone, err := repo.ListVersions(ctx, nil, orgID, "familyident")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("family not deleted: %d versions remain", len(gone))
	}
	kept, err := repo.ListVersions(ctx, nil, orgID, "otherfamily")
	if err != nil {
		t.Fatalf("ListVersions other: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("unrelated family touched: %d versions", len(kept))
	}
}
