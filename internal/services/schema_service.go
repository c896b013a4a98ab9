package services

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/schema"
	"github.com/planloom/extraction-backend/internal/types"
)

// SchemaUpdates carries the partial fields for a new schema version.
// Nil fields are carried over unchanged from the current version; this
// is a field-level merge, never a replace.
type SchemaUpdates struct {
	Name       *string
	Definition map[string]any
	Prompt     *string
	Examples   []any
	Agents     *[]types.AgentDefinition
}

type SchemaService interface {
	CreateSchema(ctx context.Context, orgID uuid.UUID, name string, version int, definition map[string]any, prompt string, examples []any, agents []types.AgentDefinition) (*types.SchemaVersion, error)
	CreateNewVersion(ctx context.Context, schemaID uuid.UUID, updates SchemaUpdates) (*types.SchemaVersion, error)
	DeleteAllVersions(ctx context.Context, orgID uuid.UUID, identifier string) (deletedJobsCount int64, err error)
	GetByID(ctx context.Context, schemaID uuid.UUID) (*types.SchemaVersion, error)
	CompileDefinition(raw datatypes.JSON) (*schema.CompiledSchema, error)
}

type schemaService struct {
	db         *gorm.DB
	log        *logger.Logger
	schemaRepo repos.SchemaRepo
	jobRepo    repos.ExtractionJobRepo

	byteCap   int
	idRetries int
	rnd       schema.RandSource
}

func NewSchemaService(db *gorm.DB, log *logger.Logger, schemaRepo repos.SchemaRepo, jobRepo repos.ExtractionJobRepo, byteCap, idRetries int, rnd schema.RandSource) SchemaService {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &schemaService{
		db:         db,
		log:        log.With("service", "SchemaService"),
		schemaRepo: schemaRepo,
		jobRepo:    jobRepo,
		byteCap:    byteCap,
		idRetries:  idRetries,
		rnd:        rnd,
	}
}

func (s *schemaService) CreateSchema(ctx context.Context, orgID uuid.UUID, name string, version int, definition map[string]any, prompt string, examples []any, agents []types.AgentDefinition) (*types.SchemaVersion, error) {
	if orgID == uuid.Nil {
		return nil, apperr.Validation("organization id required")
	}
	if name == "" {
		return nil, apperr.Validation("schema name required")
	}
	if version < 1 {
		version = 1
	}
	if err := schema.ValidateAgents(agents); err != nil {
		return nil, err
	}
	compiled, err := schema.Compile(definition, s.byteCap)
	if err != nil {
		return nil, err
	}

	dup, err := s.schemaRepo.NameVersionExists(ctx, nil, orgID, name, version)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, apperr.Conflict("schema %q version %d already exists", name, version)
	}

	identifier, err := schema.GenerateIdentifier(ctx, s.rnd, s.idRetries, func(ctx context.Context, id string) (bool, error) {
		return s.schemaRepo.IdentifierExists(ctx, nil, orgID, id)
	})
	if err != nil {
		return nil, err
	}

	row, err := s.buildRow(orgID, identifier, version, name, definition, compiled, prompt, examples, agents)
	if err != nil {
		return nil, err
	}
	created, err := s.schemaRepo.Create(ctx, nil, row)
	if err != nil {
		return nil, err
	}
	s.log.Info("schema created", "identifier", identifier, "version", version, "oversized", compiled.Oversized)
	return created, nil
}

// CreateNewVersion reads the family's current latest and inserts
// latest+1. The identifier never changes; absent update fields carry over.
func (s *schemaService) CreateNewVersion(ctx context.Context, schemaID uuid.UUID, updates SchemaUpdates) (*types.SchemaVersion, error) {
	current, err := s.schemaRepo.GetByID(ctx, nil, schemaID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.NotFound("schema %s not found", schemaID)
	}
	latest, err := s.schemaRepo.GetLatestByIdentifier(ctx, nil, current.OrganizationID, current.SchemaIdentifier)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		latest = current
	}

	name := latest.Name
	if updates.Name != nil {
		name = *updates.Name
	}
	prompt := latest.Prompt
	if updates.Prompt != nil {
		prompt = *updates.Prompt
	}

	definition := updates.Definition
	if definition == nil {
		if err := json.Unmarshal(latest.Definition, &definition); err != nil {
			return nil, apperr.Validation("stored definition for %s is unreadable: %v", latest.SchemaIdentifier, err)
		}
	}

	var examples []any
	if updates.Examples != nil {
		examples = updates.Examples
	} else if len(latest.Examples) > 0 {
		if err := json.Unmarshal(latest.Examples, &examples); err != nil {
			return nil, apperr.Validation("stored examples for %s are unreadable: %v", latest.SchemaIdentifier, err)
		}
	}

	var agents []types.AgentDefinition
	if updates.Agents != nil {
		agents = *updates.Agents
	} else if len(latest.Agents) > 0 {
		if err := json.Unmarshal(latest.Agents, &agents); err != nil {
			return nil, apperr.Validation("stored agents for %s are unreadable: %v", latest.SchemaIdentifier, err)
		}
	}

	if err := schema.ValidateAgents(agents); err != nil {
		return nil, err
	}
	compiled, err := schema.Compile(definition, s.byteCap)
	if err != nil {
		return nil, err
	}

	row, err := s.buildRow(latest.OrganizationID, latest.SchemaIdentifier, latest.Version+1, name, definition, compiled, prompt, examples, agents)
	if err != nil {
		return nil, err
	}
	created, err := s.schemaRepo.Create(ctx, nil, row)
	if err != nil {
		return nil, err
	}
	s.log.Info("schema version created", "identifier", latest.SchemaIdentifier, "version", created.Version)
	return created, nil
}

// DeleteAllVersions is a two-phase bulk op: count and delete the jobs
// referencing any version in the family, then delete the schema rows.
// There is no cross-phase atomicity: a failure between phases leaves the
// schema rows behind with their jobs already gone. At-least-once, not a
// transaction; callers get the pre-deletion job count either way.
func (s *schemaService) DeleteAllVersions(ctx context.Context, orgID uuid.UUID, identifier string) (int64, error) {
	if identifier == "" {
		return 0, apperr.Validation("schema identifier required")
	}
	versions, err := s.schemaRepo.ListVersions(ctx, nil, orgID, identifier)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, apperr.NotFound("schema family %q not found", identifier)
	}
	schemaIDs := make([]uuid.UUID, 0, len(versions))
	for _, v := range versions {
		schemaIDs = append(schemaIDs, v.ID)
	}

	count, err := s.jobRepo.CountBySchemaIDs(ctx, nil, schemaIDs)
	if err != nil {
		return 0, err
	}
	if err := s.jobRepo.DeleteBySchemaIDs(ctx, nil, schemaIDs); err != nil {
		return 0, err
	}
	if err := s.schemaRepo.DeleteFamily(ctx, nil, orgID, identifier); err != nil {
		return count, err
	}
	s.log.Info("schema family deleted", "identifier", identifier, "versions", len(versions), "jobs", count)
	return count, nil
}

func (s *schemaService) GetByID(ctx context.Context, schemaID uuid.UUID) (*types.SchemaVersion, error) {
	row, err := s.schemaRepo.GetByID(ctx, nil, schemaID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperr.NotFound("schema %s not found", schemaID)
	}
	return row, nil
}

// CompileDefinition rebuilds the compiled view from a stored definition.
func (s *schemaService) CompileDefinition(raw datatypes.JSON) (*schema.CompiledSchema, error) {
	var definition map[string]any
	if err := json.Unmarshal(raw, &definition); err != nil {
		return nil, apperr.Validation("stored definition is unreadable: %v", err)
	}
	return schema.Compile(definition, s.byteCap)
}

func (s *schemaService) buildRow(orgID uuid.UUID, identifier string, version int, name string, definition map[string]any, compiled *schema.CompiledSchema, prompt string, examples []any, agents []types.AgentDefinition) (*types.SchemaVersion, error) {
	rawDef, err := json.Marshal(definition)
	if err != nil {
		return nil, apperr.Validation("definition is not JSON-serializable: %v", err)
	}
	rawCompiled, err := json.Marshal(compiled)
	if err != nil {
		return nil, err
	}
	row := &types.SchemaVersion{
		OrganizationID:     orgID,
		SchemaIdentifier:   identifier,
		Version:            version,
		Name:               name,
		Definition:         datatypes.JSON(rawDef),
		CompiledJSONSchema: datatypes.JSON(rawCompiled),
		Prompt:             prompt,
	}
	if examples != nil {
		rawExamples, err := json.Marshal(examples)
		if err != nil {
			return nil, apperr.Validation("examples are not JSON-serializable: %v", err)
		}
		row.Examples = datatypes.JSON(rawExamples)
	}
	if agents != nil {
		rawAgents, err := json.Marshal(agents)
		if err != nil {
			return nil, err
		}
		row.Agents = datatypes.JSON(rawAgents)
	}
	return row, nil
}
