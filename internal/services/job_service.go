package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/planloom/extraction-backend/internal/extraction"
	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/schema"
	"github.com/planloom/extraction-backend/internal/types"
)

// JobResults is the read model for a finished (or in-flight) job.
type JobResults struct {
	Results []*types.ExtractionResult `json:"results"`
	Schema  *types.SchemaVersion      `json:"schema"`
}

type JobService interface {
	StartExtractionJob(ctx context.Context, orgID, userID uuid.UUID, dataLayerIDs []uuid.UUID, schemaID uuid.UUID) (*types.ExtractionJob, error)
	ProcessJob(ctx context.Context, jobID uuid.UUID) error
	GetJobResults(ctx context.Context, jobID uuid.UUID) (*JobResults, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	AppendJobLog(ctx context.Context, jobID uuid.UUID, entry types.JobLogEntry)
}

type jobService struct {
	db         *gorm.DB
	log        *logger.Logger
	jobRepo    repos.ExtractionJobRepo
	resultRepo repos.ExtractionResultRepo
	schemaSvc  SchemaService

	llm      LLMClient
	store    DocumentStore
	renderer DocumentRenderer
	parser   *extraction.Parser
	agents   *extraction.AgentPipeline
	notify   JobNotifier

	layerConcurrency int
	externalTimeout  time.Duration
}

func NewJobService(
	db *gorm.DB,
	log *logger.Logger,
	jobRepo repos.ExtractionJobRepo,
	resultRepo repos.ExtractionResultRepo,
	schemaSvc SchemaService,
	llm LLMClient,
	store DocumentStore,
	renderer DocumentRenderer,
	parser *extraction.Parser,
	agents *extraction.AgentPipeline,
	notify JobNotifier,
	layerConcurrency int,
	externalTimeout time.Duration,
) JobService {
	if layerConcurrency < 1 {
		layerConcurrency = 1
	}
	return &jobService{
		db:               db,
		log:              log.With("service", "JobService"),
		jobRepo:          jobRepo,
		resultRepo:       resultRepo,
		schemaSvc:        schemaSvc,
		llm:              llm,
		store:            store,
		renderer:         renderer,
		parser:           parser,
		agents:           agents,
		notify:           notify,
		layerConcurrency: layerConcurrency,
		externalTimeout:  externalTimeout,
	}
}

func (s *jobService) StartExtractionJob(ctx context.Context, orgID, userID uuid.UUID, dataLayerIDs []uuid.UUID, schemaID uuid.UUID) (*types.ExtractionJob, error) {
	if orgID == uuid.Nil {
		return nil, apperr.Validation("organization id required")
	}
	if len(dataLayerIDs) == 0 {
		return nil, apperr.Validation("at least one data layer required")
	}
	schemaRow, err := s.schemaSvc.GetByID(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if schemaRow.OrganizationID != orgID {
		return nil, apperr.NotFound("schema %s not found", schemaID)
	}

	job := &types.ExtractionJob{
		OrganizationID: orgID,
		SchemaID:       schemaRow.ID,
		CreatedByID:    userID,
		Status:         types.JobStatusQueued,
		Meta: map[string]interface{}{
			"isBatchJob": len(dataLayerIDs) > 1,
		},
	}
	layers := make([]*types.JobDataLayer, 0, len(dataLayerIDs))
	for i, dlID := range dataLayerIDs {
		layers = append(layers, &types.JobDataLayer{
			DataLayerID:     dlID,
			ProcessingOrder: i,
			SubStatus:       types.LayerStatusPending,
		})
	}
	created, err := s.jobRepo.CreateWithLayers(ctx, nil, job, layers)
	if err != nil {
		return nil, err
	}
	s.notify.JobCreated(ctx, created)
	s.AppendJobLog(ctx, created.ID, types.JobLogEntry{
		At:      time.Now(),
		Level:   "info",
		Message: fmt.Sprintf("job queued with %d data layer(s)", len(layers)),
	})
	return created, nil
}

// ProcessJob drives every data layer of one job through the pipeline.
// Layer failures stay on the layer; the job only fails for faults that
// make the whole run meaningless (schema unloadable/uncompilable, or
// every single layer failing).
func (s *jobService) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperr.NotFound("job %s not found", jobID)
	}
	switch job.Status {
	case types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled:
		return nil
	}

	schemaRow, compiled, agentDefs, err := s.loadSchema(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("schema unusable: %v", err))
		return err
	}

	layers, err := s.jobRepo.GetLayers(ctx, nil, job.ID)
	if err != nil {
		return err
	}
	if len(layers) == 0 {
		s.failJob(ctx, job.ID, "job has no data layers")
		return apperr.Validation("job %s has no data layers", job.ID)
	}

	if job.Status == types.JobStatusQueued {
		now := time.Now()
		if err := s.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
			"status":     types.JobStatusRunning,
			"started_at": now,
		}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.layerConcurrency)

	for _, layer := range layers {
		layer := layer
		if layer.SubStatus == types.LayerStatusCompleted || layer.SubStatus == types.LayerStatusFailed {
			continue
		}
		g.Go(func() error {
			// Cancellation is advisory: it gates scheduling, it does not
			// pre-empt in-flight external calls.
			if s.isCancelled(gctx, job.ID) {
				return nil
			}
			if err := s.processLayer(gctx, job, schemaRow, compiled, agentDefs, layer); err != nil {
				s.markLayerFailed(gctx, job.ID, layer, err)
			}
			s.bumpProgress(gctx, job.ID)
			return nil
		})
	}
	// Workers never return errors; partial failure is recorded per layer.
	_ = g.Wait()

	return s.finalizeJob(ctx, job.ID)
}

func (s *jobService) loadSchema(ctx context.Context, job *types.ExtractionJob) (*types.SchemaVersion, *schema.CompiledSchema, []types.AgentDefinition, error) {
	schemaRow, err := s.schemaSvc.GetByID(ctx, job.SchemaID)
	if err != nil {
		return nil, nil, nil, err
	}
	compiled, err := s.schemaSvc.CompileDefinition(schemaRow.Definition)
	if err != nil {
		return nil, nil, nil, err
	}
	var agentDefs []types.AgentDefinition
	if len(schemaRow.Agents) > 0 {
		if err := json.Unmarshal(schemaRow.Agents, &agentDefs); err != nil {
			return nil, nil, nil, apperr.Validation("stored agents are unreadable: %v", err)
		}
	}
	return schemaRow, compiled, agentDefs, nil
}

func (s *jobService) processLayer(ctx context.Context, job *types.ExtractionJob, schemaRow *types.SchemaVersion, compiled *schema.CompiledSchema, agentDefs []types.AgentDefinition, layer *types.JobDataLayer) error {
	if err := s.jobRepo.UpdateLayerFields(ctx, nil, layer.ID, map[string]interface{}{
		"sub_status": types.LayerStatusProcessing,
	}); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.externalTimeout)
	data, mimeType, err := s.store.FetchBytes(fetchCtx, layer.DataLayerID)
	cancel()
	if err != nil {
		return apperr.New(apperr.KindTransientExternal, "document_fetch", err)
	}

	countCtx, cancel := context.WithTimeout(ctx, s.externalTimeout)
	pageCount, err := s.renderer.PageCount(countCtx, data, mimeType)
	cancel()
	if err != nil {
		return apperr.New(apperr.KindTransientExternal, "page_count", err)
	}
	if pageCount < 1 {
		pageCount = 1
	}
	if err := s.jobRepo.UpdateLayerFields(ctx, nil, layer.ID, map[string]interface{}{
		"page_count": pageCount,
	}); err != nil {
		return err
	}
	// Layer-scoped meta keys are disjoint per worker; the merge must not
	// clobber the other workers' keys.
	s.mergeMeta(ctx, job.ID, map[string]interface{}{
		fmt.Sprintf("layer_%d_pages", layer.ProcessingOrder): pageCount,
	})

	pageFailures := 0
	// Rendering is sequential within a document; concurrency lives at the
	// layer level.
	for page := 1; page <= pageCount; page++ {
		if s.isCancelled(ctx, job.ID) {
			return nil
		}
		if err := s.processPage(ctx, job, schemaRow, compiled, agentDefs, layer, data, mimeType, page); err != nil {
			pageFailures++
			s.AppendJobLog(ctx, job.ID, types.JobLogEntry{
				At:      time.Now(),
				Level:   "warn",
				Message: fmt.Sprintf("layer %d page %d failed: %v", layer.ProcessingOrder, page, err),
			})
			continue
		}
		s.mergeMeta(ctx, job.ID, map[string]interface{}{
			fmt.Sprintf("layer_%d_pages_done", layer.ProcessingOrder): page,
		})
	}
	if pageFailures == pageCount {
		return apperr.New(apperr.KindTransientExternal, "all_pages_failed",
			fmt.Errorf("all %d page(s) failed", pageCount))
	}

	return s.jobRepo.UpdateLayerFields(ctx, nil, layer.ID, map[string]interface{}{
		"sub_status": types.LayerStatusCompleted,
	})
}

func (s *jobService) processPage(ctx context.Context, job *types.ExtractionJob, schemaRow *types.SchemaVersion, compiled *schema.CompiledSchema, agentDefs []types.AgentDefinition, layer *types.JobDataLayer, data []byte, mimeType string, page int) error {
	renderCtx, cancel := context.WithTimeout(ctx, s.externalTimeout)
	rendered, err := s.renderer.PageToImage(renderCtx, data, mimeType, page)
	cancel()
	if err != nil {
		return apperr.New(apperr.KindTransientExternal, "page_render", err)
	}

	systemPrompt, userPrompt := buildExtractionPrompts(schemaRow, compiled, page)
	askCtx, cancel := context.WithTimeout(ctx, s.externalTimeout)
	raw, err := s.llm.Ask(askCtx, systemPrompt, userPrompt, []Attachment{{
		MimeType: rendered.MimeType,
		DataURL:  rendered.DataURL,
	}}, compiled.Document)
	cancel()
	if err != nil {
		return err
	}

	items := s.parser.ParseDynamicResponse(raw, compiled)
	if len(items) == 0 {
		// Nothing extractable on a page is a valid outcome.
		return nil
	}

	items, metas := s.agents.Run(ctx, agentDefs, compiled, items)
	for _, meta := range metas {
		if meta.Status != extraction.AgentStatusSuccess {
			s.AppendJobLog(ctx, job.ID, types.JobLogEntry{
				At:      time.Now(),
				Level:   "warn",
				Message: fmt.Sprintf("agent %q degraded on layer %d page %d", meta.AgentName, layer.ProcessingOrder, page),
				Data:    meta,
			})
		}
	}

	results := make([]*types.ExtractionResult, 0, len(items))
	for _, item := range items {
		row, aerr := extraction.AssembleResult(job.ID, item, page)
		if aerr != nil {
			return aerr
		}
		results = append(results, row)
	}
	_, err = s.resultRepo.CreateBatch(ctx, nil, results)
	return err
}

// bumpProgress recomputes the scalar from terminal layers. Last writer
// wins by design; layers only move toward terminal states so the value
// is effectively monotone.
func (s *jobService) bumpProgress(ctx context.Context, jobID uuid.UUID) {
	layers, err := s.jobRepo.GetLayers(ctx, nil, jobID)
	if err != nil || len(layers) == 0 {
		return
	}
	terminal := 0
	for _, l := range layers {
		if l.SubStatus == types.LayerStatusCompleted || l.SubStatus == types.LayerStatusFailed {
			terminal++
		}
	}
	progress := terminal * 100 / len(layers)
	if err := s.jobRepo.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"progress_percentage": progress,
	}); err != nil {
		s.log.Warn("progress update failed", "job_id", jobID, "error", err.Error())
		return
	}
	s.notify.JobProgress(ctx, jobID, progress, fmt.Sprintf("%d/%d data layers done", terminal, len(layers)))
}

func (s *jobService) finalizeJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status == types.JobStatusCancelled {
		return nil
	}
	layers, err := s.jobRepo.GetLayers(ctx, nil, jobID)
	if err != nil {
		return err
	}
	total, completed, failed := len(layers), 0, 0
	totalPages := 0
	for _, l := range layers {
		switch l.SubStatus {
		case types.LayerStatusCompleted:
			completed++
		case types.LayerStatusFailed:
			failed++
		}
		totalPages += l.PageCount
	}
	s.mergeMeta(ctx, jobID, map[string]interface{}{"totalPages": totalPages})

	if completed+failed < total {
		// Cancelled mid-run; remaining layers were never scheduled.
		return nil
	}
	if failed == total {
		s.failJob(ctx, jobID, "all data layers failed")
		return nil
	}
	now := time.Now()
	if err := s.jobRepo.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"status":              types.JobStatusCompleted,
		"progress_percentage": 100,
		"finished_at":         now,
	}); err != nil {
		return err
	}
	s.notify.JobDone(ctx, jobID, types.JobStatusCompleted)
	return nil
}

func (s *jobService) GetJobResults(ctx context.Context, jobID uuid.UUID) (*JobResults, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	results, err := s.resultRepo.ListByJob(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	schemaRow, err := s.schemaSvc.GetByID(ctx, job.SchemaID)
	if err != nil {
		return nil, err
	}
	return &JobResults{Results: results, Schema: schemaRow}, nil
}

func (s *jobService) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperr.NotFound("job %s not found", jobID)
	}
	switch job.Status {
	case types.JobStatusCancelled:
		return nil
	case types.JobStatusCompleted, types.JobStatusFailed:
		return apperr.Conflict("job %s already %s", jobID, job.Status)
	}
	now := time.Now()
	if err := s.jobRepo.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"status":      types.JobStatusCancelled,
		"finished_at": now,
	}); err != nil {
		return err
	}
	s.notify.JobDone(ctx, jobID, types.JobStatusCancelled)
	return nil
}

// AppendJobLog is best-effort: logging must never abort extraction, so
// persistence failures are swallowed here.
func (s *jobService) AppendJobLog(ctx context.Context, jobID uuid.UUID, entry types.JobLogEntry) {
	if err := s.jobRepo.AppendLog(ctx, nil, jobID, entry); err != nil {
		s.log.Warn("job log append failed", "job_id", jobID, "error", err.Error())
	}
}

func (s *jobService) mergeMeta(ctx context.Context, jobID uuid.UUID, patch map[string]interface{}) {
	if err := s.jobRepo.MergeMeta(ctx, nil, jobID, patch); err != nil {
		s.log.Warn("meta merge failed", "job_id", jobID, "error", err.Error())
	}
}

func (s *jobService) isCancelled(ctx context.Context, jobID uuid.UUID) bool {
	if ctx.Err() != nil {
		return true
	}
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == types.JobStatusCancelled
}

func (s *jobService) markLayerFailed(ctx context.Context, jobID uuid.UUID, layer *types.JobDataLayer, cause error) {
	if uerr := s.jobRepo.UpdateLayerFields(ctx, nil, layer.ID, map[string]interface{}{
		"sub_status":    types.LayerStatusFailed,
		"error_message": cause.Error(),
	}); uerr != nil {
		s.log.Error("layer failure could not be recorded", "layer_id", layer.ID, "error", uerr.Error())
	}
	s.notify.LayerFailed(ctx, jobID, layer.ID, cause.Error())
	s.AppendJobLog(ctx, jobID, types.JobLogEntry{
		At:      time.Now(),
		Level:   "error",
		Message: fmt.Sprintf("data layer %d failed: %v", layer.ProcessingOrder, cause),
	})
}

func (s *jobService) failJob(ctx context.Context, jobID uuid.UUID, message string) {
	now := time.Now()
	if err := s.jobRepo.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error_message": message,
		"finished_at":   now,
	}); err != nil {
		s.log.Error("job failure could not be recorded", "job_id", jobID, "error", err.Error())
	}
	s.notify.JobDone(ctx, jobID, types.JobStatusFailed)
}

// buildExtractionPrompts assembles the model instructions for one page.
// The schema's own prompt wins when set; the fallback describes the
// flattened properties and the expected envelope.
func buildExtractionPrompts(schemaRow *types.SchemaVersion, compiled *schema.CompiledSchema, page int) (string, string) {
	system := schemaRow.Prompt
	if strings.TrimSpace(system) == "" {
		var b strings.Builder
		b.WriteString("You extract structured line items from construction documents.\n")
		b.WriteString("Return JSON shaped as {\"materials\": [...]}. Each item carries the extracted fields plus ")
		b.WriteString("\"sourceText\" (verbatim snippet), \"location\", \"pageNumber\" and \"confidence\" (0..1).\n")
		b.WriteString("Fields:\n")
		for _, prop := range compiled.Properties {
			b.WriteString("- ")
			b.WriteString(prop.Path)
			if prop.Type != "" {
				b.WriteString(" (" + prop.Type + ")")
			}
			if prop.Required {
				b.WriteString(" [required]")
			}
			if prop.Description != "" {
				b.WriteString(": " + prop.Description)
			}
			b.WriteString("\n")
		}
		system = b.String()
	}
	user := fmt.Sprintf("Extract all items from page %d of the attached document.", page)
	if len(schemaRow.Examples) > 0 {
		user += "\nExamples of expected output:\n" + string(schemaRow.Examples)
	}
	return system, user
}
