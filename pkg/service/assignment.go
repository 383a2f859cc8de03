package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// MetadataResolver looks up library metadata in the metadata manager.
// Implementations return an error wrapping a not-found sentinel for unknown
// libraries.
type MetadataResolver interface {
	ResolveLibrary(ctx context.Context, libraryID string) (models.LibraryMetadata, error)
}

// Skip reasons reported to Metrics.AnalysisRunSkipped.
const (
	SkipInvalidRecord = "invalid_record"
	SkipCatalogMiss   = "catalog_miss"
	SkipDuplicate     = "duplicate"
	SkipStoreError    = "store_error"
	SkipIneligible    = "ineligible_group"
	SkipUnresolved    = "unresolved_library"
)

// assignment is an AnalysisRun decided by a rule but not yet persisted.
type assignment struct {
	analysis  string
	approval  string // approval context name; empty for the unscoped variant
	compute   string
	storage   string
	libraries []models.LibraryMetadata
}

// name is the deterministic run name, which also serves as the idempotency
// key of the grouping.
func (a assignment) name() string {
	parts := []string{"automated", a.analysis}
	if a.approval != "" {
		parts = append(parts, a.approval)
	} else {
		parts = append(parts, a.compute)
	}
	for _, lib := range a.libraries {
		parts = append(parts, lib.LibraryID)
	}
	return strings.Join(parts, "__")
}

// AssignmentEngine decides which AnalysisRuns a batch of libraries warrants
// and creates them.
type AssignmentEngine struct {
	store   storage.Store
	catalog *CatalogCache
	logger  Logger
	opts    options
}

func NewAssignmentEngine(store storage.Store, catalog *CatalogCache, logger Logger, opts ...Option) *AssignmentEngine {
	return &AssignmentEngine{
		store:   store,
		catalog: catalog,
		logger:  logger,
		opts:    buildOptions(opts),
	}
}

// AssignLibraries resolves libraryIDs through resolver and assigns the
// resolved batch. Libraries that cannot be resolved are skipped; only
// cancellation of ctx aborts the batch.
func (e *AssignmentEngine) AssignLibraries(ctx context.Context, resolver MetadataResolver, libraryIDs []string) ([]models.AnalysisRun, error) {
	resolved := make([]*models.LibraryMetadata, len(libraryIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.resolveConcurrency)
	for i, id := range libraryIDs {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, e.opts.resolveTimeout)
			defer cancel()
			md, err := resolver.ResolveLibrary(rctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warnf("Skipping library %s: %v", id, err)
				e.opts.metrics.AnalysisRunSkipped(SkipUnresolved)
				return nil
			}
			resolved[i] = &md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "resolve library metadata")
	}

	batch := make([]models.LibraryMetadata, 0, len(resolved))
	for _, md := range resolved {
		if md != nil {
			batch = append(batch, *md)
		}
	}
	return e.Assign(ctx, batch)
}

// Assign evaluates every assignment rule against batch and creates the
// resulting AnalysisRuns. It returns the runs created by this call; runs that
// already existed are not returned. Per-item failures are logged and skipped.
// On cancellation the runs created so far are returned with ctx.Err().
func (e *AssignmentEngine) Assign(ctx context.Context, batch []models.LibraryMetadata) ([]models.AnalysisRun, error) {
	libs := e.validRecords(batch)

	var plans []assignment
	plans = append(plans, qcAssignments(libs)...)
	plans = append(plans, e.tumorNormalAssignments(libs)...)
	plans = append(plans, ctTSOAssignments(libs)...)

	created := []models.AnalysisRun{}
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		run, ok, err := e.materialize(ctx, plan)
		if err != nil {
			e.logger.Errorf("Failed to create analysis run %s: %v", plan.name(), err)
			e.opts.metrics.AnalysisRunSkipped(SkipStoreError)
			continue
		}
		if ok {
			created = append(created, run)
		}
	}
	e.logger.Infof("Assigned %d analysis run(s) for %d librar(ies)", len(created), len(libs))
	return created, nil
}

// validRecords drops malformed records and repeated library ids.
func (e *AssignmentEngine) validRecords(batch []models.LibraryMetadata) []models.LibraryMetadata {
	seen := make(map[string]bool, len(batch))
	out := make([]models.LibraryMetadata, 0, len(batch))
	for _, md := range batch {
		if err := md.Validate(); err != nil {
			e.logger.Warnf("Skipping library record: %v", err)
			e.opts.metrics.AnalysisRunSkipped(SkipInvalidRecord)
			continue
		}
		if seen[md.LibraryID] {
			continue
		}
		seen[md.LibraryID] = true
		out = append(out, md)
	}
	return out
}

func isClinical(md models.LibraryMetadata) bool {
	return strings.EqualFold(md.WorkflowContext, models.ClinicalWorkflow)
}

// qcAssignments gives every WGS and WTS library one QC run.
func qcAssignments(libs []models.LibraryMetadata) []assignment {
	var out []assignment
	for _, md := range libs {
		if !strings.EqualFold(md.Type, models.WGSLibraryType) && !strings.EqualFold(md.Type, models.WTSLibraryType) {
			continue
		}
		out = append(out, assignment{
			analysis:  models.QCAnalysisName,
			compute:   models.ResearchContext,
			storage:   models.ResearchContext,
			libraries: []models.LibraryMetadata{md},
		})
	}
	return out
}

// tumorNormalAssignments pairs WGS libraries per subject. A subject needs
// exactly one tumor and exactly one normal library.
func (e *AssignmentEngine) tumorNormalAssignments(libs []models.LibraryMetadata) []assignment {
	bySubject := make(map[string][]models.LibraryMetadata)
	for _, md := range libs {
		if !strings.EqualFold(md.Type, models.WGSLibraryType) {
			continue
		}
		if md.SubjectID == "" {
			e.logger.Warnf("WGS library %s has no subject, excluded from tumor/normal pairing", md.LibraryID)
			continue
		}
		bySubject[md.SubjectID] = append(bySubject[md.SubjectID], md)
	}

	subjects := make([]string, 0, len(bySubject))
	for subject := range bySubject {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	var out []assignment
	for _, subject := range subjects {
		var tumors, normals []models.LibraryMetadata
		for _, md := range bySubject[subject] {
			switch {
			case strings.EqualFold(md.Phenotype, models.TumorPhenotype):
				tumors = append(tumors, md)
			case strings.EqualFold(md.Phenotype, models.NormalPhenotype):
				normals = append(normals, md)
			}
		}
		if len(tumors) != 1 || len(normals) != 1 {
			e.logger.Infof("Subject %s has %d tumor and %d normal WGS libraries, skipping tumor/normal pairing",
				subject, len(tumors), len(normals))
			e.opts.metrics.AnalysisRunSkipped(SkipIneligible)
			continue
		}
		tumor, normal := tumors[0], normals[0]
		a := assignment{
			analysis:  models.TumorNormalAnalysisName,
			compute:   models.ResearchContext,
			storage:   models.ResearchContext,
			libraries: []models.LibraryMetadata{tumor, normal},
		}
		if isClinical(tumor) {
			a.approval = models.ClinicalApproval
			a.compute = models.AccreditedContext
			a.storage = models.AccreditedContext
		}
		out = append(out, a)
	}
	return out
}

// ctTSOAssignments gives every ctDNA library with a ctTSO assay one run. Only
// clinical ctTSO (v1) libraries get the accredited variant.
func ctTSOAssignments(libs []models.LibraryMetadata) []assignment {
	var out []assignment
	for _, md := range libs {
		if !strings.EqualFold(md.Type, models.CtDNALibraryType) {
			continue
		}
		isV1 := strings.EqualFold(md.Assay, models.CtTSOAssay)
		if !isV1 && !strings.EqualFold(md.Assay, models.CtTSOv2Assay) {
			continue
		}
		a := assignment{
			analysis:  models.CtTSOAnalysisName,
			compute:   models.ResearchContext,
			storage:   models.ResearchContext,
			libraries: []models.LibraryMetadata{md},
		}
		if isV1 && isClinical(md) {
			a.approval = models.NATAApproval
			a.compute = models.AccreditedContext
			a.storage = models.AccreditedContext
		}
		out = append(out, a)
	}
	return out
}

// materialize resolves the catalog entries of plan and persists the run. ok is
// false when the run was skipped as a catalog miss or already existed.
func (e *AssignmentEngine) materialize(ctx context.Context, plan assignment) (run models.AnalysisRun, ok bool, err error) {
	name := plan.name()

	compute, err := e.catalog.Context(models.ComputeUsecase, plan.compute)
	if err != nil {
		return e.skipOnMiss(name, err)
	}
	storageCtx, err := e.catalog.Context(models.StorageUsecase, plan.storage)
	if err != nil {
		return e.skipOnMiss(name, err)
	}
	var (
		approval *models.AnalysisContext
		analysis models.Analysis
	)
	if plan.approval != "" {
		ac, err := e.catalog.Context(models.ApprovalUsecase, plan.approval)
		if err != nil {
			return e.skipOnMiss(name, err)
		}
		approval = &ac
		analysis, err = e.catalog.SelectAnalysis(plan.analysis, ac)
		if err != nil {
			return e.skipOnMiss(name, err)
		}
	} else {
		// research variants never run an approval-scoped analysis
		analysis, err = e.catalog.SelectUnscopedAnalysis(plan.analysis)
		if err != nil {
			return e.skipOnMiss(name, err)
		}
	}

	run = models.AnalysisRun{
		Name:             name,
		Status:           models.DraftAnalysisRunStatus,
		AnalysisID:       analysis.ID,
		ComputeContextID: compute.ID,
		StorageContextID: storageCtx.ID,
		CreatedAt:        e.opts.now().UTC(),
		Analysis:         &analysis,
		ComputeContext:   &compute,
		StorageContext:   &storageCtx,
		ApprovalContext:  approval,
	}
	if approval != nil {
		run.ApprovalContextID = &approval.ID
	}

	created := false
	err = inTx(e.store, e.logger, func(tx storage.Store) error {
		libIDs := make([]int64, 0, len(plan.libraries))
		run.Libraries = run.Libraries[:0]
		for _, md := range plan.libraries {
			lib := md.Library()
			id, err := tx.UpsertLibrary(lib)
			if err != nil {
				return err
			}
			lib.ID = id
			libIDs = append(libIDs, id)
			run.Libraries = append(run.Libraries, lib)
		}
		id, isNew, err := tx.SaveAnalysisRun(run, libIDs)
		if err != nil {
			return err
		}
		run.ID = id
		created = isNew
		return nil
	})
	if err != nil {
		return models.AnalysisRun{}, false, err
	}
	if !created {
		e.logger.Infof("Analysis run %s already exists, skipping", name)
		e.opts.metrics.AnalysisRunSkipped(SkipDuplicate)
		return models.AnalysisRun{}, false, nil
	}

	e.logger.Infof("Created analysis run %s (%s %s)", name, analysis.Name, analysis.Version)
	e.opts.metrics.AnalysisRunCreated(analysis.Name)
	pubErr := e.opts.publisher.PublishAnalysisRunStateChange(ctx, AnalysisRunEvent(run, e.opts.now()))
	e.opts.metrics.NotificationPublished("analysisrun", pubErr)
	if pubErr != nil {
		e.logger.Errorf("Failed to publish analysis run %s: %v", name, pubErr)
	}
	return run, true, nil
}

func (e *AssignmentEngine) skipOnMiss(name string, err error) (models.AnalysisRun, bool, error) {
	if errors.Is(err, ErrCatalogMiss) {
		e.logger.Warnf("Skipping analysis run %s: %v", name, err)
		e.opts.metrics.AnalysisRunSkipped(SkipCatalogMiss)
		return models.AnalysisRun{}, false, nil
	}
	return models.AnalysisRun{}, false, err
}

// AnalysisRunEvent builds the analysis-assigned notification for run.
func AnalysisRunEvent(run models.AnalysisRun, now time.Time) models.AnalysisRunStateChange {
	evt := models.AnalysisRunStateChange{
		AnalysisRunName: run.Name,
		Status:          run.Status,
		Timestamp:       now.UTC(),
	}
	if run.Analysis != nil {
		evt.AnalysisName = run.Analysis.Name
		evt.AnalysisVersion = run.Analysis.Version
	}
	if run.ComputeContext != nil {
		evt.ComputeContext = run.ComputeContext.Name
	}
	if run.StorageContext != nil {
		evt.StorageContext = run.StorageContext.Name
	}
	if run.ApprovalContext != nil {
		evt.ApprovalContext = run.ApprovalContext.Name
	}
	for _, lib := range run.Libraries {
		rec := models.LibraryRecord{LibraryID: lib.LibraryID}
		if lib.OrcabusID != nil {
			rec.OrcabusID = *lib.OrcabusID
		}
		evt.Libraries = append(evt.Libraries, rec)
	}
	return evt
}
