// Package engine is the operational surface of the template subsystem:
// export, validation, import with tracking, and the template library.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/importer"
	"github.com/foxzi/warden/internal/metrics"
	"github.com/foxzi/warden/internal/template"
)

var (
	// ErrOperationNotFound is returned for unknown import operation IDs.
	ErrOperationNotFound = errors.New("import operation not found")
	// ErrTemplateNotFound is returned when a template reference matches
	// nothing in the library.
	ErrTemplateNotFound = template.ErrNotFound
	// ErrImportInProgress is returned when the target guild already has an
	// unfinished import.
	ErrImportInProgress = errors.New("an import is already in progress for this guild")
	// ErrInvalidTemplate is returned when validation blocks an operation.
	ErrInvalidTemplate = errors.New("template is invalid")
	// ErrClosed is returned once the engine is shutting down.
	ErrClosed = errors.New("engine is closed")

	errNoLibrary = errors.New("template library is not configured")
)

// Config holds engine settings.
type Config struct {
	StepTimeout       time.Duration
	SerializePerGuild bool
	Limits            template.Limits
}

// Engine runs exports and imports against guilds handed out by a resolver.
type Engine struct {
	guilds    guild.Resolver
	store     *template.Storage
	exporter  *template.Exporter
	validator *template.Validator
	executor  *importer.Executor
	tracker   *importer.Tracker
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. store may be nil when no template library is
// wanted.
func New(guilds guild.Resolver, store *template.Storage, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		guilds:    guilds,
		store:     store,
		exporter:  template.NewExporter(),
		validator: template.NewValidator(cfg.Limits),
		executor:  importer.NewExecutor(cfg.StepTimeout, logger),
		tracker:   importer.NewTracker(),
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Tracker returns the operation tracker.
func (e *Engine) Tracker() *importer.Tracker {
	return e.tracker
}

// Limits returns the platform limits enforced on import.
func (e *Engine) Limits() template.Limits {
	return e.validator.Limits()
}

func (e *Engine) guild(guildID string) (guild.Guild, error) {
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	g, err := e.guilds.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve guild %s: %w", guildID, err)
	}
	return g, nil
}

// ExportRequest describes a server template export.
type ExportRequest struct {
	GuildID     string
	Name        string
	Description string
	Options     template.ExportOptions
	// Save stores the result in the template library.
	Save bool
}

// ExportServerTemplate captures a guild into a template.
func (e *Engine) ExportServerTemplate(ctx context.Context, req ExportRequest) (*template.Template, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	g, err := e.guild(req.GuildID)
	if err != nil {
		return nil, err
	}

	tmpl, err := e.exporter.Export(ctx, g, req.Name, req.Description, req.Options)
	if err != nil {
		metrics.IncExports("error")
		return nil, fmt.Errorf("failed to export guild %s: %w", req.GuildID, err)
	}
	metrics.IncExports("success")

	e.logger.Info("guild exported",
		"guild_id", req.GuildID,
		"template", tmpl.Name,
		"roles", len(tmpl.Roles),
		"channels", len(tmpl.Channels),
	)

	if req.Save {
		if _, err := e.SaveTemplate(ctx, tmpl); err != nil {
			return tmpl, err
		}
	}
	return tmpl, nil
}

// ValidateTemplate checks tmpl. With a non-empty guildID the platform
// limits are checked against that guild's current state.
func (e *Engine) ValidateTemplate(ctx context.Context, tmpl *template.Template, guildID string) (template.ValidationResult, error) {
	if guildID == "" {
		res := e.validator.Validate(tmpl)
		metrics.IncValidations(res.Valid)
		return res, nil
	}

	g, err := e.guild(guildID)
	if err != nil {
		return template.ValidationResult{}, err
	}
	snap, err := guild.Capture(ctx, g)
	if err != nil {
		return template.ValidationResult{}, err
	}
	res := e.validator.ValidateForImport(tmpl, snap)
	metrics.IncValidations(res.Valid)
	return res, nil
}

// ImportOptions control an import.
type ImportOptions struct {
	Strategy     importer.Strategy
	SkipSections []importer.Section
	// DryRun returns the plan and projected outcomes without touching the
	// guild.
	DryRun bool
	// Wait blocks until the operation finishes or ctx is done.
	Wait bool
}

// ImportResult is the outcome of ImportServerTemplate.
type ImportResult struct {
	Started     bool                      `json:"started"`
	OperationID string                    `json:"operationId,omitempty"`
	Validation  template.ValidationResult `json:"validation"`
	Plan        *importer.Plan            `json:"plan,omitempty"`
	Preview     []importer.StepResult     `json:"preview,omitempty"`
	Summary     *importer.Summary         `json:"summary,omitempty"`
}

// ImportServerTemplate validates tmpl against the target guild, plans the
// import and, unless DryRun is set, starts executing it in the background.
// A template failing validation yields the result together with
// ErrInvalidTemplate.
func (e *Engine) ImportServerTemplate(ctx context.Context, guildID string, tmpl *template.Template, opts ImportOptions) (*ImportResult, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("template is required")
	}
	g, err := e.guild(guildID)
	if err != nil {
		return nil, err
	}

	snap, err := guild.Capture(ctx, g)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Validation: e.validator.ValidateForImport(tmpl, snap)}
	metrics.IncValidations(result.Validation.Valid)
	if !result.Validation.Valid {
		return result, fmt.Errorf("%w: %d errors", ErrInvalidTemplate, len(result.Validation.Errors))
	}

	plan, err := importer.BuildPlan(tmpl, snap, opts.Strategy, opts.SkipSections)
	if err != nil {
		return nil, err
	}
	result.Plan = plan

	logger := e.logger.With("guild_id", guildID, "template", tmpl.Name)
	if opts.DryRun {
		result.Preview = importer.Preview(plan)
		logger.Info("import planned (dry run)", "steps", len(plan.Steps), "strategy", plan.Strategy)
		return result, nil
	}

	op, err := e.start(guildID, plan)
	if err != nil {
		return result, err
	}
	result.Started = true
	result.OperationID = op.ID()

	go e.run(g, op)

	if opts.Wait {
		select {
		case <-op.Done():
			summary := op.Snapshot().Summary()
			result.Summary = &summary
		case <-ctx.Done():
		}
	}
	return result, nil
}

// start registers the operation, holding the lock so that the per-guild
// check and the registration are atomic.
func (e *Engine) start(guildID string, plan *importer.Plan) (*importer.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.cfg.SerializePerGuild {
		if id, busy := e.tracker.ActiveFor(guildID); busy {
			return nil, fmt.Errorf("%w: operation %s", ErrImportInProgress, id)
		}
	}

	id, err := e.tracker.Start(guildID, plan)
	if err != nil {
		return nil, err
	}
	op, _ := e.tracker.Operation(id)

	e.wg.Add(1)
	metrics.IncImportsStarted(string(plan.Strategy))
	return op, nil
}

func (e *Engine) run(g guild.Guild, op *importer.Operation) {
	defer e.wg.Done()

	summary, err := e.executor.Execute(e.ctx, g, op)
	if err != nil {
		e.logger.Error("import could not run", "operation_id", op.ID(), "error", err)
		summary.Status = importer.StatusFailed
	}
	metrics.IncImportsFinished(string(summary.Status))
}

// GetImportStatus returns a snapshot of an import operation.
func (e *Engine) GetImportStatus(id string) (importer.Snapshot, error) {
	snap, ok := e.tracker.Get(id)
	if !ok {
		return importer.Snapshot{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return snap, nil
}

// CancelImport requests cancellation. It reports false when the operation
// is unknown or already finished.
func (e *Engine) CancelImport(id string) bool {
	ok := e.tracker.Cancel(id)
	if ok {
		e.logger.Info("import cancellation requested", "operation_id", id)
	}
	return ok
}

// ListImports returns the tracked operations for guildID, or all of them.
func (e *Engine) ListImports(guildID string) []importer.Snapshot {
	return e.tracker.List(guildID)
}

// CleanupImportOperations removes finished operations older than maxAge.
func (e *Engine) CleanupImportOperations(maxAge time.Duration) int {
	n := e.tracker.Sweep(maxAge)
	metrics.AddOperationsSwept(n)
	return n
}

// SaveTemplate validates tmpl and adds it to the library, assigning its ID.
func (e *Engine) SaveTemplate(ctx context.Context, tmpl *template.Template) (template.ValidationResult, error) {
	if e.store == nil {
		return template.ValidationResult{}, errNoLibrary
	}

	res := e.validator.Validate(tmpl)
	metrics.IncValidations(res.Valid)
	if !res.Valid {
		return res, fmt.Errorf("%w: %d errors", ErrInvalidTemplate, len(res.Errors))
	}

	if err := e.store.Create(ctx, tmpl); err != nil {
		return res, err
	}
	e.logger.Info("template saved", "template_id", tmpl.ID, "name", tmpl.Name)
	return res, nil
}

// GetTemplate resolves ref as a template ID or name.
func (e *Engine) GetTemplate(ctx context.Context, ref string) (*template.Template, error) {
	if e.store == nil {
		return nil, errNoLibrary
	}
	return e.store.Lookup(ctx, ref)
}

// ListTemplates lists library entries.
func (e *Engine) ListTemplates(ctx context.Context, filter template.ListFilter) ([]template.Summary, error) {
	if e.store == nil {
		return nil, errNoLibrary
	}
	templates, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	result := make([]template.Summary, 0, len(templates))
	for _, t := range templates {
		result = append(result, t.Summarize())
	}
	return result, nil
}

// DeleteTemplate removes the template matching ref.
func (e *Engine) DeleteTemplate(ctx context.Context, ref string) error {
	tmpl, err := e.GetTemplate(ctx, ref)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, tmpl.ID); err != nil {
		return err
	}
	e.logger.Info("template deleted", "template_id", tmpl.ID, "name", tmpl.Name)
	return nil
}

// Close stops accepting imports, requests cancellation of running ones and
// waits for them to reach a step boundary, or for ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("imports still running: %w", ctx.Err())
	}
}
