package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/metrics"
	"github.com/foxzi/warden/internal/template"
)

// DefaultStepTimeout bounds a single guild call.
const DefaultStepTimeout = 30 * time.Second

// Summary tallies the results of an execution.
type Summary struct {
	OperationID string        `json:"operationId"`
	Status      Status        `json:"status"`
	Total       int           `json:"total"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"durationMs"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Executor applies plans one step at a time.
type Executor struct {
	stepTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor creates an executor. A zero stepTimeout means
// DefaultStepTimeout.
func NewExecutor(stepTimeout time.Duration, logger *slog.Logger) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		stepTimeout: stepTimeout,
		logger:      logger.With("component", "executor"),
		now:         time.Now,
	}
}

// Execute runs op's plan against g in plan order. A failed step is recorded
// and execution moves on. Cancellation, either through the tracker or
// through ctx, is honoured between steps; a call already in flight is
// allowed to finish.
func (e *Executor) Execute(ctx context.Context, g guild.Guild, op *Operation) (Summary, error) {
	if g == nil {
		return Summary{}, fmt.Errorf("guild is required")
	}
	if op == nil {
		return Summary{}, fmt.Errorf("operation is required")
	}
	if err := op.markRunning(); err != nil {
		return Summary{}, err
	}

	start := e.now()
	plan := op.Plan()
	logger := e.logger.With("operation_id", op.ID(), "guild_id", op.GuildID())
	logger.Info("import started", "steps", len(plan.Steps), "strategy", plan.Strategy)

	run := newRun(g, plan)
	summary := Summary{OperationID: op.ID(), Total: len(plan.Steps)}
	cancelled := false

	for i, step := range plan.Steps {
		if !cancelled && (op.CancelRequested() || ctx.Err() != nil) {
			cancelled = true
			if ctx.Err() != nil {
				op.requestCancel()
			}
			logger.Info("import cancelled", "completed_steps", i)
		}

		if cancelled {
			r := StepResult{Index: i, Step: step, Outcome: OutcomeSkipped, TargetID: step.TargetID}
			op.appendResult(r)
			summary.add(r.Outcome)
			continue
		}

		r := e.runStep(ctx, run, i, step)
		op.appendResult(r)
		summary.add(r.Outcome)
		metrics.ObserveImportStep(step.Kind.String(), string(r.Outcome), float64(r.DurationMs)/1000)

		if r.Outcome == OutcomeFailed {
			logger.Warn("import step failed", "step", i, "kind", step.Kind, "name", step.Name(), "error", r.Error)
		}
		for _, w := range r.Warnings {
			logger.Warn("import step warning", "step", i, "kind", step.Kind, "name", step.Name(), "warning", w)
		}
	}

	switch {
	case cancelled:
		summary.Status = StatusCancelled
	case summary.Total > 0 && summary.Failed == summary.Total:
		summary.Status = StatusFailed
	default:
		summary.Status = StatusCompleted
	}

	finished := e.now()
	summary.Duration = finished.Sub(start)
	summary.DurationMs = summary.Duration.Milliseconds()
	op.finish(summary.Status, finished.UTC())

	logger.Info("import finished",
		"status", summary.Status,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)
	return summary, nil
}

// runStep executes one step under the step deadline. The step context is
// detached from ctx so that shutdown never aborts a call midway.
func (e *Executor) runStep(ctx context.Context, run *run, i int, step Step) StepResult {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout)
	defer cancel()

	start := e.now()
	r := run.apply(stepCtx, step)
	r.Index = i
	r.Step = step
	r.DurationMs = e.now().Sub(start).Milliseconds()

	if r.Outcome == OutcomeFailed && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		r.Error = fmt.Sprintf("step timed out after %s: %s", e.stepTimeout, r.Error)
	}
	return r
}

// run holds the name to ID maps of one execution.
type run struct {
	g          guild.Guild
	everyoneID string
	roles      map[string]string
	categories map[string]string
}

func newRun(g guild.Guild, plan *Plan) *run {
	r := &run{
		g:          g,
		everyoneID: plan.Bindings.EveryoneRoleID,
		roles:      make(map[string]string, len(plan.Bindings.Roles)),
		categories: make(map[string]string, len(plan.Bindings.Categories)),
	}
	for name, id := range plan.Bindings.Roles {
		r.roles[name] = id
	}
	for name, id := range plan.Bindings.Categories {
		r.categories[name] = id
	}

	// Entities the plan acts on in place win over other same-named ones.
	for _, step := range plan.Steps {
		if step.TargetID == "" {
			continue
		}
		switch step.Kind {
		case StepUpdateRole, StepSkipRole:
			r.roles[step.Role.Name] = step.TargetID
		case StepUpdateChannel, StepSkipChannel:
			if step.Channel.Type == template.ChannelCategory {
				r.categories[step.Channel.Name] = step.TargetID
			}
		}
	}
	return r
}

func (r *run) apply(ctx context.Context, step Step) StepResult {
	switch step.Kind {
	case StepCreateRole:
		id, err := r.g.CreateRole(ctx, roleParams(step.Role))
		if id == "" {
			if err == nil {
				err = fmt.Errorf("guild returned no role id")
			}
			return failed(step, err)
		}
		// A role that exists must stay addressable by later overwrites,
		// even when positioning it failed.
		r.roles[step.Role.Name] = id
		res := StepResult{Outcome: OutcomeCreated, TargetID: id}
		if err != nil {
			res.Warnings = []string{fmt.Sprintf("role created but not positioned: %v", err)}
		}
		return res

	case StepUpdateRole:
		if err := r.g.UpdateRole(ctx, step.TargetID, roleParams(step.Role)); err != nil {
			return failed(step, err)
		}
		return StepResult{Outcome: OutcomeUpdated, TargetID: step.TargetID}

	case StepSkipRole, StepSkipChannel:
		return StepResult{Outcome: OutcomeSkipped, TargetID: step.TargetID}

	case StepCreateChannel:
		var warnings []string
		params := r.channelParams(step.Channel, true, &warnings)
		params.Overwrites = r.overwrites(step.Channel, &warnings)
		id, err := r.g.CreateChannel(ctx, params)
		if id == "" {
			if err == nil {
				err = fmt.Errorf("guild returned no channel id")
			}
			res := failed(step, err)
			res.Warnings = warnings
			return res
		}
		if step.Channel.Type == template.ChannelCategory {
			r.categories[step.Channel.Name] = id
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("channel created but not fully configured: %v", err))
		}
		return StepResult{Outcome: OutcomeCreated, TargetID: id, Warnings: warnings}

	case StepUpdateChannel:
		var warnings []string
		params := r.channelParams(step.Channel, false, &warnings)
		if err := r.g.UpdateChannel(ctx, step.TargetID, params); err != nil {
			res := failed(step, err)
			res.Warnings = warnings
			return res
		}
		return StepResult{Outcome: OutcomeUpdated, TargetID: step.TargetID, Warnings: warnings}

	case StepSetOverwrite:
		subjectID, ok := r.subjectID(step.Overwrite.Subject)
		if !ok {
			return failed(step, fmt.Errorf("subject %q does not resolve to a role in the target", step.Overwrite.Subject))
		}
		ow := step.Overwrite
		if err := r.g.SetPermissionOverwrite(ctx, step.TargetID, subjectID, ow.Allow, ow.Deny); err != nil {
			return failed(step, err)
		}
		return StepResult{Outcome: OutcomeUpdated, TargetID: step.TargetID}

	case StepUpdateSettings:
		s := step.Settings
		err := r.g.UpdateSettings(ctx, guild.Settings{
			VerificationLevel:     s.VerificationLevel,
			DefaultNotifications:  s.DefaultNotifications,
			ExplicitContentFilter: s.ExplicitContentFilter,
			AfkTimeout:            s.AfkTimeoutSeconds,
		})
		if err != nil {
			return failed(step, err)
		}
		return StepResult{Outcome: OutcomeUpdated, TargetID: step.TargetID}

	default:
		return failed(step, fmt.Errorf("unknown step kind %s", step.Kind))
	}
}

func failed(step Step, err error) StepResult {
	return StepResult{Outcome: OutcomeFailed, TargetID: step.TargetID, Error: err.Error()}
}

func (r *run) subjectID(s template.Subject) (string, bool) {
	if s.IsEveryone() {
		return r.everyoneID, r.everyoneID != ""
	}
	id, ok := r.roles[s.Role]
	return id, ok
}

// channelParams resolves the parent category. A template channel without a
// parentRef leaves an updated channel in its current category.
func (r *run) channelParams(spec *template.ChannelSpec, create bool, warnings *[]string) guild.ChannelParams {
	p := guild.ChannelParams{
		Name:      spec.Name,
		Type:      spec.Type.Live(),
		Topic:     spec.Topic,
		Slowmode:  spec.SlowmodeSeconds,
		NSFW:      spec.NSFW,
		Bitrate:   spec.Bitrate,
		UserLimit: spec.UserLimit,
	}
	if parent := spec.Parent(); parent != "" {
		if id, ok := r.categories[parent]; ok {
			p.ParentID = &id
		} else if create {
			*warnings = append(*warnings, fmt.Sprintf("parent category %q not found, channel placed at top level", parent))
		} else {
			*warnings = append(*warnings, fmt.Sprintf("parent category %q not found, channel left in its current category", parent))
		}
	}
	return p
}

func (r *run) overwrites(spec *template.ChannelSpec, warnings *[]string) []guild.Overwrite {
	var result []guild.Overwrite
	for _, ow := range spec.PermissionOverwrites {
		id, ok := r.subjectID(ow.Subject)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("overwrite subject %q not found, overwrite dropped", ow.Subject))
			continue
		}
		result = append(result, guild.Overwrite{ID: id, Type: guild.OverwriteRole, Allow: ow.Allow, Deny: ow.Deny})
	}
	return result
}

func roleParams(spec *template.RoleSpec) guild.RoleParams {
	return guild.RoleParams{
		Name:        spec.Name,
		Color:       spec.Color,
		Permissions: spec.Permissions,
		Position:    spec.Position,
		Hoist:       spec.Hoist,
		Mentionable: spec.Mentionable,
	}
}
