// Package importer plans and executes the application of a template to a
// live guild, and tracks running import operations.
package importer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/foxzi/warden/internal/template"
)

// Strategy resolves name collisions between template entries and existing
// guild entities.
type Strategy string

const (
	// StrategyMerge updates matching entities in place and creates the rest.
	StrategyMerge Strategy = "merge"
	// StrategyOverwrite creates every entry. Existing entities are never
	// deleted, so same-named duplicates are accepted.
	StrategyOverwrite Strategy = "overwrite"
	// StrategySkip leaves matching entities alone and creates the rest.
	StrategySkip Strategy = "skip"
)

// ParseStrategy parses a strategy name; the empty string means merge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", StrategyMerge:
		return StrategyMerge, nil
	case StrategyOverwrite:
		return StrategyOverwrite, nil
	case StrategySkip:
		return StrategySkip, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (must be merge, overwrite or skip)", s)
	}
}

// Section is a part of a template that can be left out of an import.
type Section string

const (
	SectionRoles    Section = "roles"
	SectionChannels Section = "channels"
	SectionSettings Section = "settings"
)

// ParseSections parses section names, dropping duplicates.
func ParseSections(names []string) ([]Section, error) {
	seen := make(map[Section]bool, len(names))
	sections := make([]Section, 0, len(names))
	for _, name := range names {
		s := Section(strings.ToLower(strings.TrimSpace(name)))
		switch s {
		case "":
			continue
		case SectionRoles, SectionChannels, SectionSettings:
		default:
			return nil, fmt.Errorf("unknown section %q (must be roles, channels or settings)", name)
		}
		if !seen[s] {
			seen[s] = true
			sections = append(sections, s)
		}
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })
	return sections, nil
}

// StepKind discriminates Step.
type StepKind int

const (
	StepCreateRole StepKind = iota
	StepUpdateRole
	StepSkipRole
	StepCreateChannel
	StepUpdateChannel
	StepSkipChannel
	StepSetOverwrite
	StepUpdateSettings
)

var stepKindNames = [...]string{
	StepCreateRole:     "createRole",
	StepUpdateRole:     "updateRole",
	StepSkipRole:       "skipRole",
	StepCreateChannel:  "createChannel",
	StepUpdateChannel:  "updateChannel",
	StepSkipChannel:    "skipChannel",
	StepSetOverwrite:   "setPermissionOverwrite",
	StepUpdateSettings: "updateSettings",
}

func (k StepKind) String() string {
	if k < 0 || int(k) >= len(stepKindNames) {
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
	return stepKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k StepKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(stepKindNames) {
		return nil, fmt.Errorf("unknown step kind %d", int(k))
	}
	return []byte(stepKindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StepKind) UnmarshalText(text []byte) error {
	for i, name := range stepKindNames {
		if name == string(text) {
			*k = StepKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step kind %q", text)
}

// Step is one action of a plan. TargetID is the ID of the existing entity
// the step acts on; it is empty for creates. Exactly the payload matching
// Kind is set: Role for role steps, Channel for channel steps, Channel and
// Overwrite for overwrite steps, Settings for the settings step.
type Step struct {
	Kind      StepKind                `json:"kind"`
	TargetID  string                  `json:"targetId,omitempty"`
	Role      *template.RoleSpec      `json:"role,omitempty"`
	Channel   *template.ChannelSpec   `json:"channel,omitempty"`
	Overwrite *template.OverwriteSpec `json:"overwrite,omitempty"`
	Settings  *template.Settings      `json:"settings,omitempty"`
}

// Name describes the entity the step acts on.
func (s Step) Name() string {
	switch {
	case s.Overwrite != nil && s.Channel != nil:
		return s.Channel.Name + "/" + s.Overwrite.Subject.String()
	case s.Role != nil:
		return s.Role.Name
	case s.Channel != nil:
		return s.Channel.Name
	case s.Settings != nil:
		return "settings"
	default:
		return ""
	}
}

// Bindings are the target entities that existed when the plan was built,
// used to resolve references to roles and categories not created by the
// plan itself.
type Bindings struct {
	EveryoneRoleID string            `json:"everyoneRoleId"`
	Roles          map[string]string `json:"roles"`
	Categories     map[string]string `json:"categories"`
}

// Plan is an ordered list of steps applying a template to one guild.
type Plan struct {
	Strategy        Strategy  `json:"strategy"`
	Steps           []Step    `json:"steps"`
	SkippedSections []Section `json:"skippedSections"`
	Bindings        Bindings  `json:"bindings"`
}

// Outcome is the result of one step.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StepResult records how one plan step went.
type StepResult struct {
	Index      int      `json:"index"`
	Step       Step     `json:"step"`
	Outcome    Outcome  `json:"outcome"`
	TargetID   string   `json:"targetId,omitempty"`
	Error      string   `json:"error,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// Preview projects the outcome of every step without touching a guild.
func Preview(p *Plan) []StepResult {
	if p == nil {
		return nil
	}
	results := make([]StepResult, 0, len(p.Steps))
	for i, step := range p.Steps {
		results = append(results, StepResult{
			Index:    i,
			Step:     step,
			Outcome:  projectedOutcome(step.Kind),
			TargetID: step.TargetID,
		})
	}
	return results
}

func projectedOutcome(k StepKind) Outcome {
	switch k {
	case StepCreateRole, StepCreateChannel:
		return OutcomeCreated
	case StepSkipRole, StepSkipChannel:
		return OutcomeSkipped
	default:
		return OutcomeUpdated
	}
}

// Counts tallies steps by projected outcome.
type Counts struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Skip   int `json:"skip"`
}

// Counts returns how many steps would create, update or skip.
func (p *Plan) Counts() Counts {
	var c Counts
	for _, step := range p.Steps {
		switch projectedOutcome(step.Kind) {
		case OutcomeCreated:
			c.Create++
		case OutcomeSkipped:
			c.Skip++
		default:
			c.Update++
		}
	}
	return c
}
