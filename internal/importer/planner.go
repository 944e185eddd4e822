package importer

import (
	"fmt"
	"sort"

	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/template"
)

// BuildPlan diffs tmpl against the target snapshot. It performs no guild
// calls; the same inputs always yield the same plan.
func BuildPlan(tmpl *template.Template, snap *guild.Snapshot, strategy Strategy, skip []Section) (*Plan, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("template is required")
	}
	if snap == nil {
		return nil, fmt.Errorf("target snapshot is required")
	}
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(skip))
	for i, s := range skip {
		names[i] = string(s)
	}
	sections, err := ParseSections(names)
	if err != nil {
		return nil, err
	}

	skipped := make(map[Section]bool, len(sections))
	for _, s := range sections {
		skipped[s] = true
	}

	p := &Plan{
		Strategy:        strategy,
		Steps:           []Step{},
		SkippedSections: sections,
		Bindings:        bindingsFor(snap),
	}

	if !skipped[SectionRoles] {
		planRoles(p, tmpl, snap)
	}
	if !skipped[SectionChannels] {
		planChannels(p, tmpl, snap)
	}
	if !skipped[SectionSettings] && tmpl.Settings != nil && strategy != StrategySkip {
		s := *tmpl.Settings
		p.Steps = append(p.Steps, Step{Kind: StepUpdateSettings, TargetID: snap.GuildID, Settings: &s})
	}

	return p, nil
}

func bindingsFor(snap *guild.Snapshot) Bindings {
	b := Bindings{
		Roles:      make(map[string]string),
		Categories: make(map[string]string),
	}
	if r := snap.EveryoneRole(); r != nil {
		b.EveryoneRoleID = r.ID
	}
	for _, r := range snap.Roles {
		if r.Everyone {
			continue
		}
		if match, ok := snap.RoleByName(r.Name); ok {
			b.Roles[r.Name] = match.ID
		}
	}
	for _, c := range snap.Channels {
		if c.Type != guild.ChannelCategory {
			continue
		}
		if _, ok := b.Categories[c.Name]; !ok {
			b.Categories[c.Name] = c.ID
		}
	}
	return b
}

// planRoles emits role steps bottom-up so that senior roles are placed last.
func planRoles(p *Plan, tmpl *template.Template, snap *guild.Snapshot) {
	roles := make([]template.RoleSpec, len(tmpl.Roles))
	copy(roles, tmpl.Roles)
	sort.SliceStable(roles, func(i, j int) bool { return roles[i].Position < roles[j].Position })

	for i := range roles {
		spec := roles[i]
		match, found := snap.RoleByName(spec.Name)

		step := Step{Kind: StepCreateRole, Role: &spec}
		switch {
		case !found || p.Strategy == StrategyOverwrite:
		case p.Strategy == StrategySkip:
			step.Kind, step.TargetID = StepSkipRole, match.ID
		case match.Managed:
			// Integration roles cannot be edited by clients.
			step.Kind, step.TargetID = StepSkipRole, match.ID
		default:
			step.Kind, step.TargetID = StepUpdateRole, match.ID
		}
		p.Steps = append(p.Steps, step)
	}
}

// planChannels emits categories first, then the remaining channels, each
// group in template order.
func planChannels(p *Plan, tmpl *template.Template, snap *guild.Snapshot) {
	ordered := make([]template.ChannelSpec, 0, len(tmpl.Channels))
	for _, c := range tmpl.Channels {
		if c.Type == template.ChannelCategory {
			ordered = append(ordered, c)
		}
	}
	for _, c := range tmpl.Channels {
		if c.Type != template.ChannelCategory {
			ordered = append(ordered, c)
		}
	}

	for i := range ordered {
		spec := ordered[i]
		match, found := snap.FindChannel(spec.Name, spec.Type.Live())

		switch {
		case !found || p.Strategy == StrategyOverwrite:
			p.Steps = append(p.Steps, Step{Kind: StepCreateChannel, Channel: &spec})
		case p.Strategy == StrategySkip:
			p.Steps = append(p.Steps, Step{Kind: StepSkipChannel, TargetID: match.ID, Channel: &spec})
		default:
			p.Steps = append(p.Steps, Step{Kind: StepUpdateChannel, TargetID: match.ID, Channel: &spec})
			for j := range spec.PermissionOverwrites {
				ow := spec.PermissionOverwrites[j]
				p.Steps = append(p.Steps, Step{
					Kind:      StepSetOverwrite,
					TargetID:  match.ID,
					Channel:   &spec,
					Overwrite: &ow,
				})
			}
		}
	}
}
