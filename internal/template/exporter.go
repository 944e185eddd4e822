package template

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/warden/internal/guild"
)

// ExportOptions control what an export captures.
type ExportOptions struct {
	// IncludePermissions captures channel permission overwrites.
	IncludePermissions bool
	// IncludeChannelData captures topic, slowmode, NSFW and voice settings.
	IncludeChannelData bool
	// IncludeRoleData captures role colour, permissions, hoist and
	// mentionable flags. Relative positions are always captured.
	IncludeRoleData bool

	ExcludedChannels []string
	ExcludedRoles    []string

	AuthorID string
	Tags     []string
}

// DefaultExportOptions captures everything.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		IncludePermissions: true,
		IncludeChannelData: true,
		IncludeRoleData:    true,
	}
}

// Exporter captures live guilds into templates.
type Exporter struct {
	now func() time.Time
}

// NewExporter creates an exporter.
func NewExporter() *Exporter {
	return &Exporter{now: time.Now}
}

// Export reads g and returns a new template. The guild is never mutated.
func (e *Exporter) Export(ctx context.Context, g guild.Guild, name, description string, opts ExportOptions) (*Template, error) {
	if g == nil {
		return nil, fmt.Errorf("guild is required")
	}

	snap, err := guild.Capture(ctx, g)
	if err != nil {
		return nil, err
	}

	tmpl := &Template{
		Name:        name,
		Description: description,
		ServerName:  snap.Name,
		Roles:       []RoleSpec{},
		Channels:    []ChannelSpec{},
		Metadata: Metadata{
			Version:   SchemaVersion,
			CreatedAt: e.now().UTC(),
			AuthorID:  opts.AuthorID,
			Tags:      normalizeTags(opts.Tags),
		},
	}

	s := snap.Settings
	tmpl.Settings = &Settings{
		VerificationLevel:     s.VerificationLevel,
		DefaultNotifications:  s.DefaultNotifications,
		ExplicitContentFilter: s.ExplicitContentFilter,
		AfkTimeoutSeconds:     s.AfkTimeout,
	}

	roleNames := exportRoles(tmpl, snap, toSet(opts.ExcludedRoles), opts)

	everyoneID := ""
	if r := snap.EveryoneRole(); r != nil {
		everyoneID = r.ID
	}
	exportChannels(tmpl, snap, toSet(opts.ExcludedChannels), roleNames, everyoneID, opts)

	return tmpl, nil
}

// exportRoles appends role specs and returns live role ID -> template name
// for every exported role.
func exportRoles(tmpl *Template, snap *guild.Snapshot, excluded map[string]bool, opts ExportOptions) map[string]string {
	roles := make([]guild.Role, 0, len(snap.Roles))
	for _, r := range snap.Roles {
		if r.Everyone || r.Managed || excluded[r.ID] {
			continue
		}
		roles = append(roles, r)
	}

	// Most senior first so that duplicate names keep the senior role.
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Position != roles[j].Position {
			return roles[i].Position > roles[j].Position
		}
		return roles[i].ID > roles[j].ID
	})

	names := make(map[string]string, len(roles))
	taken := make(map[string]bool, len(roles))
	kept := roles[:0]
	for _, r := range roles {
		if taken[r.Name] {
			continue
		}
		taken[r.Name] = true
		names[r.ID] = r.Name
		kept = append(kept, r)
	}

	n := len(kept)
	for i := n - 1; i >= 0; i-- {
		r := kept[i]
		spec := RoleSpec{
			Name:     r.Name,
			Position: n - i,
		}
		if opts.IncludeRoleData {
			spec.Color = r.Color
			spec.Permissions = r.Permissions
			spec.Hoist = r.Hoist
			spec.Mentionable = r.Mentionable
		}
		tmpl.Roles = append(tmpl.Roles, spec)
	}

	return names
}

func exportChannels(tmpl *Template, snap *guild.Snapshot, excluded map[string]bool, roleNames map[string]string, everyoneID string, opts ExportOptions) {
	var categories, others []guild.Channel
	for _, c := range snap.Channels {
		if excluded[c.ID] {
			continue
		}
		if _, ok := ChannelTypeFromLive(c.Type); !ok {
			continue
		}
		if c.Type == guild.ChannelCategory {
			categories = append(categories, c)
		} else {
			others = append(others, c)
		}
	}
	byPosition := func(cs []guild.Channel) {
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].Position != cs[j].Position {
				return cs[i].Position < cs[j].Position
			}
			return cs[i].ID < cs[j].ID
		})
	}
	byPosition(categories)
	byPosition(others)

	rolePositions := make(map[string]int, len(tmpl.Roles))
	for _, r := range tmpl.Roles {
		rolePositions[r.Name] = r.Position
	}

	categoryNames := make(map[string]string, len(categories))
	taken := make(map[string]bool)
	for _, c := range append(categories, others...) {
		typ, _ := ChannelTypeFromLive(c.Type)
		key := string(typ) + "/" + c.Name
		if taken[key] {
			continue
		}
		taken[key] = true

		spec := ChannelSpec{
			Name:                 c.Name,
			Type:                 typ,
			PermissionOverwrites: []OverwriteSpec{},
		}
		if typ == ChannelCategory {
			categoryNames[c.ID] = c.Name
		} else if parent, ok := categoryNames[c.ParentID]; ok {
			spec.ParentRef = &parent
		}

		if opts.IncludeChannelData {
			if typ.HasTopic() && c.Topic != "" {
				topic := c.Topic
				spec.Topic = &topic
			}
			if typ.HasSlowmode() {
				slowmode := c.Slowmode
				spec.SlowmodeSeconds = &slowmode
			}
			spec.NSFW = c.NSFW
			if typ.IsVoice() {
				spec.Bitrate = c.Bitrate
				spec.UserLimit = c.UserLimit
			}
		}

		if opts.IncludePermissions {
			spec.PermissionOverwrites = exportOverwrites(c.Overwrites, roleNames, rolePositions, everyoneID)
		}

		tmpl.Channels = append(tmpl.Channels, spec)
	}
}

// exportOverwrites keeps role overwrites whose subject is exported or is the
// everyone role, ordered everyone first and then by role position.
func exportOverwrites(ows []guild.Overwrite, roleNames map[string]string, rolePositions map[string]int, everyoneID string) []OverwriteSpec {
	result := []OverwriteSpec{}
	for _, ow := range ows {
		if ow.Type != guild.OverwriteRole {
			continue
		}
		var subject Subject
		switch name, ok := roleNames[ow.ID]; {
		case everyoneID != "" && ow.ID == everyoneID:
			subject = EveryoneSubject()
		case ok:
			subject = RoleSubject(name)
		default:
			continue
		}
		result = append(result, OverwriteSpec{Subject: subject, Allow: ow.Allow, Deny: ow.Deny})
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].Subject, result[j].Subject
		if a.IsEveryone() != b.IsEveryone() {
			return a.IsEveryone()
		}
		return rolePositions[a.Role] < rolePositions[b.Role]
	})
	return result
}

func normalizeTags(tags []string) []string {
	set := toSet(tags)
	delete(set, "")
	result := make([]string, 0, len(set))
	for t := range set {
		result = append(result, t)
	}
	sort.Strings(result)
	return result
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
