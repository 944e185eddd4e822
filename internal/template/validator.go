package template

import (
	"fmt"
	"unicode/utf8"

	"github.com/foxzi/warden/internal/guild"
)

// IssueCode classifies a validation issue.
type IssueCode string

const (
	CodeStructural      IssueCode = "structural"
	CodeLimit           IssueCode = "limit"
	CodeMissingOptional IssueCode = "missing_optional"
)

// Issue is one validation finding.
type Issue struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Code    IssueCode `json:"code"`
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// ValidationResult is the outcome of validating a template. Errors block
// an import; warnings do not.
type ValidationResult struct {
	Valid    bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

type resultBuilder struct {
	errors   []Issue
	warnings []Issue
}

func (b *resultBuilder) errorf(code IssueCode, field, format string, args ...any) {
	b.errors = append(b.errors, Issue{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
}

func (b *resultBuilder) warnf(field, format string, args ...any) {
	b.warnings = append(b.warnings, Issue{Field: field, Message: fmt.Sprintf(format, args...), Code: CodeMissingOptional})
}

func (b *resultBuilder) result() ValidationResult {
	return ValidationResult{
		Valid:    len(b.errors) == 0,
		Errors:   append([]Issue{}, b.errors...),
		Warnings: append([]Issue{}, b.warnings...),
	}
}

// Validator checks templates against the schema and platform limits.
type Validator struct {
	limits Limits
}

// NewValidator returns a validator enforcing limits. Zero fields fall back
// to DefaultLimits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits.WithDefaults()}
}

// Limits returns the limits in force.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks structure and reference integrity.
func (v *Validator) Validate(t *Template) ValidationResult {
	b := &resultBuilder{}
	v.checkStructure(b, t)
	return b.result()
}

// ValidateForImport additionally checks that applying t to the target
// described by snap stays within platform limits.
func (v *Validator) ValidateForImport(t *Template, snap *guild.Snapshot) ValidationResult {
	b := &resultBuilder{}
	if !v.checkStructure(b, t) {
		return b.result()
	}
	v.checkLimits(b, t, snap)
	return b.result()
}

// checkStructure reports false when t is nil and nothing else can be checked.
func (v *Validator) checkStructure(b *resultBuilder, t *Template) bool {
	if t == nil {
		b.errorf(CodeStructural, "template", "template is required")
		return false
	}

	if t.Name == "" {
		b.errorf(CodeStructural, "name", "name is required")
	}
	if t.Description == "" {
		b.warnf("description", "no description")
	}
	if msg := checkVersion(t.Metadata.Version); msg != "" {
		b.errorf(CodeStructural, "metadata.version", "%s", msg)
	}
	if t.Metadata.CreatedAt.IsZero() {
		b.warnf("metadata.createdAt", "no creation time")
	}
	if len(t.Metadata.Tags) == 0 {
		b.warnf("metadata.tags", "no tags")
	}

	roles := make(map[string]bool, len(t.Roles))
	positions := make(map[int]string, len(t.Roles))
	for i, r := range t.Roles {
		field := fmt.Sprintf("roles[%d]", i)
		switch {
		case r.Name == "":
			b.errorf(CodeStructural, field+".name", "role name is required")
		case r.Name == EveryoneRef:
			b.errorf(CodeStructural, field+".name", "%s is implicit and cannot be declared as a role", EveryoneRef)
		case roles[r.Name]:
			b.errorf(CodeStructural, field+".name", "duplicate role name %q", r.Name)
		default:
			roles[r.Name] = true
		}
		if prev, ok := positions[r.Position]; ok {
			b.errorf(CodeStructural, field+".position", "position %d already used by role %q", r.Position, prev)
		} else {
			positions[r.Position] = r.Name
		}
		if r.Position < 0 {
			b.errorf(CodeStructural, field+".position", "position must not be negative")
		}
		if r.Color < 0 || r.Color > MaxColor {
			b.errorf(CodeStructural, field+".color", "color %d out of range", r.Color)
		}
	}

	// Channel identity is name plus type; categories occupy their own
	// namespace so that parentRef lookups are unambiguous.
	categories := make(map[string]bool)
	seen := make(map[string]bool, len(t.Channels))
	for _, c := range t.Channels {
		if c.Type == ChannelCategory && c.Name != "" {
			categories[c.Name] = true
		}
	}

	for i, c := range t.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if c.Name == "" {
			b.errorf(CodeStructural, field+".name", "channel name is required")
		}
		if !c.Type.Valid() {
			b.errorf(CodeStructural, field+".type", "unknown channel type %q", c.Type)
		}
		key := string(c.Type) + "/" + c.Name
		if c.Name != "" && seen[key] {
			b.errorf(CodeStructural, field+".name", "duplicate %s channel %q", c.Type, c.Name)
		}
		seen[key] = true

		if c.ParentRef != nil {
			parent := *c.ParentRef
			switch {
			case c.Type == ChannelCategory:
				b.errorf(CodeStructural, field+".parentRef", "category channels cannot be nested")
			case !categories[parent]:
				b.errorf(CodeStructural, field+".parentRef", "parent %q does not match a category in this template", parent)
			}
		}

		if c.Type.HasTopic() && (c.Topic == nil || *c.Topic == "") {
			b.warnf(field+".topic", "no topic")
		}
		if c.SlowmodeSeconds != nil && *c.SlowmodeSeconds < 0 {
			b.errorf(CodeStructural, field+".slowmodeSeconds", "slowmode must not be negative")
		}

		subjects := make(map[string]bool, len(c.PermissionOverwrites))
		for j, ow := range c.PermissionOverwrites {
			owField := fmt.Sprintf("%s.permissionOverwrites[%d].subjectRef", field, j)
			ref := ow.Subject.String()
			switch {
			case ow.Subject.IsEveryone():
			case ow.Subject.Role == "":
				b.errorf(CodeStructural, owField, "subjectRef is required")
				continue
			case !roles[ow.Subject.Role]:
				b.errorf(CodeStructural, owField, "subject %q does not match a role in this template", ref)
			}
			if subjects[ref] {
				b.errorf(CodeStructural, owField, "duplicate overwrite for %q", ref)
			}
			subjects[ref] = true
			if ow.Allow&ow.Deny != 0 {
				b.errorf(CodeStructural, fmt.Sprintf("%s.permissionOverwrites[%d]", field, j), "allowBits and denyBits overlap")
			}
		}
	}

	return true
}

func (v *Validator) checkLimits(b *resultBuilder, t *Template, snap *guild.Snapshot) {
	l := v.limits

	existingRoles, existingChannels := 0, 0
	if snap != nil {
		existingRoles = snap.RoleCount()
		existingChannels = snap.ChannelCount()
	}

	if total := len(t.Roles) + existingRoles; total > l.MaxRoles {
		b.errorf(CodeLimit, "roles", "import would create up to %d roles (%d existing + %d in template), limit is %d",
			total, existingRoles, len(t.Roles), l.MaxRoles)
	}
	if total := len(t.Channels) + existingChannels; total > l.MaxChannels {
		b.errorf(CodeLimit, "channels", "import would create up to %d channels (%d existing + %d in template), limit is %d",
			total, existingChannels, len(t.Channels), l.MaxChannels)
	}

	for i, r := range t.Roles {
		if n := utf8.RuneCountInString(r.Name); n > l.MaxNameLength {
			b.errorf(CodeLimit, fmt.Sprintf("roles[%d].name", i), "name is %d characters, limit is %d", n, l.MaxNameLength)
		}
	}
	for i, c := range t.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if n := utf8.RuneCountInString(c.Name); n > l.MaxNameLength {
			b.errorf(CodeLimit, field+".name", "name is %d characters, limit is %d", n, l.MaxNameLength)
		}
		if c.Topic != nil {
			if n := utf8.RuneCountInString(*c.Topic); n > l.MaxTopicLength {
				b.errorf(CodeLimit, field+".topic", "topic is %d characters, limit is %d", n, l.MaxTopicLength)
			}
		}
		if c.SlowmodeSeconds != nil && *c.SlowmodeSeconds > l.MaxSlowmodeSeconds {
			b.errorf(CodeLimit, field+".slowmodeSeconds", "slowmode is %d seconds, limit is %d", *c.SlowmodeSeconds, l.MaxSlowmodeSeconds)
		}
		if n := len(c.PermissionOverwrites); n > l.MaxOverwrites {
			b.errorf(CodeLimit, field+".permissionOverwrites", "%d overwrites, limit is %d", n, l.MaxOverwrites)
		}
	}
}
