package template

import (
	"fmt"
	"strings"
	"testing"

	"github.com/foxzi/warden/internal/guild"
)

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_Valid(t *testing.T) {
	v := NewValidator(Limits{})
	res := v.Validate(sampleTemplate())
	if !res.Valid {
		t.Fatalf("Validate() errors = %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Validate() errors = %v, want none", res.Errors)
	}
}

func TestValidate_Structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Template)
		field  string
	}{
		{"missing name", func(tm *Template) { tm.Name = "" }, "name"},
		{"missing version", func(tm *Template) { tm.Metadata.Version = "" }, "metadata.version"},
		{"bad version", func(tm *Template) { tm.Metadata.Version = "one" }, "metadata.version"},
		{"short version", func(tm *Template) { tm.Metadata.Version = "1.0" }, "metadata.version"},
		{"unsupported major", func(tm *Template) { tm.Metadata.Version = "2.0.0" }, "metadata.version"},
		{"unknown channel type", func(tm *Template) { tm.Channels[1].Type = "telepathy" }, "channels[1].type"},
		{"empty role name", func(tm *Template) { tm.Roles[0].Name = "" }, "roles[0].name"},
		{"everyone declared", func(tm *Template) { tm.Roles[0].Name = EveryoneRef }, "roles[0].name"},
		{"duplicate role", func(tm *Template) { tm.Roles[1].Name = "Member" }, "roles[1].name"},
		{"duplicate position", func(tm *Template) { tm.Roles[1].Position = 1 }, "roles[1].position"},
		{"color out of range", func(tm *Template) { tm.Roles[0].Color = 0x1000000 }, "roles[0].color"},
		{"duplicate channel", func(tm *Template) { tm.Channels[1].Type = ChannelText; tm.Channels[1].Name = "general" }, "channels[2].name"},
		{"dangling parent", func(tm *Template) { tm.Channels[2].ParentRef = strPtr("Nowhere") }, "channels[2].parentRef"},
		{"parent not a category", func(tm *Template) { tm.Channels[2].ParentRef = strPtr("voice") }, "channels[2].parentRef"},
		{"nested category", func(tm *Template) { tm.Channels[0].ParentRef = strPtr("Community") }, "channels[0].parentRef"},
		{"dangling subject", func(tm *Template) {
			tm.Channels[2].PermissionOverwrites[0].Subject = RoleSubject("Ghost")
		}, "channels[2].permissionOverwrites[0].subjectRef"},
		{"empty subject", func(tm *Template) {
			tm.Channels[2].PermissionOverwrites[0].Subject = Subject{}
		}, "channels[2].permissionOverwrites[0].subjectRef"},
		{"duplicate subject", func(tm *Template) {
			tm.Channels[2].PermissionOverwrites[1].Subject = RoleSubject("Mod")
		}, "channels[2].permissionOverwrites[1].subjectRef"},
		{"overlapping bits", func(tm *Template) {
			tm.Channels[2].PermissionOverwrites[0].Deny = 1 << 10
		}, "channels[2].permissionOverwrites[0]"},
		{"negative slowmode", func(tm *Template) { tm.Channels[2].SlowmodeSeconds = intPtr(-1) }, "channels[2].slowmodeSeconds"},
	}

	v := NewValidator(Limits{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := sampleTemplate()
			tt.mutate(tmpl)

			res := v.Validate(tmpl)
			if res.Valid {
				t.Fatal("Validate() should fail")
			}
			if !hasIssue(res.Errors, tt.field) {
				t.Errorf("Validate() errors = %v, want one for %s", res.Errors, tt.field)
			}
			for _, e := range res.Errors {
				if e.Code != CodeStructural {
					t.Errorf("error %v has code %s, want structural", e, e.Code)
				}
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	res := NewValidator(Limits{}).Validate(nil)
	if res.Valid {
		t.Error("Validate(nil) should fail")
	}
}

func TestValidate_ReferenceIntegrity(t *testing.T) {
	// Every template with a reference that is not declared must be rejected,
	// whichever channel carries it.
	v := NewValidator(Limits{})
	base := sampleTemplate()
	for i := range base.Channels {
		for _, ref := range []string{"ghost", "Member ", "mod"} {
			tmpl := sampleTemplate()
			tmpl.Channels[i].PermissionOverwrites = append(tmpl.Channels[i].PermissionOverwrites,
				OverwriteSpec{Subject: RoleSubject(ref)})
			if v.Validate(tmpl).Valid {
				t.Errorf("channel %d with subject %q validated", i, ref)
			}

			if tmpl.Channels[i].Type == ChannelCategory {
				continue
			}
			tmpl = sampleTemplate()
			tmpl.Channels[i].ParentRef = strPtr(ref)
			if v.Validate(tmpl).Valid {
				t.Errorf("channel %d with parent %q validated", i, ref)
			}
		}
	}
}

func TestValidate_ChannelIdentityIsNameAndType(t *testing.T) {
	tmpl := sampleTemplate()
	tmpl.Channels[1].Name = tmpl.Channels[2].Name
	if tmpl.Channels[1].Type == tmpl.Channels[2].Type {
		t.Fatal("sample channels 1 and 2 must differ in type")
	}

	res := NewValidator(Limits{}).Validate(tmpl)
	if !res.Valid {
		t.Errorf("same name with different types should be valid: %v", res.Errors)
	}

	tmpl.Channels[1].Type = tmpl.Channels[2].Type
	res = NewValidator(Limits{}).Validate(tmpl)
	if !hasIssue(res.Errors, "channels[2].name") {
		t.Errorf("same name and type should be a duplicate: %v", res.Errors)
	}
}

func TestValidate_Warnings(t *testing.T) {
	tmpl := sampleTemplate()
	tmpl.Description = ""
	tmpl.Metadata.Tags = nil
	tmpl.Channels[2].Topic = nil

	res := NewValidator(Limits{}).Validate(tmpl)
	if !res.Valid {
		t.Fatalf("warnings must not invalidate: %v", res.Errors)
	}
	for _, field := range []string{"description", "metadata.tags", "channels[2].topic"} {
		if !hasIssue(res.Warnings, field) {
			t.Errorf("missing warning for %s in %v", field, res.Warnings)
		}
	}
	// Voice channels have no topic.
	if hasIssue(res.Warnings, "channels[1].topic") {
		t.Error("unexpected topic warning for voice channel")
	}
}

func TestValidateForImport_Limits(t *testing.T) {
	v := NewValidator(Limits{MaxRoles: 3, MaxChannels: 4, MaxOverwrites: 1, MaxNameLength: 10, MaxTopicLength: 5, MaxSlowmodeSeconds: 60})

	snap := &guild.Snapshot{
		Roles: []guild.Role{
			{ID: "g", Name: "@everyone", Everyone: true},
			{ID: "1", Name: "Existing"},
			{ID: "2", Name: "Other"},
		},
		Channels: []guild.Channel{{ID: "c1", Name: "a"}, {ID: "c2", Name: "b"}},
	}

	tmpl := sampleTemplate()
	tmpl.Channels[2].SlowmodeSeconds = intPtr(120)
	tmpl.Roles[0].Name = strings.Repeat("x", 11)

	res := v.ValidateForImport(tmpl, snap)
	if res.Valid {
		t.Fatal("ValidateForImport() should fail")
	}
	for _, field := range []string{
		"roles",
		"channels",
		"roles[0].name",
		"channels[2].topic",
		"channels[2].slowmodeSeconds",
		"channels[2].permissionOverwrites",
	} {
		if !hasIssue(res.Errors, field) {
			t.Errorf("missing limit error for %s in %v", field, res.Errors)
		}
	}
	for _, e := range res.Errors {
		if e.Code != CodeLimit {
			t.Errorf("error %v has code %s, want limit", e, e.Code)
		}
	}

	// Structure alone passes: limits are import-time only.
	if !v.Validate(tmpl).Valid {
		t.Error("Validate() should ignore platform limits")
	}
}

func TestValidateForImport_RoleCountBoundary(t *testing.T) {
	v := NewValidator(DefaultLimits())

	snapWith := func(existing int) *guild.Snapshot {
		snap := &guild.Snapshot{Roles: []guild.Role{{ID: "g", Name: "@everyone", Everyone: true}}}
		for i := 0; i < existing; i++ {
			snap.Roles = append(snap.Roles, guild.Role{ID: fmt.Sprint(i), Name: fmt.Sprint("r", i)})
		}
		return snap
	}

	// The everyone role does not count against the limit.
	if res := v.ValidateForImport(sampleTemplate(), snapWith(248)); !res.Valid {
		t.Errorf("250 roles should be allowed: %v", res.Errors)
	}
	if res := v.ValidateForImport(sampleTemplate(), snapWith(249)); res.Valid {
		t.Error("251 roles should exceed the limit")
	}
}

func TestValidateForImport_StructuralFirst(t *testing.T) {
	tmpl := sampleTemplate()
	tmpl.Name = ""
	res := NewValidator(Limits{}).ValidateForImport(tmpl, nil)
	if res.Valid || !hasIssue(res.Errors, "name") {
		t.Errorf("ValidateForImport() = %+v, want name error", res)
	}
}
