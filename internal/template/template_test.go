package template

import (
	"time"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// sampleTemplate returns a small valid template used across tests.
func sampleTemplate() *Template {
	return &Template{
		Name:        "community",
		Description: "basic community layout",
		ServerName:  "Origin",
		Roles: []RoleSpec{
			{Name: "Member", Color: 0x99AAB5, Permissions: 1 << 10, Position: 1},
			{Name: "Mod", Color: 0x3498DB, Permissions: 1<<10 | 1<<13, Position: 5, Hoist: true},
		},
		Channels: []ChannelSpec{
			{Name: "Community", Type: ChannelCategory, PermissionOverwrites: []OverwriteSpec{}},
			{Name: "voice", Type: ChannelVoice, ParentRef: strPtr("Community"), Bitrate: 64000, PermissionOverwrites: []OverwriteSpec{}},
			{
				Name:            "general",
				Type:            ChannelText,
				Topic:           strPtr("Say hi"),
				SlowmodeSeconds: intPtr(0),
				ParentRef:       strPtr("Community"),
				PermissionOverwrites: []OverwriteSpec{
					{Subject: RoleSubject("Mod"), Allow: 1 << 10},
					{Subject: EveryoneSubject(), Deny: 1 << 11},
				},
			},
		},
		Metadata: Metadata{
			Version:   SchemaVersion,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			AuthorID:  "42",
			Tags:      []string{"community"},
		},
	}
}
