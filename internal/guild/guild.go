// Package guild describes the live chat server a template is captured from
// or applied to.
//
// The Guild interface is the only way the template engine touches a server.
// Implementations are expected to block on network I/O and to honour the
// context passed to every call. No implementation retries internally.
package guild

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a guild, role or channel does not exist.
var ErrNotFound = errors.New("guild: not found")

// ChannelType is the platform channel type. Values mirror the Discord API.
type ChannelType int

const (
	ChannelText          ChannelType = 0
	ChannelVoice         ChannelType = 2
	ChannelCategory      ChannelType = 4
	ChannelAnnouncement  ChannelType = 5
	ChannelNewsThread    ChannelType = 10
	ChannelPublicThread  ChannelType = 11
	ChannelPrivateThread ChannelType = 12
	ChannelStage         ChannelType = 13
	ChannelForum         ChannelType = 15
)

// OverwriteType identifies the subject kind of a permission overwrite.
type OverwriteType int

const (
	OverwriteRole   OverwriteType = 0
	OverwriteMember OverwriteType = 1
)

// Role is a live role.
type Role struct {
	ID          string
	Name        string
	Color       int
	Permissions uint64
	Position    int
	Hoist       bool
	Mentionable bool
	// Managed roles belong to bots and integrations and cannot be created
	// or edited by clients.
	Managed bool
	// Everyone marks the implicit role every member has.
	Everyone bool
}

// Overwrite is a live per-channel permission exception.
type Overwrite struct {
	ID    string
	Type  OverwriteType
	Allow uint64
	Deny  uint64
}

// Channel is a live channel.
type Channel struct {
	ID         string
	Name       string
	Type       ChannelType
	Position   int
	ParentID   string
	Topic      string
	Slowmode   int
	NSFW       bool
	Bitrate    int
	UserLimit  int
	Overwrites []Overwrite
}

// Settings holds guild-wide moderation settings.
type Settings struct {
	VerificationLevel     int
	DefaultNotifications  int
	ExplicitContentFilter int
	AfkTimeout            int
}

// Info describes the guild itself.
type Info struct {
	ID       string
	Name     string
	Settings Settings
}

// RoleParams are the mutable attributes of a role.
type RoleParams struct {
	Name        string
	Color       int
	Permissions uint64
	// Position places a new role in the hierarchy; UpdateRole ignores it.
	Position    int
	Hoist       bool
	Mentionable bool
}

// ChannelParams are the mutable attributes of a channel. Nil ParentID,
// Topic and Slowmode leave the current value untouched on update; a nil
// ParentID creates a top-level channel.
type ChannelParams struct {
	Name       string
	Type       ChannelType
	ParentID   *string
	Topic      *string
	Slowmode   *int
	NSFW       bool
	Bitrate    int
	UserLimit  int
	Overwrites []Overwrite
}

// Guild is a handle on one live server.
type Guild interface {
	Info(ctx context.Context) (*Info, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListChannels(ctx context.Context) ([]Channel, error)

	// CreateRole may return a non-empty ID together with an error when the
	// role was created but could not be positioned.
	CreateRole(ctx context.Context, p RoleParams) (string, error)
	UpdateRole(ctx context.Context, id string, p RoleParams) error
	CreateChannel(ctx context.Context, p ChannelParams) (string, error)
	UpdateChannel(ctx context.Context, id string, p ChannelParams) error
	SetPermissionOverwrite(ctx context.Context, channelID, subjectID string, allow, deny uint64) error
	UpdateSettings(ctx context.Context, s Settings) error
}

// Resolver maps guild IDs to handles.
type Resolver interface {
	Guild(guildID string) (Guild, error)
}
