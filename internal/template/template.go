// Package template defines the portable server template, its schema rules,
// the exporter that captures a live guild, the validator and the bbolt
// template library.
package template

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// EveryoneRef is the wire form of the everyone subject.
const EveryoneRef = "@everyone"

// Template is a portable description of a server's roles, channels and
// permissions.
type Template struct {
	ID          string        `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	ServerName  string        `json:"serverName" yaml:"serverName"`
	Roles       []RoleSpec    `json:"roles" yaml:"roles"`
	Channels    []ChannelSpec `json:"channels" yaml:"channels"`
	Settings    *Settings     `json:"settings,omitempty" yaml:"settings,omitempty"`
	Metadata    Metadata      `json:"metadata" yaml:"metadata"`
}

// RoleSpec describes one role. Higher positions are more senior.
type RoleSpec struct {
	Name        string `json:"name" yaml:"name"`
	Color       int    `json:"color" yaml:"color"`
	Permissions uint64 `json:"permissions" yaml:"permissions"`
	Position    int    `json:"position" yaml:"position"`
	Hoist       bool   `json:"hoist" yaml:"hoist"`
	Mentionable bool   `json:"mentionable" yaml:"mentionable"`
}

// ChannelSpec describes one channel. ParentRef names a category channel of
// the same template.
type ChannelSpec struct {
	Name                 string          `json:"name" yaml:"name"`
	Type                 ChannelType     `json:"type" yaml:"type"`
	Topic                *string         `json:"topic" yaml:"topic"`
	SlowmodeSeconds      *int            `json:"slowmodeSeconds" yaml:"slowmodeSeconds"`
	ParentRef            *string         `json:"parentRef" yaml:"parentRef"`
	NSFW                 bool            `json:"nsfw,omitempty" yaml:"nsfw,omitempty"`
	Bitrate              int             `json:"bitrate,omitempty" yaml:"bitrate,omitempty"`
	UserLimit            int             `json:"userLimit,omitempty" yaml:"userLimit,omitempty"`
	PermissionOverwrites []OverwriteSpec `json:"permissionOverwrites" yaml:"permissionOverwrites"`
}

// Parent returns the parent reference, or "" for top-level channels.
func (c *ChannelSpec) Parent() string {
	if c.ParentRef == nil {
		return ""
	}
	return *c.ParentRef
}

// OverwriteSpec is a per-channel permission exception for one subject.
type OverwriteSpec struct {
	Subject Subject `json:"subjectRef" yaml:"subjectRef"`
	Allow   uint64  `json:"allowBits" yaml:"allowBits"`
	Deny    uint64  `json:"denyBits" yaml:"denyBits"`
}

// Settings are guild-wide moderation settings.
type Settings struct {
	VerificationLevel     int `json:"verificationLevel" yaml:"verificationLevel"`
	DefaultNotifications  int `json:"defaultNotifications" yaml:"defaultNotifications"`
	ExplicitContentFilter int `json:"explicitContentFilter" yaml:"explicitContentFilter"`
	AfkTimeoutSeconds     int `json:"afkTimeoutSeconds" yaml:"afkTimeoutSeconds"`
}

// Metadata tracks provenance and schema version.
type Metadata struct {
	Version   string    `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	AuthorID  string    `json:"authorId" yaml:"authorId"`
	Tags      []string  `json:"tags" yaml:"tags"`
}

// SubjectKind discriminates Subject.
type SubjectKind int

const (
	SubjectRole SubjectKind = iota
	SubjectEveryone
)

// Subject is the target of a permission overwrite: either a template role
// referenced by name, or the implicit everyone role.
type Subject struct {
	Kind SubjectKind
	Role string
}

// RoleSubject returns a subject referencing the named role.
func RoleSubject(name string) Subject {
	return Subject{Kind: SubjectRole, Role: name}
}

// EveryoneSubject returns the everyone subject.
func EveryoneSubject() Subject {
	return Subject{Kind: SubjectEveryone}
}

// ParseSubject decodes the wire form of a subject reference.
func ParseSubject(ref string) Subject {
	if ref == EveryoneRef {
		return EveryoneSubject()
	}
	return RoleSubject(ref)
}

// IsEveryone reports whether s is the everyone subject.
func (s Subject) IsEveryone() bool {
	return s.Kind == SubjectEveryone
}

// String returns the wire form.
func (s Subject) String() string {
	if s.IsEveryone() {
		return EveryoneRef
	}
	return s.Role
}

// MarshalJSON implements json.Marshaler.
func (s Subject) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Subject) UnmarshalJSON(data []byte) error {
	var ref string
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("subjectRef must be a string: %w", err)
	}
	*s = ParseSubject(ref)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Subject) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Subject) UnmarshalYAML(value *yaml.Node) error {
	var ref string
	if err := value.Decode(&ref); err != nil {
		return fmt.Errorf("subjectRef must be a string: %w", err)
	}
	*s = ParseSubject(ref)
	return nil
}

// Summary is a compact listing entry for stored templates.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ServerName  string    `json:"serverName,omitempty"`
	Roles       int       `json:"roles"`
	Channels    int       `json:"channels"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Fingerprint string    `json:"fingerprint"`
}

// Summarize returns the listing entry for t.
func (t *Template) Summarize() Summary {
	return Summary{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		ServerName:  t.ServerName,
		Roles:       len(t.Roles),
		Channels:    len(t.Channels),
		Tags:        t.Metadata.Tags,
		CreatedAt:   t.Metadata.CreatedAt,
		Fingerprint: Fingerprint(t),
	}
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit  int
	Offset int
	Search string
	Tag    string
}
