package guild

import (
	"context"
	"fmt"
)

// Snapshot is a point-in-time copy of a guild's structure.
type Snapshot struct {
	GuildID  string
	Name     string
	Settings Settings
	Roles    []Role
	Channels []Channel
}

// Capture reads the current structure of g.
func Capture(ctx context.Context, g Guild) (*Snapshot, error) {
	info, err := g.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read guild: %w", err)
	}

	roles, err := g.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	channels, err := g.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	return &Snapshot{
		GuildID:  info.ID,
		Name:     info.Name,
		Settings: info.Settings,
		Roles:    roles,
		Channels: channels,
	}, nil
}

// EveryoneRole returns the implicit everyone role, or nil.
func (s *Snapshot) EveryoneRole() *Role {
	for i := range s.Roles {
		if s.Roles[i].Everyone {
			return &s.Roles[i]
		}
	}
	return nil
}

// RoleByName returns the most senior role with the given name. The
// everyone role never matches.
func (s *Snapshot) RoleByName(name string) (*Role, bool) {
	var found *Role
	for i := range s.Roles {
		r := &s.Roles[i]
		if r.Everyone || r.Name != name {
			continue
		}
		if found == nil || r.Position > found.Position {
			found = r
		}
	}
	return found, found != nil
}

// FindChannel returns the first channel with the given name and type.
func (s *Snapshot) FindChannel(name string, typ ChannelType) (*Channel, bool) {
	for i := range s.Channels {
		c := &s.Channels[i]
		if c.Name == name && c.Type == typ {
			return c, true
		}
	}
	return nil, false
}

// RoleCount returns the number of roles excluding the everyone role.
func (s *Snapshot) RoleCount() int {
	n := 0
	for _, r := range s.Roles {
		if !r.Everyone {
			n++
		}
	}
	return n
}

// ChannelCount returns the number of channels, categories included.
func (s *Snapshot) ChannelCount() int {
	return len(s.Channels)
}
