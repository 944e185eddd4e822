// Package guildtest provides an in-memory guild for tests and offline runs.
package guildtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/foxzi/warden/internal/guild"
)

// Operation names recorded in Call.Op.
const (
	OpCreateRole     = "create_role"
	OpUpdateRole     = "update_role"
	OpCreateChannel  = "create_channel"
	OpUpdateChannel  = "update_channel"
	OpSetOverwrite   = "set_overwrite"
	OpUpdateSettings = "update_settings"
)

// Call records one mutation request.
type Call struct {
	Op string
	// Name is the role or channel name, or the subject ID for overwrites.
	Name string
	// ID is the target entity ID; empty for creates.
	ID string
}

// Interceptor runs before a mutation is applied. A non-nil error fails the
// call without applying it.
type Interceptor func(ctx context.Context, call Call) error

// Guild is a concurrency-safe in-memory guild.Guild.
type Guild struct {
	mu        sync.Mutex
	id        string
	name      string
	settings  guild.Settings
	roles     []guild.Role
	channels  []guild.Channel
	nextID    int
	calls     []Call
	intercept Interceptor
}

// New returns a guild containing only the everyone role, whose ID equals
// the guild ID.
func New(id, name string) *Guild {
	return &Guild{
		id:     id,
		name:   name,
		roles:  []guild.Role{{ID: id, Name: "@everyone", Everyone: true}},
		nextID: 1000,
	}
}

// Intercept installs fn in front of every mutation.
func (g *Guild) Intercept(fn Interceptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intercept = fn
}

// FailOn makes every mutation with the given op and name fail with err.
func (g *Guild) FailOn(op, name string, err error) {
	g.Intercept(func(ctx context.Context, c Call) error {
		if c.Op == op && c.Name == name {
			return err
		}
		return nil
	})
}

// AddRole seeds a role and returns its ID.
func (g *Guild) AddRole(r guild.Role) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.ID == "" {
		r.ID = g.allocID()
	}
	g.roles = append(g.roles, r)
	return r.ID
}

// AddChannel seeds a channel and returns its ID.
func (g *Guild) AddChannel(c guild.Channel) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.ID == "" {
		c.ID = g.allocID()
	}
	g.channels = append(g.channels, c)
	return c.ID
}

// SetSettings replaces the guild settings.
func (g *Guild) SetSettings(s guild.Settings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = s
}

// Calls returns the mutations received so far, in order.
func (g *Guild) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Role returns the role with the given ID.
func (g *Guild) Role(id string) (guild.Role, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.roles {
		if r.ID == id {
			return r, true
		}
	}
	return guild.Role{}, false
}

// Channel returns the channel with the given ID.
func (g *Guild) Channel(id string) (guild.Channel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.channels {
		if c.ID == id {
			return copyChannel(c), true
		}
	}
	return guild.Channel{}, false
}

func (g *Guild) allocID() string {
	g.nextID++
	return fmt.Sprintf("%d", g.nextID)
}

// before records the call and runs the interceptor outside the lock so
// that interceptors may block or call back into the guild.
func (g *Guild) before(ctx context.Context, c Call) error {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	fn := g.intercept
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, c)
	}
	return nil
}

// Info implements guild.Guild.
func (g *Guild) Info(ctx context.Context) (*guild.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &guild.Info{ID: g.id, Name: g.name, Settings: g.settings}, nil
}

// ListRoles implements guild.Guild.
func (g *Guild) ListRoles(ctx context.Context) ([]guild.Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	roles := append([]guild.Role(nil), g.roles...)
	sort.SliceStable(roles, func(i, j int) bool { return roles[i].Position < roles[j].Position })
	return roles, nil
}

// ListChannels implements guild.Guild.
func (g *Guild) ListChannels(ctx context.Context) ([]guild.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	channels := make([]guild.Channel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, copyChannel(c))
	}
	return channels, nil
}

// CreateRole implements guild.Guild.
func (g *Guild) CreateRole(ctx context.Context, p guild.RoleParams) (string, error) {
	if err := g.before(ctx, Call{Op: OpCreateRole, Name: p.Name}); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.allocID()
	g.roles = append(g.roles, guild.Role{
		ID:          id,
		Name:        p.Name,
		Color:       p.Color,
		Permissions: p.Permissions,
		Position:    p.Position,
		Hoist:       p.Hoist,
		Mentionable: p.Mentionable,
	})
	return id, nil
}

// UpdateRole implements guild.Guild.
func (g *Guild) UpdateRole(ctx context.Context, id string, p guild.RoleParams) error {
	if err := g.before(ctx, Call{Op: OpUpdateRole, Name: p.Name, ID: id}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.roles {
		if g.roles[i].ID != id {
			continue
		}
		r := &g.roles[i]
		r.Name = p.Name
		r.Color = p.Color
		r.Permissions = p.Permissions
		r.Hoist = p.Hoist
		r.Mentionable = p.Mentionable
		return nil
	}
	return fmt.Errorf("role %s: %w", id, guild.ErrNotFound)
}

// CreateChannel implements guild.Guild.
func (g *Guild) CreateChannel(ctx context.Context, p guild.ChannelParams) (string, error) {
	if err := g.before(ctx, Call{Op: OpCreateChannel, Name: p.Name}); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	parentID := ""
	if p.ParentID != nil {
		parentID = *p.ParentID
	}
	if parentID != "" && g.findChannel(parentID) == nil {
		return "", fmt.Errorf("parent %s: %w", parentID, guild.ErrNotFound)
	}
	id := g.allocID()
	c := guild.Channel{
		ID:         id,
		Name:       p.Name,
		Type:       p.Type,
		Position:   len(g.channels),
		ParentID:   parentID,
		NSFW:       p.NSFW,
		Bitrate:    p.Bitrate,
		UserLimit:  p.UserLimit,
		Overwrites: append([]guild.Overwrite(nil), p.Overwrites...),
	}
	if p.Topic != nil {
		c.Topic = *p.Topic
	}
	if p.Slowmode != nil {
		c.Slowmode = *p.Slowmode
	}
	g.channels = append(g.channels, c)
	return id, nil
}

// UpdateChannel implements guild.Guild.
func (g *Guild) UpdateChannel(ctx context.Context, id string, p guild.ChannelParams) error {
	if err := g.before(ctx, Call{Op: OpUpdateChannel, Name: p.Name, ID: id}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.findChannel(id)
	if c == nil {
		return fmt.Errorf("channel %s: %w", id, guild.ErrNotFound)
	}
	c.Name = p.Name
	if p.ParentID != nil {
		c.ParentID = *p.ParentID
	}
	c.NSFW = p.NSFW
	c.Bitrate = p.Bitrate
	c.UserLimit = p.UserLimit
	if p.Topic != nil {
		c.Topic = *p.Topic
	}
	if p.Slowmode != nil {
		c.Slowmode = *p.Slowmode
	}
	return nil
}

// SetPermissionOverwrite implements guild.Guild.
func (g *Guild) SetPermissionOverwrite(ctx context.Context, channelID, subjectID string, allow, deny uint64) error {
	if err := g.before(ctx, Call{Op: OpSetOverwrite, Name: subjectID, ID: channelID}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.findChannel(channelID)
	if c == nil {
		return fmt.Errorf("channel %s: %w", channelID, guild.ErrNotFound)
	}
	for i := range c.Overwrites {
		if c.Overwrites[i].ID == subjectID {
			c.Overwrites[i].Allow = allow
			c.Overwrites[i].Deny = deny
			return nil
		}
	}
	c.Overwrites = append(c.Overwrites, guild.Overwrite{ID: subjectID, Type: guild.OverwriteRole, Allow: allow, Deny: deny})
	return nil
}

// UpdateSettings implements guild.Guild.
func (g *Guild) UpdateSettings(ctx context.Context, s guild.Settings) error {
	if err := g.before(ctx, Call{Op: OpUpdateSettings}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = s
	return nil
}

func (g *Guild) findChannel(id string) *guild.Channel {
	for i := range g.channels {
		if g.channels[i].ID == id {
			return &g.channels[i]
		}
	}
	return nil
}

func copyChannel(c guild.Channel) guild.Channel {
	c.Overwrites = append([]guild.Overwrite(nil), c.Overwrites...)
	return c
}

// Registry is a guild.Resolver over in-memory guilds.
type Registry struct {
	mu     sync.Mutex
	guilds map[string]*Guild
}

// NewRegistry returns a registry holding gs.
func NewRegistry(gs ...*Guild) *Registry {
	r := &Registry{guilds: make(map[string]*Guild)}
	for _, g := range gs {
		r.guilds[g.id] = g
	}
	return r
}

// Add registers g.
func (r *Registry) Add(g *Guild) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds[g.id] = g
}

// Guild implements guild.Resolver.
func (r *Registry) Guild(guildID string) (guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("guild %s: %w", guildID, guild.ErrNotFound)
	}
	return g, nil
}
