package guild

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Discord implements Guild over the Discord REST API.
type Discord struct {
	session *discordgo.Session
	guildID string
}

// NewDiscordSession creates a REST session authenticated with a bot token.
// The gateway is never opened.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return s, nil
}

// NewDiscord returns a handle on guildID.
func NewDiscord(session *discordgo.Session, guildID string) *Discord {
	return &Discord{session: session, guildID: guildID}
}

// DiscordResolver hands out Discord handles sharing one session.
type DiscordResolver struct {
	Session *discordgo.Session
}

// Guild implements Resolver.
func (r *DiscordResolver) Guild(guildID string) (Guild, error) {
	if r.Session == nil {
		return nil, fmt.Errorf("discord session is not configured")
	}
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	return NewDiscord(r.Session, guildID), nil
}

// Info implements Guild.
func (d *Discord) Info(ctx context.Context) (*Info, error) {
	g, err := d.session.Guild(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapRESTError(err)
	}
	return &Info{
		ID:   g.ID,
		Name: g.Name,
		Settings: Settings{
			VerificationLevel:     int(g.VerificationLevel),
			DefaultNotifications:  int(g.DefaultMessageNotifications),
			ExplicitContentFilter: int(g.ExplicitContentFilter),
			AfkTimeout:            g.AfkTimeout,
		},
	}, nil
}

// ListRoles implements Guild.
func (d *Discord) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := d.session.GuildRoles(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapRESTError(err)
	}

	result := make([]Role, 0, len(roles))
	for _, r := range roles {
		result = append(result, Role{
			ID:          r.ID,
			Name:        r.Name,
			Color:       r.Color,
			Permissions: uint64(r.Permissions),
			Position:    r.Position,
			Hoist:       r.Hoist,
			Mentionable: r.Mentionable,
			Managed:     r.Managed,
			Everyone:    r.ID == d.guildID,
		})
	}
	return result, nil
}

// ListChannels implements Guild.
func (d *Discord) ListChannels(ctx context.Context) ([]Channel, error) {
	channels, err := d.session.GuildChannels(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapRESTError(err)
	}

	result := make([]Channel, 0, len(channels))
	for _, c := range channels {
		ch := Channel{
			ID:        c.ID,
			Name:      c.Name,
			Type:      ChannelType(c.Type),
			Position:  c.Position,
			ParentID:  c.ParentID,
			Topic:     c.Topic,
			Slowmode:  c.RateLimitPerUser,
			NSFW:      c.NSFW,
			Bitrate:   c.Bitrate,
			UserLimit: c.UserLimit,
		}
		for _, ow := range c.PermissionOverwrites {
			typ := OverwriteRole
			if ow.Type == discordgo.PermissionOverwriteTypeMember {
				typ = OverwriteMember
			}
			ch.Overwrites = append(ch.Overwrites, Overwrite{
				ID:    ow.ID,
				Type:  typ,
				Allow: uint64(ow.Allow),
				Deny:  uint64(ow.Deny),
			})
		}
		result = append(result, ch)
	}
	return result, nil
}

// CreateRole implements Guild. Discord always creates roles at the bottom of
// the hierarchy, so a non-zero position is applied with a reorder call.
func (d *Discord) CreateRole(ctx context.Context, p RoleParams) (string, error) {
	role, err := d.session.GuildRoleCreate(d.guildID, roleParams(p), discordgo.WithContext(ctx))
	if err != nil {
		return "", wrapRESTError(err)
	}
	if err := d.moveRole(ctx, role.ID, p.Position); err != nil {
		return role.ID, err
	}
	return role.ID, nil
}

// UpdateRole implements Guild. The role keeps its place in the hierarchy.
func (d *Discord) UpdateRole(ctx context.Context, id string, p RoleParams) error {
	if _, err := d.session.GuildRoleEdit(d.guildID, id, roleParams(p), discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError(err)
	}
	return nil
}

func (d *Discord) moveRole(ctx context.Context, id string, position int) error {
	if position <= 0 {
		return nil
	}
	order := []*discordgo.Role{{ID: id, Position: position}}
	if _, err := d.session.GuildRoleReorder(d.guildID, order, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to move role: %w", wrapRESTError(err))
	}
	return nil
}

// CreateChannel implements Guild.
func (d *Discord) CreateChannel(ctx context.Context, p ChannelParams) (string, error) {
	data := discordgo.GuildChannelCreateData{
		Name:                 p.Name,
		Type:                 discordgo.ChannelType(p.Type),
		NSFW:                 p.NSFW,
		Bitrate:              p.Bitrate,
		UserLimit:            p.UserLimit,
		PermissionOverwrites: permissionOverwrites(p.Overwrites),
	}
	if p.ParentID != nil {
		data.ParentID = *p.ParentID
	}
	if p.Topic != nil {
		data.Topic = *p.Topic
	}
	if p.Slowmode != nil {
		data.RateLimitPerUser = *p.Slowmode
	}

	ch, err := d.session.GuildChannelCreateComplex(d.guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", wrapRESTError(err)
	}
	return ch.ID, nil
}

// UpdateChannel implements Guild. Overwrites are not touched; they are set
// one by one with SetPermissionOverwrite.
func (d *Discord) UpdateChannel(ctx context.Context, id string, p ChannelParams) error {
	nsfw := p.NSFW
	edit := &discordgo.ChannelEdit{
		Name:             p.Name,
		NSFW:             &nsfw,
		RateLimitPerUser: p.Slowmode,
		Bitrate:          p.Bitrate,
		UserLimit:        p.UserLimit,
	}
	if p.ParentID != nil {
		edit.ParentID = *p.ParentID
	}
	if p.Topic != nil {
		edit.Topic = *p.Topic
	}

	if _, err := d.session.ChannelEdit(id, edit, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError(err)
	}
	return nil
}

// SetPermissionOverwrite implements Guild. Only role subjects are written.
func (d *Discord) SetPermissionOverwrite(ctx context.Context, channelID, subjectID string, allow, deny uint64) error {
	err := d.session.ChannelPermissionSet(channelID, subjectID, discordgo.PermissionOverwriteTypeRole,
		int64(allow), int64(deny), discordgo.WithContext(ctx))
	return wrapRESTError(err)
}

// UpdateSettings implements Guild.
func (d *Discord) UpdateSettings(ctx context.Context, s Settings) error {
	level := discordgo.VerificationLevel(s.VerificationLevel)
	params := &discordgo.GuildParams{
		VerificationLevel:           &level,
		DefaultMessageNotifications: s.DefaultNotifications,
		ExplicitContentFilter:       s.ExplicitContentFilter,
		AfkTimeout:                  s.AfkTimeout,
	}
	if _, err := d.session.GuildEdit(d.guildID, params, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError(err)
	}
	return nil
}

func roleParams(p RoleParams) *discordgo.RoleParams {
	color := p.Color
	perms := int64(p.Permissions)
	hoist := p.Hoist
	mentionable := p.Mentionable
	return &discordgo.RoleParams{
		Name:        p.Name,
		Color:       &color,
		Permissions: &perms,
		Hoist:       &hoist,
		Mentionable: &mentionable,
	}
}

func permissionOverwrites(ows []Overwrite) []*discordgo.PermissionOverwrite {
	if len(ows) == 0 {
		return nil
	}
	result := make([]*discordgo.PermissionOverwrite, 0, len(ows))
	for _, ow := range ows {
		typ := discordgo.PermissionOverwriteTypeRole
		if ow.Type == OverwriteMember {
			typ = discordgo.PermissionOverwriteTypeMember
		}
		result = append(result, &discordgo.PermissionOverwrite{
			ID:    ow.ID,
			Type:  typ,
			Allow: int64(ow.Allow),
			Deny:  int64(ow.Deny),
		})
	}
	return result
}

// wrapRESTError maps 404 responses onto ErrNotFound.
func wrapRESTError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
