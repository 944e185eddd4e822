package template

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/foxzi/warden/internal/guild"
)

// SchemaVersion is the version written into exported templates.
const SchemaVersion = "1.0.0"

// supportedMajors lists the schema major versions this build can import.
var supportedMajors = map[string]bool{"v1": true}

// ChannelType is the portable channel type.
type ChannelType string

const (
	ChannelText         ChannelType = "text"
	ChannelVoice        ChannelType = "voice"
	ChannelCategory     ChannelType = "category"
	ChannelAnnouncement ChannelType = "announcement"
	ChannelStage        ChannelType = "stage"
	ChannelForum        ChannelType = "forum"
)

var channelTypes = map[ChannelType]guild.ChannelType{
	ChannelText:         guild.ChannelText,
	ChannelVoice:        guild.ChannelVoice,
	ChannelCategory:     guild.ChannelCategory,
	ChannelAnnouncement: guild.ChannelAnnouncement,
	ChannelStage:        guild.ChannelStage,
	ChannelForum:        guild.ChannelForum,
}

// Valid reports whether t is a recognized channel type.
func (t ChannelType) Valid() bool {
	_, ok := channelTypes[t]
	return ok
}

// Live returns the platform channel type.
func (t ChannelType) Live() guild.ChannelType {
	return channelTypes[t]
}

// HasTopic reports whether channels of this type carry a topic.
func (t ChannelType) HasTopic() bool {
	return t == ChannelText || t == ChannelAnnouncement || t == ChannelForum
}

// HasSlowmode reports whether channels of this type support slowmode.
func (t ChannelType) HasSlowmode() bool {
	return t == ChannelText || t == ChannelForum
}

// IsVoice reports whether channels of this type carry bitrate and user limit.
func (t ChannelType) IsVoice() bool {
	return t == ChannelVoice || t == ChannelStage
}

// ChannelTypeFromLive maps a platform type onto the portable enum. Thread
// and DM types have no portable form.
func ChannelTypeFromLive(t guild.ChannelType) (ChannelType, bool) {
	for portable, live := range channelTypes {
		if live == t {
			return portable, true
		}
	}
	return "", false
}

// Limits are the platform ceilings checked before an import.
type Limits struct {
	MaxRoles           int `json:"maxRoles" yaml:"max_roles"`
	MaxChannels        int `json:"maxChannels" yaml:"max_channels"`
	MaxOverwrites      int `json:"maxOverwrites" yaml:"max_overwrites"`
	MaxNameLength      int `json:"maxNameLength" yaml:"max_name_length"`
	MaxTopicLength     int `json:"maxTopicLength" yaml:"max_topic_length"`
	MaxSlowmodeSeconds int `json:"maxSlowmodeSeconds" yaml:"max_slowmode_seconds"`
}

// DefaultLimits returns the Discord platform limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRoles:           250,
		MaxChannels:        500,
		MaxOverwrites:      100,
		MaxNameLength:      100,
		MaxTopicLength:     1024,
		MaxSlowmodeSeconds: 21600,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRoles <= 0 {
		l.MaxRoles = d.MaxRoles
	}
	if l.MaxChannels <= 0 {
		l.MaxChannels = d.MaxChannels
	}
	if l.MaxOverwrites <= 0 {
		l.MaxOverwrites = d.MaxOverwrites
	}
	if l.MaxNameLength <= 0 {
		l.MaxNameLength = d.MaxNameLength
	}
	if l.MaxTopicLength <= 0 {
		l.MaxTopicLength = d.MaxTopicLength
	}
	if l.MaxSlowmodeSeconds <= 0 {
		l.MaxSlowmodeSeconds = d.MaxSlowmodeSeconds
	}
	return l
}

// MaxColor is the largest RGB colour value.
const MaxColor = 0xFFFFFF

// checkVersion returns a problem description, or "" when version is an
// accepted MAJOR.MINOR.PATCH semver string.
func checkVersion(version string) string {
	if version == "" {
		return "version is required"
	}
	v := "v" + version
	if !semver.IsValid(v) {
		return fmt.Sprintf("version %q is not a valid semantic version", version)
	}
	core := strings.SplitN(strings.SplitN(version, "-", 2)[0], "+", 2)[0]
	if strings.Count(core, ".") != 2 {
		return fmt.Sprintf("version %q must have the form MAJOR.MINOR.PATCH", version)
	}
	if !supportedMajors[semver.Major(v)] {
		return fmt.Sprintf("unsupported template version %s (supported: %s)", version, SchemaVersion)
	}
	return ""
}

// isNewerCompatible reports whether version is importable and newer than
// SchemaVersion.
func isNewerCompatible(version string) bool {
	if checkVersion(version) != "" {
		return false
	}
	return semver.Compare("v"+version, "v"+SchemaVersion) > 0
}
