package discord

import (
	"encoding/json"
	"fmt"
)

// Channel types as defined by the Discord API.
const (
	ChannelGuildText  = 0
	ChannelGuildVoice = 2
)

// Permission bits used for channel overwrites.
const (
	PermissionViewChannel int64 = 1 << 10
	PermissionConnect     int64 = 1 << 20
)

// Overwrite target types.
const (
	OverwriteRole   = 0
	OverwriteMember = 1
)

// User is the subset of a Discord user object this service consumes.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Bot           bool   `json:"bot"`
}

// Member is a guild member as returned by the guild member endpoints.
// Roles is required: a payload without it does not decode.
type Member struct {
	User  User     `json:"user"`
	Nick  string   `json:"nick"`
	Roles []string `json:"roles"`
}

// ParseMember decodes a guild member payload and validates that the
// fields the reconciliation engine relies on are present. Absent fields
// are a decode failure, not a silent default.
func ParseMember(data []byte) (*Member, error) {
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode member: %w", err)
	}
	if m.User.ID == "" {
		return nil, fmt.Errorf("decode member: missing user id")
	}
	if m.Roles == nil {
		return nil, fmt.Errorf("decode member: missing roles")
	}
	return &m, nil
}

// Overwrite is one entry of a channel's permission overwrite list.
// Allow and Deny are stringified permission bit sets, per the API.
type Overwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow"`
	Deny  string `json:"deny"`
}

// Channel is the subset of a channel object needed to manage
// member-specific permission overwrites.
type Channel struct {
	ID                   string      `json:"id"`
	Type                 int         `json:"type"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites"`
}

// ParseChannel decodes a channel payload.
func ParseChannel(data []byte) (*Channel, error) {
	var c Channel
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("decode channel: missing id")
	}
	return &c, nil
}
