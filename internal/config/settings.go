package config

import (
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const missingTableName = "__missing_table_name__"

var tableNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Settings is the guild configuration parsed once at startup from a YAML
// blob. Role and channel IDs are Discord snowflakes, group IDs are Core
// group identifiers. A role or channel is managed iff it appears as a key
// in Roles or Channels.
type Settings struct {
	TableName         string
	ServerID          string
	BotToken          string
	OAuthRedirectURI  string
	OAuthClientID     string
	OAuthClientSecret string

	Roles            map[string][]int64
	Channels         map[string][]int64
	RequiredGroups   []int64
	DoNotKick        []string
	NoNicknameChange []string
	DisableKicks     bool
	Nickname         string
}

type rawSettings struct {
	TableName         string             `yaml:"TableName"`
	ServerID          string             `yaml:"ServerId"`
	BotToken          string             `yaml:"BotToken"`
	OAuthRedirectURI  string             `yaml:"OAuthRedirectUri"`
	OAuthClientID     string             `yaml:"OAuthClientId"`
	OAuthClientSecret string             `yaml:"OAuthClientSecret"`
	Roles             map[string][]int64 `yaml:"Roles"`
	Channels          map[string][]int64 `yaml:"Channels"`
	RequiredGroups    []int64            `yaml:"RequiredGroups"`
	DoNotKick         []string           `yaml:"DoNotKick"`
	NoNicknameChange  []string           `yaml:"NoNicknameChange"`
	DisableKicks      bool               `yaml:"DisableKicks"`
	Nickname          string             `yaml:"Nickname"`
}

// ParseSettings parses the configuration blob. A missing required key is
// logged as a warning, not an error; the service keeps running with empty
// values so that a misconfigured deployment stays diagnosable.
func ParseSettings(log *slog.Logger, data []byte) (*Settings, error) {
	var raw rawSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	s := &Settings{
		TableName:         sanitizeTableName(raw.TableName),
		ServerID:          raw.ServerID,
		BotToken:          raw.BotToken,
		OAuthRedirectURI:  raw.OAuthRedirectURI,
		OAuthClientID:     raw.OAuthClientID,
		OAuthClientSecret: raw.OAuthClientSecret,
		Roles:             raw.Roles,
		Channels:          raw.Channels,
		RequiredGroups:    raw.RequiredGroups,
		DoNotKick:         raw.DoNotKick,
		NoNicknameChange:  raw.NoNicknameChange,
		DisableKicks:      raw.DisableKicks,
		Nickname:          raw.Nickname,
	}
	if s.Roles == nil {
		s.Roles = map[string][]int64{}
	}
	if s.Channels == nil {
		s.Channels = map[string][]int64{}
	}

	if s.TableName == "" || s.TableName == missingTableName ||
		s.ServerID == "" || s.BotToken == "" ||
		s.OAuthRedirectURI == "" || s.OAuthClientID == "" || s.OAuthClientSecret == "" {
		log.Warn("configuration_incomplete",
			"table_name", s.TableName,
			"server_id", s.ServerID,
			"has_bot_token", s.BotToken != "",
			"has_oauth", s.OAuthClientID != "" && s.OAuthClientSecret != "" && s.OAuthRedirectURI != "",
		)
	}

	return s, nil
}

func sanitizeTableName(name string) string {
	if name == "" {
		name = missingTableName
	}
	return tableNamePattern.ReplaceAllString(name, "")
}

// KickExempt reports whether the Discord user must never be kicked.
func (s *Settings) KickExempt(discordID string) bool {
	for _, id := range s.DoNotKick {
		if id == discordID {
			return true
		}
	}
	return false
}

// NicknameFrozen reports whether any of the member's roles is in the
// no-nickname-change set.
func (s *Settings) NicknameFrozen(memberRoles []string) bool {
	for _, role := range memberRoles {
		for _, frozen := range s.NoNicknameChange {
			if role == frozen {
				return true
			}
		}
	}
	return false
}

// NicknameFor renders the nickname for a character. The template supports
// {name} and {ticker} placeholders; the default is "{name} [{ticker}]".
func (s *Settings) NicknameFor(name, corporationTicker string) string {
	tpl := s.Nickname
	if tpl == "" {
		tpl = "{name} [{ticker}]"
	}
	nick := strings.ReplaceAll(tpl, "{name}", name)
	return strings.ReplaceAll(nick, "{ticker}", corporationTicker)
}
