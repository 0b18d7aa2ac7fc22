package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Documented Discord error codes this service branches on.
const (
	codeUnknownMember = 10007
	codeBanned        = 40007
)

// Sentinel errors derived from documented remote error codes. Callers
// branch on these with errors.Is; everything else is a generic failure.
var (
	ErrUnknownMember = errors.New("unknown guild member")
	ErrBanned        = errors.New("user is banned from the guild")
)

const memberPageLimit = 500

// GuildClient provides the typed guild operations the reconciliation
// engine and the linking flow need, built on the rate-limited gateway.
// All guild-scoped calls carry the bot-token Authorization header.
type GuildClient struct {
	gw      *Gateway
	baseURL string
	guildID string

	botAuth string

	oauthRedirectURI string
	oauthClientID    string
	oauthClientSec   string
}

type GuildClientConfig struct {
	GuildID           string
	BotToken          string
	OAuthRedirectURI  string
	OAuthClientID     string
	OAuthClientSecret string

	// BaseURL overrides the Discord API endpoint, for tests.
	BaseURL string
}

func NewGuildClient(gw *Gateway, cfg GuildClientConfig) *GuildClient {
	base := cfg.BaseURL
	if base == "" {
		base = "https://discord.com/api"
	}
	return &GuildClient{
		gw:               gw,
		baseURL:          strings.TrimSuffix(base, "/"),
		guildID:          cfg.GuildID,
		botAuth:          "Bot " + cfg.BotToken,
		oauthRedirectURI: cfg.OAuthRedirectURI,
		oauthClientID:    cfg.OAuthClientID,
		oauthClientSec:   cfg.OAuthClientSecret,
	}
}

func (c *GuildClient) authHeader(contentType string) http.Header {
	h := http.Header{}
	h.Set("Authorization", c.botAuth)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

// Member fetches one guild member.
// https://discord.com/developers/docs/resources/guild#get-guild-member
// Returns ErrUnknownMember when Discord reports error code 10007.
func (c *GuildClient) Member(ctx context.Context, discordID string) (*Member, error) {
	data, err := c.gw.Request(ctx, http.MethodGet,
		fmt.Sprintf("%s/guilds/%s/members/%s", c.baseURL, c.guildID, discordID),
		c.authHeader(""), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && apiErr.Code == codeUnknownMember {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMember, discordID)
		}
		return nil, err
	}
	return ParseMember(data)
}

// KickMember removes a member from the guild.
// https://discord.com/developers/docs/resources/guild#remove-guild-member
func (c *GuildClient) KickMember(ctx context.Context, discordID string) error {
	_, err := c.gw.Request(ctx, http.MethodDelete,
		fmt.Sprintf("%s/guilds/%s/members/%s", c.baseURL, c.guildID, discordID),
		c.authHeader(""), nil)
	return err
}

// AddRole assigns a role to a member.
// https://discord.com/developers/docs/resources/guild#add-guild-member-role
func (c *GuildClient) AddRole(ctx context.Context, discordID, roleID string) error {
	_, err := c.gw.Request(ctx, http.MethodPut,
		fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", c.baseURL, c.guildID, discordID, roleID),
		c.authHeader(""), nil)
	return err
}

// RemoveRole removes a role from a member.
// https://discord.com/developers/docs/resources/guild#remove-guild-member-role
func (c *GuildClient) RemoveRole(ctx context.Context, discordID, roleID string) error {
	_, err := c.gw.Request(ctx, http.MethodDelete,
		fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", c.baseURL, c.guildID, discordID, roleID),
		c.authHeader(""), nil)
	return err
}

// Channel fetches a channel including its permission overwrites.
// https://discord.com/developers/docs/resources/channel#get-channel
func (c *GuildClient) Channel(ctx context.Context, channelID string) (*Channel, error) {
	data, err := c.gw.Request(ctx, http.MethodGet,
		fmt.Sprintf("%s/channels/%s", c.baseURL, channelID),
		c.authHeader(""), nil)
	if err != nil {
		return nil, err
	}
	return ParseChannel(data)
}

// UpdateChannelOverwrites replaces the channel's complete permission
// overwrite list. Discord's channel-update contract replaces the whole
// collection, not individual entries.
// https://discord.com/developers/docs/resources/channel#modify-channel
func (c *GuildClient) UpdateChannelOverwrites(ctx context.Context, channelID string, overwrites []Overwrite) error {
	body, err := json.Marshal(map[string]any{"permission_overwrites": overwrites})
	if err != nil {
		return err
	}
	_, err = c.gw.Request(ctx, http.MethodPatch,
		fmt.Sprintf("%s/channels/%s", c.baseURL, channelID),
		c.authHeader("application/json"), body)
	return err
}

// SetNickname patches the member's guild nickname. A write is skipped
// when the new nickname equals the current one byte for byte, to avoid
// burning rate-limit budget on no-ops.
// https://discord.com/developers/docs/resources/guild#modify-guild-member
func (c *GuildClient) SetNickname(ctx context.Context, discordID, nickname, current string) error {
	if nickname == current {
		return nil
	}
	body, err := json.Marshal(map[string]string{"nick": nickname})
	if err != nil {
		return err
	}
	_, err = c.gw.Request(ctx, http.MethodPatch,
		fmt.Sprintf("%s/guilds/%s/members/%s", c.baseURL, c.guildID, discordID),
		c.authHeader("application/json"), body)
	return err
}

// Members lists every guild member, paginating with the highest seen
// snowflake as cursor. Bot accounts are excluded. The result is keyed by
// Discord user ID so one sweep can reuse it instead of fetching members
// one by one.
// https://discord.com/developers/docs/resources/guild#list-guild-members
func (c *GuildClient) Members(ctx context.Context) (map[string]*Member, error) {
	members := make(map[string]*Member)
	var after uint64
	for {
		data, err := c.gw.Request(ctx, http.MethodGet,
			fmt.Sprintf("%s/guilds/%s/members?limit=%d&after=%d", c.baseURL, c.guildID, memberPageLimit, after),
			c.authHeader(""), nil)
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode member list: %w", err)
		}
		for _, raw := range page {
			member, err := ParseMember(raw)
			if err != nil {
				return nil, err
			}
			if id, err := strconv.ParseUint(member.User.ID, 10, 64); err == nil && id > after {
				after = id
			}
			if member.User.Bot {
				continue
			}
			members[member.User.ID] = member
		}
		if len(page) < memberPageLimit {
			return members, nil
		}
	}
}

// AccessToken exchanges an OAuth2 authorization code for an access token.
func (c *GuildClient) AccessToken(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {c.oauthClientID},
		"client_secret": {c.oauthClientSec},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.oauthRedirectURI},
	}
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := c.gw.Send(ctx, http.MethodPost, c.baseURL+"/oauth2/token", h, []byte(form.Encode()))
	if err != nil {
		return "", err
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("no access token in response")
	}
	return token.AccessToken, nil
}

// UserInfo fetches the authenticated user behind an OAuth access token.
func (c *GuildClient) UserInfo(ctx context.Context, accessToken string) (*User, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)

	data, err := c.gw.Send(ctx, http.MethodGet, c.baseURL+"/oauth2/@me", h, nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		User User `json:"user"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	if info.User.ID == "" || info.User.Username == "" {
		return nil, errors.New("incomplete user info")
	}
	return &info.User, nil
}

// AddMember invites a user to the guild using their OAuth access token
// (requires the guilds.join scope). Returns ErrBanned when Discord
// reports error code 40007.
// https://discord.com/developers/docs/resources/guild#add-guild-member
func (c *GuildClient) AddMember(ctx context.Context, discordID, accessToken string) error {
	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return err
	}
	_, err = c.gw.Request(ctx, http.MethodPut,
		fmt.Sprintf("%s/guilds/%s/members/%s", c.baseURL, c.guildID, discordID),
		c.authHeader("application/json"), body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden && apiErr.Code == codeBanned {
			return fmt.Errorf("%w: %s", ErrBanned, discordID)
		}
		return err
	}
	return nil
}

// AuthorizeURL builds the identity provider's authorize redirect for the
// linking flow.
func (c *GuildClient) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":     {c.oauthClientID},
		"redirect_uri":  {c.oauthRedirectURI},
		"response_type": {"code"},
		"scope":         {"identify guilds.join"},
		"state":         {state},
	}
	return c.baseURL + "/oauth2/authorize?" + q.Encode()
}
