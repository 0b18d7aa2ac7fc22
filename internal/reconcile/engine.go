package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tkhamez/neucore-discord-plugin/internal/config"
	"github.com/tkhamez/neucore-discord-plugin/internal/core"
	"github.com/tkhamez/neucore-discord-plugin/internal/discord"
	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

// Store is the slice of account persistence the engine consumes.
type Store interface {
	MemberData(ctx context.Context, playerID int64) (*storage.MemberData, error)
	Delete(ctx context.Context, playerID int64) error
	UpdateStatusByPlayer(ctx context.Context, playerID int64, status string) error
	UpdateStatusByDiscordIDs(ctx context.Context, discordIDs []string, status string) error
	UpdateMemberData(ctx context.Context, playerID int64, username, discriminator string) error
	UpdateCharacterID(ctx context.Context, playerID, characterID int64) error
	KnownDiscordIDs(ctx context.Context, discordIDs []string) ([]string, error)
	ActivePlayerIDs(ctx context.Context) ([]int64, error)
}

// Discord is the slice of guild operations the engine issues.
type Discord interface {
	Member(ctx context.Context, discordID string) (*discord.Member, error)
	KickMember(ctx context.Context, discordID string) error
	AddRole(ctx context.Context, discordID, roleID string) error
	RemoveRole(ctx context.Context, discordID, roleID string) error
	Channel(ctx context.Context, channelID string) (*discord.Channel, error)
	UpdateChannelOverwrites(ctx context.Context, channelID string, overwrites []discord.Overwrite) error
	SetNickname(ctx context.Context, discordID, nickname, current string) error
	Members(ctx context.Context) (map[string]*discord.Member, error)
}

// Core provides the authoritative player data that drives reconciliation.
type Core interface {
	MainCharacter(ctx context.Context, playerID int64) (*core.Character, error)
	Groups(ctx context.Context, playerID int64) ([]int64, error)
}

// Sweep caches live Discord state for the duration of one reconciliation
// pass. A full sweep seeds the member cache from a single list call; for
// a single-account pass the member cache stays nil and members are
// fetched directly. Channel state is cached lazily and invalidated on
// every overwrite write.
type Sweep struct {
	members  map[string]*discord.Member
	channels map[string]*discord.Channel
}

func NewSweep() *Sweep {
	return &Sweep{channels: make(map[string]*discord.Channel)}
}

// Engine brings a member's Discord roles, channel access, nickname and
// guild membership in line with the player's Core groups.
type Engine struct {
	log      *slog.Logger
	settings *config.Settings
	store    Store
	discord  Discord
	core     Core
}

func New(log *slog.Logger, settings *config.Settings, store Store, dc Discord, core Core) *Engine {
	return &Engine{
		log:      log,
		settings: settings,
		store:    store,
		discord:  dc,
		core:     core,
	}
}

// SyncAccount runs one reconciliation pass for a single player. An
// account without a linked Discord ID is left untouched. Individual role
// or channel mutation failures are logged and the remaining mutations
// still attempted; the pass is then reported as failed.
func (e *Engine) SyncAccount(ctx context.Context, sweep *Sweep, playerID int64) error {
	data, err := e.store.MemberData(ctx, playerID)
	if err != nil {
		return err
	}
	if data == nil || data.DiscordID == "" {
		return nil
	}

	main, err := e.core.MainCharacter(ctx, playerID)
	if err != nil {
		return err
	}
	if main.ID == 0 {
		// The Core account lost its main character; the Discord link
		// has nothing left to represent.
		if !e.settings.DisableKicks && !e.settings.KickExempt(data.DiscordID) {
			if err := e.discord.KickMember(ctx, data.DiscordID); err != nil {
				return fmt.Errorf("kick member %s: %w", data.DiscordID, err)
			}
			e.log.Info("member_kicked", "player_id", playerID, "discord_id", data.DiscordID, "reason", "no_main_character")
		}
		return e.store.Delete(ctx, playerID)
	}

	groups, err := e.core.Groups(ctx, playerID)
	if err != nil {
		return err
	}

	member, err := e.guildMember(ctx, sweep, data.DiscordID)
	if err != nil {
		if errors.Is(err, discord.ErrUnknownMember) {
			e.log.Info("member_left_guild", "player_id", playerID, "discord_id", data.DiscordID)
			return e.store.UpdateStatusByPlayer(ctx, playerID, storage.StatusNonmember)
		}
		return fmt.Errorf("fetch member %s: %w", data.DiscordID, err)
	}

	if member.User.Username != "" && member.User.Discriminator != "" {
		if err := e.store.UpdateMemberData(ctx, playerID, member.User.Username, member.User.Discriminator); err != nil {
			return err
		}
	}

	if len(e.settings.RequiredGroups) > 0 && !intersects(e.settings.RequiredGroups, groups) {
		if !e.settings.DisableKicks && !e.settings.KickExempt(data.DiscordID) {
			if err := e.discord.KickMember(ctx, data.DiscordID); err != nil {
				return fmt.Errorf("kick member %s: %w", data.DiscordID, err)
			}
			e.log.Info("member_kicked", "player_id", playerID, "discord_id", data.DiscordID, "reason", "required_groups_lost")
			return e.store.UpdateStatusByPlayer(ctx, playerID, storage.StatusNonmember)
		}
	}

	failed := false
	if !e.syncRoles(ctx, data.DiscordID, member, groups) {
		failed = true
	}
	if !e.syncChannels(ctx, sweep, data.DiscordID, groups) {
		failed = true
	}

	if !e.settings.NicknameFrozen(member.Roles) {
		nickname := e.settings.NicknameFor(main.Name, main.CorporationTicker)
		if err := e.discord.SetNickname(ctx, data.DiscordID, nickname, member.Nick); err != nil {
			e.log.Error("nickname_update_failed", "discord_id", data.DiscordID, "error", err)
			failed = true
		}
	}

	if main.ID != data.CharacterID {
		if err := e.store.UpdateCharacterID(ctx, playerID, main.ID); err != nil {
			return err
		}
	}

	if failed {
		return fmt.Errorf("account %d: one or more mutations failed", playerID)
	}
	return nil
}

// syncRoles applies the role diff over all managed roles. A role absent
// from the configuration is never touched.
func (e *Engine) syncRoles(ctx context.Context, discordID string, member *discord.Member, groups []int64) bool {
	ok := true
	for roleID, roleGroups := range e.settings.Roles {
		should := intersects(roleGroups, groups)
		has := containsString(member.Roles, roleID)
		switch {
		case should && !has:
			if err := e.discord.AddRole(ctx, discordID, roleID); err != nil {
				e.log.Error("role_add_failed", "discord_id", discordID, "role_id", roleID, "error", err)
				ok = false
			} else {
				e.log.Info("role_added", "discord_id", discordID, "role_id", roleID)
			}
		case !should && has:
			if err := e.discord.RemoveRole(ctx, discordID, roleID); err != nil {
				e.log.Error("role_remove_failed", "discord_id", discordID, "role_id", roleID, "error", err)
				ok = false
			} else {
				e.log.Info("role_removed", "discord_id", discordID, "role_id", roleID)
			}
		}
	}
	return ok
}

// syncChannels reconciles the member-specific permission overwrite of
// every managed channel. The channel update endpoint replaces the whole
// overwrite list, so the rewritten list is sent in one PATCH per channel
// that needs a change.
func (e *Engine) syncChannels(ctx context.Context, sweep *Sweep, discordID string, groups []int64) bool {
	ok := true
	for channelID, channelGroups := range e.settings.Channels {
		channel, err := e.channel(ctx, sweep, channelID)
		if err != nil {
			e.log.Error("channel_fetch_failed", "channel_id", channelID, "error", err)
			ok = false
			continue
		}

		has := false
		for _, ow := range channel.PermissionOverwrites {
			if ow.Type == discord.OverwriteMember && ow.ID == discordID {
				has = true
				break
			}
		}
		should := intersects(channelGroups, groups)
		if should == has {
			continue
		}

		var overwrites []discord.Overwrite
		if should {
			allow := discord.PermissionViewChannel
			if channel.Type == discord.ChannelGuildVoice {
				allow |= discord.PermissionConnect
			}
			overwrites = append(channel.PermissionOverwrites, discord.Overwrite{
				ID:    discordID,
				Type:  discord.OverwriteMember,
				Allow: strconv.FormatInt(allow, 10),
				Deny:  "0",
			})
		} else {
			for _, ow := range channel.PermissionOverwrites {
				if ow.Type == discord.OverwriteMember && ow.ID == discordID {
					continue
				}
				overwrites = append(overwrites, ow)
			}
			if overwrites == nil {
				overwrites = []discord.Overwrite{}
			}
		}

		if err := e.discord.UpdateChannelOverwrites(ctx, channelID, overwrites); err != nil {
			e.log.Error("channel_update_failed", "channel_id", channelID, "discord_id", discordID, "error", err)
			ok = false
			continue
		}
		e.log.Info("channel_overwrites_updated", "channel_id", channelID, "discord_id", discordID, "member_added", should)
		delete(sweep.channels, channelID)
	}
	return ok
}

// SyncAll runs a full sweep: lists every live guild member once, marks
// all locally known members active, kicks (or strips managed roles from)
// members with no local account, then reconciles every active account.
// Per-account failures are isolated; the returned count is the number of
// accounts whose pass failed.
func (e *Engine) SyncAll(ctx context.Context) (int, error) {
	members, err := e.discord.Members(ctx)
	if err != nil {
		return 0, fmt.Errorf("list guild members: %w", err)
	}

	sweep := NewSweep()
	sweep.members = members

	liveIDs := make([]string, 0, len(members))
	for id := range members {
		liveIDs = append(liveIDs, id)
	}

	known, err := e.store.KnownDiscordIDs(ctx, liveIDs)
	if err != nil {
		return 0, err
	}
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}
	if len(known) > 0 {
		if err := e.store.UpdateStatusByDiscordIDs(ctx, known, storage.StatusActive); err != nil {
			return 0, err
		}
	}

	for id, member := range members {
		if knownSet[id] {
			continue
		}
		e.removeUnknownMember(ctx, id, member)
	}

	playerIDs, err := e.store.ActivePlayerIDs(ctx)
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, playerID := range playerIDs {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		if err := e.SyncAccount(ctx, sweep, playerID); err != nil {
			e.log.Error("account_sync_failed", "player_id", playerID, "error", err)
			failures++
		}
	}

	e.log.Info("sweep_finished", "guild_members", len(members), "accounts", len(playerIDs), "failures", failures)
	return failures, nil
}

// removeUnknownMember handles a live guild member with no local account:
// kicked when kicks are enabled and the member is not exempt, otherwise
// stripped of all managed roles so access is revoked without ejection.
func (e *Engine) removeUnknownMember(ctx context.Context, discordID string, member *discord.Member) {
	if !e.settings.DisableKicks {
		if e.settings.KickExempt(discordID) {
			return
		}
		if err := e.discord.KickMember(ctx, discordID); err != nil {
			e.log.Error("kick_failed", "discord_id", discordID, "error", err)
			return
		}
		e.log.Info("member_kicked", "discord_id", discordID, "reason", "no_account")
		return
	}

	for roleID := range e.settings.Roles {
		if !containsString(member.Roles, roleID) {
			continue
		}
		if err := e.discord.RemoveRole(ctx, discordID, roleID); err != nil {
			e.log.Error("role_remove_failed", "discord_id", discordID, "role_id", roleID, "error", err)
			continue
		}
		e.log.Info("role_removed", "discord_id", discordID, "role_id", roleID, "reason", "no_account")
	}
}

// guildMember resolves a member cache-first. With a seeded member cache,
// absence from the full list is the same signal as an unknown-member
// response.
func (e *Engine) guildMember(ctx context.Context, sweep *Sweep, discordID string) (*discord.Member, error) {
	if sweep.members != nil {
		if m, ok := sweep.members[discordID]; ok {
			return m, nil
		}
		return nil, discord.ErrUnknownMember
	}
	return e.discord.Member(ctx, discordID)
}

func (e *Engine) channel(ctx context.Context, sweep *Sweep, channelID string) (*discord.Channel, error) {
	if ch, ok := sweep.channels[channelID]; ok {
		return ch, nil
	}
	ch, err := e.discord.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	sweep.channels[channelID] = ch
	return ch, nil
}

func intersects(a, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
