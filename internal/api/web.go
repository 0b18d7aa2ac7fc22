package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tkhamez/neucore-discord-plugin/internal/discord"
	"github.com/tkhamez/neucore-discord-plugin/internal/reconcile"
	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

const (
	sessionCookie = "neucore_discord_session"
	stateTTL      = 10 * time.Minute
)

// stateKey derives the storage key for one login attempt. The instance ID
// keeps deployments that share a redis backend from consuming each
// other's states.
func (s *Server) stateKey(session string) string {
	return fmt.Sprintf("__plugin_%d_state:%s", s.cfg.InstanceID, session)
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// login starts the OAuth flow: binds the player to a new session, stores
// a single-use state token and redirects to the provider.
func (s *Server) login(c *gin.Context) {
	playerID, err := strconv.ParseInt(c.Query("player_id"), 10, 64)
	if err != nil || playerID < 1 {
		c.String(http.StatusBadRequest, "Missing or invalid player_id.")
		return
	}

	session, err := randomToken()
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to create session.")
		return
	}
	state, err := randomToken()
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to create state.")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	value := fmt.Sprintf("%s|%d", state, playerID)
	if err := s.states.Set(ctx, s.stateKey(session), value, stateTTL); err != nil {
		s.log.Error("state_store_failed", "error", err)
		c.String(http.StatusInternalServerError, "Failed to store state.")
		return
	}

	c.SetCookie(sessionCookie, session, int(stateTTL.Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, s.linker.AuthorizeURL(state))
}

// callback completes the OAuth flow and links the Discord identity to
// the player bound at login time. The stored state is consumed before
// anything else so a replayed callback always fails.
func (s *Server) callback(c *gin.Context) {
	session, err := c.Cookie(sessionCookie)
	if err != nil || session == "" {
		c.String(http.StatusBadRequest, "Invalid session.")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	stored, err := s.states.GetDel(ctx, s.stateKey(session))
	if err != nil {
		s.log.Error("state_read_failed", "error", err)
		c.String(http.StatusInternalServerError, "Failed to read state.")
		return
	}
	state, playerStr, ok := strings.Cut(stored, "|")
	if !ok || state == "" || c.Query("state") != state {
		c.String(http.StatusBadRequest, "Invalid state.")
		return
	}
	playerID, err := strconv.ParseInt(playerStr, 10, 64)
	if err != nil || playerID < 1 {
		c.String(http.StatusBadRequest, "Invalid state.")
		return
	}

	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "Missing OAuth code.")
		return
	}

	token, err := s.linker.AccessToken(ctx, code)
	if err != nil {
		s.log.Error("token_exchange_failed", "player_id", playerID, "error", err)
		c.String(http.StatusBadRequest, "Failed to get access token.")
		return
	}

	user, err := s.linker.UserInfo(ctx, token)
	if err != nil {
		s.log.Error("user_info_failed", "player_id", playerID, "error", err)
		c.String(http.StatusBadRequest, "Failed to get user data.")
		return
	}

	main, err := s.players.MainCharacter(ctx, playerID)
	if err != nil || main.ID == 0 {
		s.log.Error("main_character_lookup_failed", "player_id", playerID, "error", err)
		c.String(http.StatusBadRequest, "Failed to get main character.")
		return
	}

	if err := s.accounts.DeleteOtherAccounts(ctx, user.ID, playerID); err != nil {
		c.String(http.StatusInternalServerError, "Failed to update accounts.")
		return
	}

	exists, err := s.accounts.Exists(ctx, playerID)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to update accounts.")
		return
	}
	if !exists {
		if err := s.accounts.Create(ctx, main.ID, playerID, storage.StatusPending, user.Username); err != nil {
			c.String(http.StatusInternalServerError, "Failed to create account.")
			return
		}
	}

	if err := s.accounts.UpdateAccount(ctx, playerID, main.ID, user.ID, user.Username, user.Discriminator); err != nil {
		c.String(http.StatusInternalServerError, "Failed to update account.")
		return
	}

	if err := s.linker.AddMember(ctx, user.ID, token); err != nil {
		if errors.Is(err, discord.ErrBanned) {
			c.String(http.StatusForbidden, "You are banned from this server.")
			return
		}
		s.log.Error("add_member_failed", "player_id", playerID, "discord_id", user.ID, "error", err)
		c.String(http.StatusBadRequest, "Failed to add member.")
		return
	}

	// The member is in the guild at this point; a nickname failure is a
	// partial success, not a failed link.
	nickname := s.settings.NicknameFor(main.Name, main.CorporationTicker)
	if err := s.linker.SetNickname(ctx, user.ID, nickname, ""); err != nil {
		s.log.Error("nickname_update_failed", "discord_id", user.ID, "error", err)
		c.String(http.StatusOK, "Invitation successful, but failed to set the nickname.")
		return
	}

	// Best effort: bring the rest of the member's state in line right
	// away instead of waiting for the next sweep.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.syncer.SyncAccount(ctx, reconcile.NewSweep(), playerID); err != nil {
			s.log.Error("post_link_sync_failed", "player_id", playerID, "error", err)
		}
	}()

	s.log.Info("account_linked", "player_id", playerID, "discord_id", user.ID)
	c.String(http.StatusOK, "Successfully added your Discord account.")
}
