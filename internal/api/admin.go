package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

type registerRequest struct {
	PlayerID    int64 `json:"player_id" binding:"required"`
	CharacterID int64 `json:"character_id" binding:"required"`
}

// registerAccount creates an account row ahead of linking, so a player is
// known to the sweep before they ever visit the login page.
func (s *Server) registerAccount(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": err.Error()},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	exists, err := s.accounts.Exists(ctx, req.PlayerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "failed to check account"},
		})
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "already_exists", "message": "player already has an account"},
		})
		return
	}

	if err := s.accounts.Create(ctx, req.CharacterID, req.PlayerID, storage.StatusNonmember, storage.UsernameNA); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "failed to create account"},
		})
		return
	}

	s.log.Info("account_registered", "player_id", req.PlayerID, "character_id", req.CharacterID)
	c.JSON(http.StatusCreated, gin.H{"player_id": req.PlayerID})
}

// getAccount looks up the account matching any of the given characters of
// a player and returns its Discord identity and membership status.
func (s *Server) getAccount(c *gin.Context) {
	playerID, err := strconv.ParseInt(c.Query("player_id"), 10, 64)
	if err != nil || playerID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "missing or invalid player_id"},
		})
		return
	}
	var characterIDs []int64
	for _, part := range strings.Split(c.Query("character_ids"), ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id < 1 {
			continue
		}
		characterIDs = append(characterIDs, id)
	}
	if len(characterIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "missing or invalid character_ids"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	account, err := s.accounts.FetchPlayerAccount(ctx, characterIDs, playerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "failed to fetch account"},
		})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "no account for this player"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"character_id":  account.CharacterID,
		"player_id":     account.PlayerID,
		"display_name":  account.DisplayName(),
		"member_status": account.MemberStatus,
		"updated":       account.Updated,
	})
}

// findAccounts searches by Discord ID, username or username#discriminator.
func (s *Server) findAccounts(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "missing q parameter"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	ids, err := s.accounts.Find(ctx, query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "search failed"},
		})
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"character_ids": ids})
}

type moveRequest struct {
	FromPlayerID int64 `json:"from_player_id" binding:"required"`
	ToPlayerID   int64 `json:"to_player_id" binding:"required"`
}

// moveAccount reassigns an account row to another player. Fails when the
// destination player already has a row.
func (s *Server) moveAccount(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": err.Error()},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	moved, err := s.accounts.Move(ctx, req.FromPlayerID, req.ToPlayerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "move failed"},
		})
		return
	}
	if !moved {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "destination_exists", "message": "destination player already has an account"},
		})
		return
	}

	s.log.Info("account_moved", "from_player_id", req.FromPlayerID, "to_player_id", req.ToPlayerID)
	c.JSON(http.StatusOK, gin.H{"moved": true})
}

// triggerSync starts a full sweep in the background.
func (s *Server) triggerSync(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.syncer.SyncAll(ctx); err != nil {
			s.log.Error("manual_sync_failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}
