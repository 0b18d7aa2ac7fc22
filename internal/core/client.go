package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Character is the main character of a player as reported by the Core
// platform. ID is zero when the player has no main character.
type Character struct {
	ID                int64  `json:"id"`
	PlayerID          int64  `json:"playerId"`
	Name              string `json:"name"`
	CorporationTicker string `json:"corporationTicker"`
}

type group struct {
	ID int64 `json:"id"`
}

// Client calls the Core platform API with an application token.
type Client struct {
	log        *slog.Logger
	httpClient *http.Client
	baseURL    string
	appToken   string
}

func NewClient(log *slog.Logger, baseURL, appToken string) *Client {
	return &Client{
		log:        log,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		appToken:   appToken,
	}
}

// MainCharacter returns the player's main character. A player without a
// main yields a zero-ID character, not an error.
func (c *Client) MainCharacter(ctx context.Context, playerID int64) (*Character, error) {
	body, status, err := c.get(ctx, fmt.Sprintf("/api/app/v1/player/%d/characters", playerID))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &Character{PlayerID: playerID}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("core: characters request failed with status %d", status)
	}

	var characters []struct {
		Character
		Main        bool `json:"main"`
		Corporation *struct {
			Ticker string `json:"ticker"`
		} `json:"corporation"`
	}
	if err := json.Unmarshal(body, &characters); err != nil {
		return nil, fmt.Errorf("core: decode characters: %w", err)
	}
	for _, ch := range characters {
		if !ch.Main {
			continue
		}
		main := ch.Character
		main.PlayerID = playerID
		if main.CorporationTicker == "" && ch.Corporation != nil {
			main.CorporationTicker = ch.Corporation.Ticker
		}
		return &main, nil
	}
	return &Character{PlayerID: playerID}, nil
}

// Groups returns the IDs of all Core groups the player belongs to.
func (c *Client) Groups(ctx context.Context, playerID int64) ([]int64, error) {
	body, status, err := c.get(ctx, fmt.Sprintf("/api/app/v1/player/%d/groups", playerID))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("core: groups request failed with status %d", status)
	}

	var groups []group
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("core: decode groups: %w", err)
	}
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.appToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("core_request_failed", "path", path, "error", err)
		return nil, 0, fmt.Errorf("core: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("core: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
