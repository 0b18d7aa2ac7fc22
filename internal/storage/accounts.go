package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/tkhamez/neucore-discord-plugin/internal/db"
)

// Membership lifecycle of the Discord side of an account.
const (
	StatusPending   = "Pending"
	StatusActive    = "Active"
	StatusNonmember = "Nonmember"
)

// UsernameNA marks an account registered before its Discord identity is
// known; the linking flow fills in the real username later.
const UsernameNA = "n/a"

var tablePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Account is one row of the accounts table: the link between a Core
// player and a Discord user. DiscordID is empty until linked.
type Account struct {
	CharacterID   int64
	PlayerID      int64
	DiscordID     string
	Username      string
	Discriminator string
	MemberStatus  string
	Created       time.Time
	Updated       time.Time
}

// DisplayName renders the last known Discord identity. The legacy
// username#discriminator form is kept only for accounts that still carry
// a non-zero discriminator.
func (a *Account) DisplayName() string {
	if a.Username != UsernameNA && a.Discriminator != "" && a.Discriminator != "0" {
		return a.Username + "#" + a.Discriminator
	}
	return a.Username
}

// MemberData is the pair the reconciliation engine needs per account.
type MemberData struct {
	CharacterID int64
	DiscordID   string
}

// AccountStore persists account rows in a single configurable table.
// The table name is sanitized before being interpolated into SQL; all
// values are bound as parameters.
type AccountStore struct {
	log   *slog.Logger
	db    *db.DB
	table string
}

func NewAccountStore(log *slog.Logger, database *db.DB, table string) *AccountStore {
	return &AccountStore{
		log:   log,
		db:    database,
		table: tablePattern.ReplaceAllString(table, ""),
	}
}

// CreateTable creates the accounts table and its indexes if they do not
// exist yet. Called once at startup.
func (s *AccountStore) CreateTable(ctx context.Context) error {
	if s.table == "" {
		return fmt.Errorf("no table name configured")
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			character_id  BIGINT       NOT NULL,
			player_id     BIGINT       NOT NULL,
			discord_id    TEXT         NULL,
			member_status VARCHAR(32)  NOT NULL,
			username      VARCHAR(255) NULL,
			discriminator VARCHAR(8)   NULL,
			created       TIMESTAMPTZ  NULL,
			updated       TIMESTAMPTZ  NULL,
			CONSTRAINT %s_character_id_uindex UNIQUE (character_id),
			CONSTRAINT %s_discord_id_uindex UNIQUE (discord_id),
			CONSTRAINT %s_player_id_uindex UNIQUE (player_id)
		)`, s.table, s.table, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_index ON %s (member_status)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated_index ON %s (updated)`, s.table, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.db.Pool.Exec(ctx, stmt); err != nil {
			s.log.Error("create_table_failed", "table", s.table, "error", err)
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// FetchPlayerAccount returns the account matching any of the given
// characters, limited by player ID to exclude characters that were moved
// to another account. At most one row can match.
func (s *AccountStore) FetchPlayerAccount(ctx context.Context, characterIDs []int64, playerID int64) (*Account, error) {
	rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT character_id, player_id, COALESCE(username, ''), COALESCE(discriminator, ''),
			member_status, created, updated
		FROM %s
		WHERE character_id = ANY($1) AND player_id = $2`, s.table),
		characterIDs, playerID)
	if err != nil {
		s.log.Error("fetch_player_account_failed", "player_id", playerID, "error", err)
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var a Account
	var created, updated *time.Time
	if err := rows.Scan(&a.CharacterID, &a.PlayerID, &a.Username, &a.Discriminator,
		&a.MemberStatus, &created, &updated); err != nil {
		return nil, err
	}
	if created != nil {
		a.Created = *created
	}
	if updated != nil {
		a.Updated = *updated
	}
	return &a, nil
}

// Create inserts a new account row.
func (s *AccountStore) Create(ctx context.Context, characterID, playerID int64, status, username string) error {
	_, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (character_id, player_id, member_status, username, created, updated)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`, s.table),
		characterID, playerID, status, username)
	if err != nil {
		s.log.Error("create_account_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// MemberData returns the stored character/Discord-ID pair for a player,
// or nil when the player has no account row.
func (s *AccountStore) MemberData(ctx context.Context, playerID int64) (*MemberData, error) {
	rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT character_id, COALESCE(discord_id, '') FROM %s WHERE player_id = $1`, s.table),
		playerID)
	if err != nil {
		s.log.Error("member_data_failed", "player_id", playerID, "error", err)
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var md MemberData
	if err := rows.Scan(&md.CharacterID, &md.DiscordID); err != nil {
		return nil, err
	}
	return &md, nil
}

// Delete removes the account row of a player.
func (s *AccountStore) Delete(ctx context.Context, playerID int64) error {
	if _, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE player_id = $1`, s.table), playerID); err != nil {
		s.log.Error("delete_account_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// UpdateCharacterID stores a new main character for a player.
func (s *AccountStore) UpdateCharacterID(ctx context.Context, playerID, characterID int64) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET character_id = $1, updated = NOW() WHERE player_id = $2`, s.table),
		characterID, playerID); err != nil {
		s.log.Error("update_character_id_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("update character id: %w", err)
	}
	return nil
}

// UpdateStatusByPlayer sets the member status of one player's account.
func (s *AccountStore) UpdateStatusByPlayer(ctx context.Context, playerID int64, status string) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET member_status = $1, updated = NOW() WHERE player_id = $2`, s.table),
		status, playerID); err != nil {
		s.log.Error("update_status_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpdateStatusByDiscordIDs sets the member status for every account whose
// Discord ID is in the given set, in chunks of 500.
func (s *AccountStore) UpdateStatusByDiscordIDs(ctx context.Context, discordIDs []string, status string) error {
	for _, chunk := range chunkStrings(discordIDs, 500) {
		if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET member_status = $1, updated = NOW() WHERE discord_id = ANY($2)`, s.table),
			status, chunk); err != nil {
			s.log.Error("update_status_bulk_failed", "count", len(chunk), "error", err)
			return fmt.Errorf("update status bulk: %w", err)
		}
	}
	return nil
}

// UpdateMemberData refreshes the last known Discord identity of a player
// and marks the account active.
func (s *AccountStore) UpdateMemberData(ctx context.Context, playerID int64, username, discriminator string) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET member_status = $1, username = $2, discriminator = $3, updated = NOW()
		WHERE player_id = $4`, s.table),
		StatusActive, username, discriminator, playerID); err != nil {
		s.log.Error("update_member_data_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("update member data: %w", err)
	}
	return nil
}

// UpdateAccount upserts the full linkage after a successful OAuth
// callback; the character ID is included because the main may have
// changed since registration.
func (s *AccountStore) UpdateAccount(ctx context.Context, playerID, characterID int64, discordID, username, discriminator string) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		SET character_id = $1, discord_id = $2, username = $3, member_status = $4,
			discriminator = $5, updated = NOW()
		WHERE player_id = $6`, s.table),
		characterID, discordID, username, StatusActive, discriminator, playerID); err != nil {
		s.log.Error("update_account_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

// DeleteOtherAccounts removes rows linking this Discord user to any other
// player, enforcing the one-Discord-ID-per-account invariant.
func (s *AccountStore) DeleteOtherAccounts(ctx context.Context, discordID string, playerID int64) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE discord_id = $1 AND player_id <> $2`, s.table),
		discordID, playerID); err != nil {
		s.log.Error("delete_other_accounts_failed", "player_id", playerID, "error", err)
		return fmt.Errorf("delete other accounts: %w", err)
	}
	return nil
}

// Exists reports whether the player already has an account row.
func (s *AccountStore) Exists(ctx context.Context, playerID int64) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE player_id = $1)`, s.table),
		playerID).Scan(&exists)
	if err != nil {
		s.log.Error("account_exists_failed", "player_id", playerID, "error", err)
		return false, err
	}
	return exists, nil
}

// KnownDiscordIDs returns the subset of the given Discord IDs that exist
// in local storage, in chunks of 500.
func (s *AccountStore) KnownDiscordIDs(ctx context.Context, discordIDs []string) ([]string, error) {
	var known []string
	for _, chunk := range chunkStrings(discordIDs, 500) {
		rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(
			`SELECT discord_id FROM %s WHERE discord_id = ANY($1)`, s.table), chunk)
		if err != nil {
			s.log.Error("known_discord_ids_failed", "error", err)
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			known = append(known, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return known, nil
}

// ActivePlayerIDs returns all active accounts ordered by least recently
// updated, the processing queue for a full sweep.
func (s *AccountStore) ActivePlayerIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT player_id FROM %s WHERE member_status = $1 ORDER BY updated`, s.table),
		StatusActive)
	if err != nil {
		s.log.Error("active_player_ids_failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Move reassigns an account row to another player in one transaction.
// Fails without side effects when the destination player already has a
// row; no partial reassignment is ever visible.
func (s *AccountStore) Move(ctx context.Context, fromPlayerID, toPlayerID int64) (bool, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		s.log.Error("move_account_begin_failed", "error", err)
		return false, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE player_id = $1)`, s.table),
		toPlayerID).Scan(&exists); err != nil {
		s.log.Error("move_account_check_failed", "to_player_id", toPlayerID, "error", err)
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET player_id = $1 WHERE player_id = $2`, s.table),
		toPlayerID, fromPlayerID); err != nil {
		s.log.Error("move_account_update_failed", "from_player_id", fromPlayerID, "error", err)
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Error("move_account_commit_failed", "error", err)
		return false, err
	}
	return true, nil
}

// Find searches accounts by Discord ID, username or the legacy
// username#discriminator form, returning the matching character IDs.
// LIKE wildcards in the query are escaped.
func (s *AccountStore) Find(ctx context.Context, query string) ([]int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(
		`SELECT character_id FROM %s
		WHERE discord_id LIKE $1 OR
			username LIKE $1 OR
			discriminator LIKE $1 OR
			username || '#' || discriminator LIKE $1`, s.table),
		pattern)
	if err != nil {
		s.log.Error("find_accounts_failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '_', '%':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
