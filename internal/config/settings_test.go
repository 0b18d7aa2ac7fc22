package config

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSettings_Full(t *testing.T) {
	blob := []byte(`
TableName: discord_accounts
ServerId: 100200300400500600
BotToken: abc123
OAuthRedirectUri: https://example.com/callback
OAuthClientId: "700800"
OAuthClientSecret: secret
Roles:
  111111111111111111: [1, 2]
  222222222222222222: [3]
Channels:
  333333333333333333: [1]
RequiredGroups: [1, 2]
DoNotKick:
  - 444444444444444444
NoNicknameChange:
  - 111111111111111111
DisableKicks: true
Nickname: "{name} / {ticker}"
`)

	s, err := ParseSettings(testLogger(), blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.TableName != "discord_accounts" {
		t.Errorf("table name = %q", s.TableName)
	}
	if s.ServerID != "100200300400500600" {
		t.Errorf("server id = %q", s.ServerID)
	}
	if got := s.Roles["111111111111111111"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("roles mapping = %v", got)
	}
	if got := s.Channels["333333333333333333"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("channels mapping = %v", got)
	}
	if !s.DisableKicks {
		t.Error("expected DisableKicks true")
	}
	if !s.KickExempt("444444444444444444") {
		t.Error("expected 444444444444444444 to be kick exempt")
	}
	if s.KickExempt("555555555555555555") {
		t.Error("unexpected kick exemption")
	}
}

func TestParseSettings_TableNameSanitized(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "accounts_1", "accounts_1"},
		{"injection", "accounts; DROP TABLE x--", "accountsDROPTABLEx"},
		{"spaces and dots", "my table.name", "mytablename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSettings(testLogger(), []byte("TableName: \""+tt.in+"\""))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.TableName != tt.want {
				t.Errorf("sanitized = %q, want %q", s.TableName, tt.want)
			}
		})
	}
}

func TestParseSettings_IncompleteDoesNotFail(t *testing.T) {
	s, err := ParseSettings(testLogger(), []byte("ServerId: 123"))
	if err != nil {
		t.Fatalf("incomplete settings must parse, got error: %v", err)
	}
	if s.ServerID != "123" {
		t.Errorf("server id = %q", s.ServerID)
	}
	if s.Roles == nil || s.Channels == nil {
		t.Error("role/channel maps must be non-nil")
	}
}

func TestNicknameFor(t *testing.T) {
	s := &Settings{}
	if got := s.NicknameFor("Pilot Name", "TCKR"); got != "Pilot Name [TCKR]" {
		t.Errorf("default template = %q", got)
	}

	s.Nickname = "{ticker} - {name}"
	if got := s.NicknameFor("Pilot Name", "TCKR"); got != "TCKR - Pilot Name" {
		t.Errorf("custom template = %q", got)
	}
}

func TestNicknameFrozen(t *testing.T) {
	s := &Settings{NoNicknameChange: []string{"999"}}
	if !s.NicknameFrozen([]string{"1", "999"}) {
		t.Error("expected frozen")
	}
	if s.NicknameFrozen([]string{"1", "2"}) {
		t.Error("unexpected frozen")
	}
}
