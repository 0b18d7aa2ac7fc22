package storage

import (
	"io"
	"log/slog"
	"testing"
)

func TestTableNameSanitized(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		in, want string
	}{
		{"members", "members"},
		{"guild_members_2", "guild_members_2"},
		{"members; DROP TABLE x", "membersDROPTABLEx"},
		{"a-b.c", "abc"},
	}
	for _, tt := range tests {
		s := NewAccountStore(log, nil, tt.in)
		if s.table != tt.want {
			t.Errorf("table %q: got %q, want %q", tt.in, s.table, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		want    string
	}{
		{"modern username", Account{Username: "pilot", Discriminator: "0"}, "pilot"},
		{"legacy discriminator", Account{Username: "pilot", Discriminator: "1234"}, "pilot#1234"},
		{"no discriminator", Account{Username: "pilot"}, "pilot"},
		{"unlinked", Account{Username: UsernameNA, Discriminator: "1234"}, "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.account.DisplayName(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"50%", `50\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChunkStrings(t *testing.T) {
	items := make([]string, 1201)
	for i := range items {
		items[i] = "x"
	}
	chunks := chunkStrings(items, 500)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[1]) != 500 || len(chunks[2]) != 201 {
		t.Errorf("chunk sizes %d/%d/%d, want 500/500/201",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := chunkStrings(nil, 500); got != nil {
		t.Errorf("nil input: got %v, want nil", got)
	}
}
