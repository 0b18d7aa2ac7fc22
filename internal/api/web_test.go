package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tkhamez/neucore-discord-plugin/internal/config"
	"github.com/tkhamez/neucore-discord-plugin/internal/core"
	"github.com/tkhamez/neucore-discord-plugin/internal/discord"
	"github.com/tkhamez/neucore-discord-plugin/internal/reconcile"
	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

type fakeAccounts struct {
	existing      map[int64]bool
	created       []int64
	updated       []string
	deletedOthers []string
	findResult    []int64
	account       *storage.Account
	fetchedChars  []int64
	moveOK        bool
	moved         []int64
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{existing: map[int64]bool{}, moveOK: true}
}

func (a *fakeAccounts) FetchPlayerAccount(_ context.Context, characterIDs []int64, playerID int64) (*storage.Account, error) {
	a.fetchedChars = characterIDs
	return a.account, nil
}

func (a *fakeAccounts) Create(_ context.Context, characterID, playerID int64, status, username string) error {
	a.created = append(a.created, playerID)
	a.existing[playerID] = true
	return nil
}

func (a *fakeAccounts) Exists(_ context.Context, playerID int64) (bool, error) {
	return a.existing[playerID], nil
}

func (a *fakeAccounts) UpdateAccount(_ context.Context, playerID, characterID int64, discordID, username, discriminator string) error {
	a.updated = append(a.updated, discordID)
	return nil
}

func (a *fakeAccounts) DeleteOtherAccounts(_ context.Context, discordID string, playerID int64) error {
	a.deletedOthers = append(a.deletedOthers, discordID)
	return nil
}

func (a *fakeAccounts) Find(_ context.Context, query string) ([]int64, error) {
	return a.findResult, nil
}

func (a *fakeAccounts) Move(_ context.Context, fromPlayerID, toPlayerID int64) (bool, error) {
	if a.moveOK {
		a.moved = append(a.moved, fromPlayerID, toPlayerID)
	}
	return a.moveOK, nil
}

type fakeLinker struct {
	addMemberErr error
	nicknameErr  error
	added        []string
	nicknames    []string
}

func (l *fakeLinker) AuthorizeURL(state string) string {
	return "https://discord.test/oauth2/authorize?state=" + url.QueryEscape(state)
}

func (l *fakeLinker) AccessToken(_ context.Context, code string) (string, error) {
	if code == "" {
		return "", context.Canceled
	}
	return "access-token", nil
}

func (l *fakeLinker) UserInfo(_ context.Context, accessToken string) (*discord.User, error) {
	return &discord.User{ID: "d100", Username: "pilot", Discriminator: "0"}, nil
}

func (l *fakeLinker) AddMember(_ context.Context, discordID, accessToken string) error {
	if l.addMemberErr != nil {
		return l.addMemberErr
	}
	l.added = append(l.added, discordID)
	return nil
}

func (l *fakeLinker) SetNickname(_ context.Context, discordID, nickname, current string) error {
	if l.nicknameErr != nil {
		return l.nicknameErr
	}
	l.nicknames = append(l.nicknames, nickname)
	return nil
}

type fakePlayers struct{}

func (fakePlayers) MainCharacter(_ context.Context, playerID int64) (*core.Character, error) {
	return &core.Character{ID: 500, PlayerID: playerID, Name: "Pilot", CorporationTicker: "CORP"}, nil
}

type fakeSyncer struct{}

func (fakeSyncer) SyncAccount(context.Context, *reconcile.Sweep, int64) error { return nil }
func (fakeSyncer) SyncAll(context.Context) (int, error)                       { return 0, nil }

type fakeStates struct {
	values map[string]string
}

func (s *fakeStates) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s.values[key] = value.(string)
	return nil
}

func (s *fakeStates) GetDel(_ context.Context, key string) (string, error) {
	v := s.values[key]
	delete(s.values, key)
	return v, nil
}

type testServer struct {
	*Server
	accounts *fakeAccounts
	linker   *fakeLinker
	states   *fakeStates
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	accounts := newFakeAccounts()
	linker := &fakeLinker{}
	states := &fakeStates{values: map[string]string{}}
	cfg := config.Config{InstanceID: 1, AdminSecretKey: "admin-key"}
	settings := &config.Settings{
		Roles:    map[string][]int64{},
		Channels: map[string][]int64{},
	}
	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, settings,
		accounts, linker, fakePlayers{}, fakeSyncer{}, states)
	return &testServer{Server: s, accounts: accounts, linker: linker, states: states}
}

func TestLoginRedirectsWithStoredState(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login?player_id=42", nil)
	ts.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if len(ts.states.values) != 1 {
		t.Fatalf("stored %d states, want 1", len(ts.states.values))
	}
	var key, value string
	for k, v := range ts.states.values {
		key, value = k, v
	}
	if !strings.HasPrefix(key, "__plugin_1_state:") {
		t.Errorf("state key = %q", key)
	}
	state, player, _ := strings.Cut(value, "|")
	if len(state) != 32 || player != "42" {
		t.Errorf("stored value = %q", value)
	}
	location := w.Header().Get("Location")
	if !strings.Contains(location, "state="+state) {
		t.Errorf("redirect %q missing state %q", location, state)
	}
	if !strings.Contains(w.Header().Get("Set-Cookie"), sessionCookie+"=") {
		t.Error("session cookie not set")
	}
}

func TestLoginRequiresPlayerID(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	ts.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func callbackRequest(session, state, code string) *http.Request {
	req := httptest.NewRequest(http.MethodGet,
		"/callback?state="+url.QueryEscape(state)+"&code="+code, nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: session})
	return req
}

func TestCallbackLinksAccount(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", "the-code"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Successfully") {
		t.Errorf("body = %q", w.Body.String())
	}
	if len(ts.accounts.deletedOthers) != 1 || ts.accounts.deletedOthers[0] != "d100" {
		t.Errorf("deletedOthers = %v", ts.accounts.deletedOthers)
	}
	if len(ts.accounts.created) != 1 || ts.accounts.created[0] != 42 {
		t.Errorf("created = %v", ts.accounts.created)
	}
	if len(ts.accounts.updated) != 1 || ts.accounts.updated[0] != "d100" {
		t.Errorf("updated = %v", ts.accounts.updated)
	}
	if len(ts.linker.added) != 1 || ts.linker.added[0] != "d100" {
		t.Errorf("added = %v", ts.linker.added)
	}
	if len(ts.linker.nicknames) != 1 || ts.linker.nicknames[0] != "Pilot [CORP]" {
		t.Errorf("nicknames = %v", ts.linker.nicknames)
	}
	if len(ts.states.values) != 0 {
		t.Error("state not consumed")
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "wrong", "the-code"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid state") {
		t.Errorf("body = %q", w.Body.String())
	}
	// The state must be gone even though the callback failed.
	if len(ts.states.values) != 0 {
		t.Error("state survived a failed callback")
	}
}

func TestCallbackStateNotReplayable(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", "the-code"))
	if w.Code != http.StatusOK {
		t.Fatalf("first callback failed: %d", w.Code)
	}

	w = httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", "the-code"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want 400", w.Code)
	}
}

func TestCallbackBannedUserGetsSpecificMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"
	ts.linker.addMemberErr = discord.ErrBanned

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", "the-code"))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "banned") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackMissingCode(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", ""))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Missing OAuth code") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackNicknameFailureIsPartialSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.states.values["__plugin_1_state:sess1"] = "state1|42"
	ts.linker.nicknameErr = context.DeadlineExceeded

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, callbackRequest("sess1", "state1", "the-code"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invitation successful") {
		t.Errorf("body = %q", w.Body.String())
	}
	// The account is linked and the member invited despite the failure.
	if len(ts.accounts.updated) != 1 || len(ts.linker.added) != 1 {
		t.Errorf("updated = %v, added = %v", ts.accounts.updated, ts.linker.added)
	}
}

func TestCallbackWithoutSession(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/callback?state=x&code=y", nil)
	ts.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
