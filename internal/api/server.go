package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tkhamez/neucore-discord-plugin/internal/config"
	"github.com/tkhamez/neucore-discord-plugin/internal/core"
	"github.com/tkhamez/neucore-discord-plugin/internal/discord"
	"github.com/tkhamez/neucore-discord-plugin/internal/reconcile"
	"github.com/tkhamez/neucore-discord-plugin/internal/security"
	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

// Accounts is the persistence surface the web and admin handlers use.
type Accounts interface {
	FetchPlayerAccount(ctx context.Context, characterIDs []int64, playerID int64) (*storage.Account, error)
	Create(ctx context.Context, characterID, playerID int64, status, username string) error
	Exists(ctx context.Context, playerID int64) (bool, error)
	UpdateAccount(ctx context.Context, playerID, characterID int64, discordID, username, discriminator string) error
	DeleteOtherAccounts(ctx context.Context, discordID string, playerID int64) error
	Find(ctx context.Context, query string) ([]int64, error)
	Move(ctx context.Context, fromPlayerID, toPlayerID int64) (bool, error)
}

// Linker is the subset of guild operations the OAuth callback issues.
type Linker interface {
	AuthorizeURL(state string) string
	AccessToken(ctx context.Context, code string) (string, error)
	UserInfo(ctx context.Context, accessToken string) (*discord.User, error)
	AddMember(ctx context.Context, discordID, accessToken string) error
	SetNickname(ctx context.Context, discordID, nickname, current string) error
}

// Players resolves the main character backing a player account.
type Players interface {
	MainCharacter(ctx context.Context, playerID int64) (*core.Character, error)
}

// Syncer triggers reconciliation passes.
type Syncer interface {
	SyncAccount(ctx context.Context, sweep *reconcile.Sweep, playerID int64) error
	SyncAll(ctx context.Context) (int, error)
}

// States holds the short-lived OAuth state tokens between the login
// redirect and the provider callback.
type States interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
}

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	settings *config.Settings
	accounts Accounts
	linker   Linker
	players  Players
	syncer   Syncer
	states   States
	limiter  *security.LimiterStore
	router   *gin.Engine
}

func NewServer(log *slog.Logger, cfg config.Config, settings *config.Settings,
	accounts Accounts, linker Linker, players Players, syncer Syncer, states States) *Server {

	s := &Server{
		log:      log,
		cfg:      cfg,
		settings: settings,
		accounts: accounts,
		linker:   linker,
		players:  players,
		syncer:   syncer,
		states:   states,
		limiter:  security.NewLimiterStore(1, 10, 10*time.Minute),
		router:   gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.GET("/login", s.login)
	r.GET("/callback", s.callback)
	r.GET("/health", s.health)

	admin := r.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.POST("/accounts", s.registerAccount)
		admin.GET("/accounts", s.getAccount)
		admin.GET("/accounts/find", s.findAccounts)
		admin.POST("/accounts/move", s.moveAccount)
		admin.POST("/sync", s.triggerSync)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 30*time.Second)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
