package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds process-level configuration read from the environment.
// The guild/OAuth settings live in a separate YAML blob, see settings.go.
type Config struct {
	DBDSN        string        `envconfig:"DB_DSN" required:"true"`
	RedisDSN     string        `envconfig:"REDIS_DSN" default:"redis://localhost:6379/0"`
	HTTPAddr     string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	SettingsFile string        `envconfig:"SETTINGS_FILE" required:"true"`
	CoreBaseURL  string        `envconfig:"CORE_BASE_URL"`
	CoreAppToken string        `envconfig:"CORE_APP_TOKEN"`
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"1h"`

	// InstanceID distinguishes multiple deployments of this service that
	// share one session/redis backend. It is part of the OAuth state key.
	InstanceID int `envconfig:"INSTANCE_ID" default:"1"`

	AdminSecretKey string `envconfig:"ADMIN_SECRET_KEY"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
