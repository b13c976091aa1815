package app

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env      string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	CORSAllow []string `envconfig:"CORS_ALLOW" default:"http://localhost:5173"`

	// Unset means connections are anonymous
	JWTSecret string `envconfig:"JWT_SECRET"`

	// Unset disables the sqlite journal
	JournalPath string `envconfig:"JOURNAL_PATH"`

	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" default:"5m"`

	// Unset disables the cross-instance bus
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
