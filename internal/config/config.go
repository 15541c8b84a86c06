package config

import (
	"fmt"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	GatewayBaseURL       string `env:"GATEWAY_BASE_URL,required"`
	GatewaySecretKey     string `env:"GATEWAY_SECRET_KEY,required"`
	GatewayWebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET,required"`
	GatewayTimeoutS      int    `env:"GATEWAY_TIMEOUT_S" envDefault:"10"`
	GatewayMaxRetries    int    `env:"GATEWAY_MAX_RETRIES" envDefault:"3"`
	MethodsCacheTTLS     int    `env:"METHODS_CACHE_TTL_S" envDefault:"300"`

	SyncIntervalS    int `env:"SYNC_INTERVAL_S" envDefault:"60"`
	SyncStaleAfterS  int `env:"SYNC_STALE_AFTER_S" envDefault:"120"`
	SyncOrphanAfterS int `env:"SYNC_ORPHAN_AFTER_S" envDefault:"86400"`
	SyncWorkers      int `env:"SYNC_WORKERS" envDefault:"4"`
	SyncMaxAttempts  int `env:"SYNC_MAX_ATTEMPTS" envDefault:"3"`
	SyncBatchSize    int `env:"SYNC_BATCH_SIZE" envDefault:"100"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
