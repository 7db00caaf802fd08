package config

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type HandlerConfig struct {
	ServerAddr string
}

type StoreConfig struct {
	DBDsn string
}

type LoggerConfig struct {
	LogLevel string
}

type EngineConfig struct {
	LockTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type NotifierConfig struct {
	FulfillmentAddr string
}

type Config struct {
	Handler  HandlerConfig
	Store    StoreConfig
	Logger   LoggerConfig
	Engine   EngineConfig
	Auth     AuthConfig
	Notifier NotifierConfig
}

// GetConfig: флаги, поверх них переменные окружения.
// .env подхватывается, если лежит рядом (локальная разработка)
func GetConfig() Config {
	_ = godotenv.Load()

	serverAddr := flag.String("a", ":8080", "server address")
	dbDsn := flag.String("d", "", "database dsn (empty = in-memory store)")
	logLevel := flag.String("l", "info", "log level")
	fulfillmentAddr := flag.String("f", "", "fulfillment service address")
	flag.Parse()

	cfg := Config{
		Handler:  HandlerConfig{ServerAddr: *serverAddr},
		Store:    StoreConfig{DBDsn: *dbDsn},
		Logger:   LoggerConfig{LogLevel: *logLevel},
		Engine:   EngineConfig{LockTimeout: 3 * time.Second},
		Auth:     AuthConfig{JWTSecret: "pointsmarket-dev-secret", TokenTTL: 24 * time.Hour},
		Notifier: NotifierConfig{FulfillmentAddr: *fulfillmentAddr},
	}

	if env := os.Getenv("RUN_ADDRESS"); env != "" {
		cfg.Handler.ServerAddr = env
	}
	if env := os.Getenv("DATABASE_URI"); env != "" {
		cfg.Store.DBDsn = env
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		cfg.Logger.LogLevel = env
	}
	if env := os.Getenv("JWT_SECRET"); env != "" {
		cfg.Auth.JWTSecret = env
	}
	if env := os.Getenv("FULFILLMENT_ADDRESS"); env != "" {
		cfg.Notifier.FulfillmentAddr = env
	}
	if env := os.Getenv("LOCK_TIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			cfg.Engine.LockTimeout = d
		}
	}

	return cfg
}
