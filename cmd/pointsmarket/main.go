package main

import (
	"log"

	"github.com/avdonin/pointsmarket/internal/auth"
	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/engine"
	"github.com/avdonin/pointsmarket/internal/handler"
	"github.com/avdonin/pointsmarket/internal/logger"
	"github.com/avdonin/pointsmarket/internal/notifier"
	"github.com/avdonin/pointsmarket/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}

	notifier := notifier.NewNotifier(cfg.Notifier, zaplog)
	auth := auth.NewAuth(cfg.Auth)
	engine := engine.NewEngine(cfg.Engine, store, notifier, zaplog)

	return handler.Serve(cfg.Handler, auth, engine, zaplog)
}
