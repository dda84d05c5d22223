package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/logger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	wsBase := flag.String("ws-base", "", "override the websocket base URL (testnet)")
	flag.Parse()

	// A default logger is needed before the config is loaded so load errors
	// are not lost.
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading keys from the environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("loading config: %v", err)
	}

	logger.Init(cfg.Log)
	defer logger.S().Sync()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	base := *wsBase
	if base == "" {
		base = cfg.Stream.URL
	}
	binance := exchange.NewBinanceFutures(apiKey, secretKey, base)

	var repo persistence.SnapshotRepository
	if cfg.UseBadger {
		repo, err = persistence.NewBadgerRepository(cfg.SnapshotPath, cfg.Symbol)
		if err != nil {
			logger.S().Fatalf("opening snapshot store: %v", err)
		}
	} else {
		repo = persistence.NewFileRepository(cfg.SnapshotPath)
	}

	var journal *storage.Journal
	if cfg.JournalPath != "" {
		journal, err = storage.OpenJournal(cfg.JournalPath)
		if err != nil {
			logger.S().Fatalf("opening journal: %v", err)
		}
	}

	eng := engine.New(cfg, binance, binance, repo, journal, logger.S())
	if err := eng.Start(context.Background()); err != nil {
		logger.S().Fatalf("engine start failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.S().Infof("received %s, shutting down", sig)

	eng.Stop(context.Background(), "operator shutdown")

	reporter.Render(os.Stdout, reporter.Session{
		RunID:      eng.RunID(),
		Symbol:     cfg.Symbol,
		Direction:  cfg.Direction,
		StartedAt:  eng.StartedAt(),
		StoppedAt:  time.Now(),
		StopReason: eng.StopReason(),
		LastPrice:  eng.LastPrice(),
		Position:   eng.Position(),
		Stats:      eng.Stats(),
	})
}
