package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/logger"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/storage"
	"github.com/vitos/crypto_paper_trader/internal/usecase"
	"github.com/vitos/crypto_paper_trader/internal/web"
)

type Config struct {
	Exchange struct {
		Name       string   `yaml:"name"`
		WSEndpoint string   `yaml:"ws_endpoint"`
		Coins      []string `yaml:"coins"`
	} `yaml:"exchange"`
	Feed struct {
		StaleAfterSec      int `yaml:"stale_after_sec"`
		PingIntervalSec    int `yaml:"ping_interval_sec"`
		ReconnectInitialMs int `yaml:"reconnect_initial_ms"`
		ReconnectMaxMs     int `yaml:"reconnect_max_ms"`
	} `yaml:"feed"`
	Engine struct {
		InitialBalance float64 `yaml:"initial_balance"`
		MaxPositions   int     `yaml:"max_positions"`
		MaxPerCoin     int     `yaml:"max_per_coin"`
		MaxExposure    float64 `yaml:"max_exposure"`
	} `yaml:"engine"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// Optional .env overlay first; missing file is fine.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "trader.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	journal := storage.NewAsyncJournal(store, log)

	feed := exchange.NewBybitFeed(cfg.Exchange.WSEndpoint, cfg.Exchange.Coins, log,
		exchange.WithStaleAfter(time.Duration(cfg.Feed.StaleAfterSec)*time.Second),
		exchange.WithPingInterval(time.Duration(cfg.Feed.PingIntervalSec)*time.Second),
		exchange.WithReconnectDelays(
			time.Duration(cfg.Feed.ReconnectInitialMs)*time.Millisecond,
			time.Duration(cfg.Feed.ReconnectMaxMs)*time.Millisecond,
		))

	limits := usecase.RiskLimits{
		MaxPositions: cfg.Engine.MaxPositions,
		MaxPerCoin:   cfg.Engine.MaxPerCoin,
		MaxExposure:  cfg.Engine.MaxExposure,
	}
	engine := usecase.NewExecutionEngine(cfg.Engine.InitialBalance, limits, log)
	engine.SetJournal(journal)
	engine.SetStateRepository(store)

	if engine.LoadState(context.Background()) {
		log.Info("resumed from persisted state")
	}

	// The feed's read loop is the only caller of the tick handler.
	feed.SubscribePrices(engine.OnPriceTick)
	feed.SubscribeStatus(func(ev domain.FeedStatusEvent) {
		log.Info("feed status",
			zap.String("state", string(ev.State)),
			zap.String("detail", ev.Detail))
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := feed.Connect(connectCtx); err != nil {
		log.Warn("initial connect interrupted", zap.Error(err))
	}
	cancelConnect()

	server := web.NewServer(cfg.Server.Port, feed, engine, store, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("web server stopped", zap.Error(err))
		}
	}()

	log.Info("paper trading engine running",
		zap.Strings("coins", cfg.Exchange.Coins),
		zap.Float64("balance", cfg.Engine.InitialBalance))

	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := engine.SaveState(shutdownCtx); err != nil {
		log.Error("failed to save state on shutdown", zap.Error(err))
	}
	feed.Disconnect()
	journal.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown failed", zap.Error(err))
	}
}
