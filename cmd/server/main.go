package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-ledger/internal/app"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/marketdata"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func configureLogging(cfg config.Logging) {
	if cfg.Pretty {
		zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	if os.Getenv("DEBUG") == "true" {
		return
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		zlog.Warn().Str("level", cfg.Level).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(level)
}

func newMarket(cfg *config.Config) (marketdata.Provider, func(), error) {
	var source marketdata.Provider
	if cfg.UseAlpaca() {
		zlog.Info().Str("feed", cfg.Alpaca.Feed).Msg("using alpaca market data")
		source = marketdata.NewAlpaca(cfg.Alpaca)
	} else {
		zlog.Warn().Msg("alpaca credentials not set, using simulated market data")
		source = marketdata.NewSimulatedWithDefaults()
	}
	cached, err := marketdata.NewCached(source, cfg.MarketData.QuoteCacheTTL, cfg.MarketData.AssetCacheTTL)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}

// main initializes and runs the ledger API server with graceful shutdown support
// It sets up all required services, database connections, scheduled jobs and API routes
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		zlog.Warn().Err(err).Msg("Failed to read .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg.Logging)

	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = randomSecret()
		zlog.Warn().Msg("JWT_SECRET not set, tokens will not survive a restart")
	}
	if cfg.Server.InternalToken == "" {
		zlog.Warn().Msg("INTERNAL_TOKEN not set, internal routes are disabled")
	}

	db, err := database.NewDatabase(cfg.Storage)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	market, closeMarket, err := newMarket(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize market data")
	}
	defer closeMarket()

	ledgerApp := app.New(cfg, db, market)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.Kafka.Brokers) > 0 {
		forwarder := events.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		go forwarder.Run(ctx, ledgerApp.Bus)
		zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("forwarding events to kafka")
	}

	jobs := ledgerApp.Scheduler()
	jobs.Start(ctx)
	go ledgerApp.Limiter.Cleanup(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           ledgerApp.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	jobs.Wait()
	zlog.Info().Msg("Server exiting")
}
