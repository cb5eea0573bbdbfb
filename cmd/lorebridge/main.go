package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/server"
	"github.com/teilomillet/lorebridge/server/circuitbreaker"
	"github.com/teilomillet/lorebridge/server/metrics"
	"github.com/teilomillet/lorebridge/server/provider"
	"github.com/teilomillet/lorebridge/server/translator"
	"github.com/teilomillet/lorebridge/templates"
)

var (
	configFile = flag.String("config", "lorebridge.yaml", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	validate   = flag.Bool("validate", false, "Validate configuration and templates, then exit")
	version    = flag.Bool("version", false, "Print version and exit")
)

const Version = "v0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lorebridge %s\n", Version)
		os.Exit(0)
	}

	// A missing dotenv file is normal in production.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.LoadFileOrDefault(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := templates.Load(cfg.Templates)
	if err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}

	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, store, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg *config.Config, store *templates.Store, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	var counter translator.Counter
	if tc, err := translator.NewTokenCounter(translator.DefaultEncoding); err != nil {
		logger.Warn("tiktoken unavailable, using character estimate", zap.Error(err))
		counter = translator.EstimateCounter{}
	} else {
		counter = tc
	}

	breaker := circuitbreaker.New("gemini", cfg.CircuitBreaker, logger, m)
	upstream, err := provider.NewGeminiClient(ctx, cfg.Upstream, logger, breaker, m)
	if err != nil {
		return err
	}
	defer upstream.Close()

	handler, err := server.NewHandler(cfg, server.Deps{
		Store:    store,
		Upstream: upstream,
		Logger:   logger,
		Counter:  counter,
		Metrics:  m,
		Started:  time.Now(),
	})
	if err != nil {
		return err
	}

	summary := store.Summary()
	logger.Info("starting lorebridge",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("model", cfg.Upstream.Model),
		zap.String("jailbreak_profile", cfg.Pipeline.JailbreakProfile),
		zap.Int("lorebook_entries", summary.LorebookEntries),
	)

	return server.NewServer(cfg.Server, handler, logger).Start(ctx)
}
