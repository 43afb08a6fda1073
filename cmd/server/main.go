package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjza/mra-core-sub000/internal/api"
	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/crypto"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr    string   `yaml:"listen_addr"`
	TLSCertFile   string   `yaml:"tls_cert"`
	TLSKeyFile    string   `yaml:"tls_key"`
	DBUrl         string   `yaml:"db_url"`
	AuthzMode     string   `yaml:"authz_mode"` // "remote" or "local"
	AuthzURL      string   `yaml:"authz_url"`
	MasterKey     string   `yaml:"master_key"` // hex, enables PII column encryption
	SensitiveKeys []string `yaml:"sensitive_keys"`
	MigrationsDir string   `yaml:"migrations_dir"`
	LogLevel      string   `yaml:"log_level"`
	MaxScanPages  int      `yaml:"max_scan_pages"`
	MaxPageSize   int      `yaml:"max_page_size"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("MRA_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8080",
		AuthzMode:     "local",
		MigrationsDir: "migrations",
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("MRA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("MRA_AUTHZ_URL"); v != "" {
		cfg.AuthzURL = v
		cfg.AuthzMode = "remote"
	}
	if v := os.Getenv("MRA_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}

	ctx := context.Background()

	// PII column codec is optional; without a master key columns stay plain.
	var codec *crypto.FieldCodec
	if cfg.MasterKey != "" {
		key, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			log.Fatal().Err(err).Msg("master_key must be hex")
		}
		codec, err = crypto.NewFieldCodec(key, "customer-contact")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build field codec")
		}
	}

	// Connect to database
	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl, codec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	// Pick the decider. Remote delegates every decision to the authorization
	// service; local evaluates rules straight out of the database.
	var decider authz.Decider
	switch cfg.AuthzMode {
	case "remote":
		if cfg.AuthzURL == "" {
			log.Fatal().Msg("authz_url must be configured in remote mode")
		}
		decider = authz.NewClient(cfg.AuthzURL, 10*time.Second)
		log.Info().Str("url", cfg.AuthzURL).Msg("using remote authorization service")
	case "local":
		decider = authz.NewLocal(store, authz.BearerSubjectResolver, nil)
		log.Info().Msg("using embedded authorization")
	default:
		log.Fatal().Str("mode", cfg.AuthzMode).Msg("authz_mode must be remote or local")
	}

	// Create server
	srv := api.NewServer(store, decider, api.Config{
		ListenAddr:    cfg.ListenAddr,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		SensitiveKeys: cfg.SensitiveKeys,
		MaxScanPages:  cfg.MaxScanPages,
		MaxPageSize:   cfg.MaxPageSize,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
