package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/citaguard/internal/api"
	"github.com/org/citaguard/internal/audit"
	"github.com/org/citaguard/internal/auth"
	"github.com/org/citaguard/internal/config"
	"github.com/org/citaguard/internal/crypto"
	"github.com/org/citaguard/internal/csrf"
	"github.com/org/citaguard/internal/sanitize"
	"github.com/org/citaguard/internal/storage"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file (default $CITAGUARD_CONFIG or config.yaml)")
	flag.Parse()

	// Console output until the environment is known.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	store, err := newBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer store.Close()

	secret, err := cfg.CSRFSecretBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare csrf secret")
	}
	cipher, err := crypto.NewFieldCipherFromConfig(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise field encryption")
	}
	if cipher.IsEphemeral() && cfg.IsProduction() {
		log.Fatal().Msg("encryption_key must be set in production")
	}

	auditor := audit.NewLogger(store)
	auditor.OnEvent = api.RecordSecurityEvent

	tokens := auth.NewStaticVerifier()
	for _, p := range cfg.Principals {
		tokens.Add(p.Token, models.Principal{UID: p.UID, Email: p.Email, Admin: p.Admin})
	}
	if n := len(cfg.Principals); n > 0 {
		log.Warn().Int("count", n).Msg("static principals loaded, development only")
	}

	deps := api.Deps{
		Store:     store,
		Cipher:    cipher,
		Codec:     csrf.NewCodec(secret),
		Auditor:   auditor,
		Verifier:  tokens,
		Sanitizer: sanitize.New(),
	}
	if cfg.IsDevelopment() {
		deps.Tokens = tokens
	}

	srv := api.NewServer(api.Config{
		ListenAddr:       cfg.ListenAddr,
		TLSCertFile:      cfg.TLSCertFile,
		TLSKeyFile:       cfg.TLSKeyFile,
		Production:       cfg.IsProduction(),
		ExtraExemptPaths: cfg.CSRF.ExtraExemptPaths,
		RateLimitRPS:     cfg.RateLimit.RPS,
		RateLimitBurst:   cfg.RateLimit.Burst,
		StatsMaxKeys:     cfg.Stats.MaxKeys,
		TrustedProxies:   cfg.TrustedProxies,
	}, deps)

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("environment", cfg.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return storage.NewMemoryBackend(), nil
	case config.DriverMongo:
		b, err := storage.NewMongoBackend(connectCtx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.DriverPostgres:
		if err := storage.RunMigrations(cfg.Storage.DBUrl, cfg.Storage.MigrationsDir); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		b, err := storage.NewPostgresBackend(connectCtx, cfg.Storage.DBUrl)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
