// Package main is the entry point for the medgate gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/medgate/api"
	"github.com/carebridge/medgate/internal/audit"
	"github.com/carebridge/medgate/internal/bridge"
	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/config"
	"github.com/carebridge/medgate/internal/credential"
	"github.com/carebridge/medgate/internal/model"
	"github.com/carebridge/medgate/internal/policy"
	"github.com/carebridge/medgate/internal/server"
	"github.com/carebridge/medgate/internal/turn"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "medgate").Str("version", version).Logger()
	}

	logger := log.With().Str("component", "main").Logger()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("starting medgate")

	contract := api.CatalogContract
	if cfg.CatalogPath != "" {
		contract, err = os.ReadFile(cfg.CatalogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("failed to read capability catalog")
		}
	}
	cat, err := catalog.Parse(contract)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse capability catalog")
	}
	store, err := catalog.NewStore(cat)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize catalog store")
	}
	logger.Info().Str("catalog_version", cat.Version()).Msg("capability catalog loaded")

	var sink audit.Sink
	if cfg.AuditDBPath != "" {
		sqliteSink, db, err := audit.OpenSQLiteSink(cfg.AuditDBPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AuditDBPath).Msg("failed to open audit database")
		}
		defer func() { _ = db.Close() }()
		sink = sqliteSink
		logger.Info().Str("path", cfg.AuditDBPath).Msg("audit records persisted to sqlite")
	} else {
		sink = audit.NewLogSink(log.Logger)
		logger.Warn().Msg("MEDGATE_AUDIT_DB_PATH not set; audit records go to the log only")
	}
	recorder := audit.NewRecorder(sink, log.Logger, audit.RecorderOptions{QueueSize: cfg.AuditQueueSize})

	if cfg.SigningSecret == "" {
		logger.Warn().Msg("MEDGATE_SIGNING_SECRET not set; every allowed call will fail as a configuration fault")
	}
	if cfg.SessionSecret == "" {
		logger.Warn().Msg("MEDGATE_SESSION_SECRET not set; all caller sessions will be rejected")
	}

	minter := credential.NewMinter(cfg.SigningSecret, cfg.CredentialTTL)
	executor := bridge.New(bridge.Config{
		BaseURL: cfg.EHRBaseURL,
		Timeout: cfg.EHRTimeout,
		Methods: bridge.DefaultMethodTable(),
	}, log.Logger)
	chatClient := model.NewChatClient(model.ChatConfig{
		BaseURL: cfg.ModelBaseURL,
		APIKey:  cfg.ModelAPIKey,
		Model:   cfg.ModelName,
	})

	orchestrator := turn.New(
		store,
		policy.NewValidator(store),
		minter,
		executor,
		recorder,
		chatClient,
		log.Logger,
		turn.Options{MaxPromptLen: cfg.MaxPromptLen},
	)

	httpServer := server.NewHTTPServer(
		version, commit, buildDate,
		contract,
		store,
		orchestrator,
		server.NewJWTSessionAuthenticator(cfg.SessionSecret),
		log.Logger,
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // turns stream NDJSON/SSE; the turn bounds itself.
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case serveErr := <-errCh:
		logger.Error().Err(serveErr).Msg("HTTP server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("HTTP server shutdown error")
	}

	// Flush queued audit records before exiting; losing the last few
	// compliance entries on shutdown is worse than a slow stop.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if drainErr := recorder.Close(drainCtx); drainErr != nil {
		logger.Error().Err(drainErr).Msg("audit queue drain incomplete")
	}
	logger.Info().Msg("server stopped gracefully")
}
