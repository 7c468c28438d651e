package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbibridge/pbibridge/internal/api"
	"github.com/pbibridge/pbibridge/internal/archive"
	"github.com/pbibridge/pbibridge/internal/auth"
	"github.com/pbibridge/pbibridge/internal/config"
	"github.com/pbibridge/pbibridge/internal/connector"
	"github.com/pbibridge/pbibridge/internal/dispatch"
	"github.com/pbibridge/pbibridge/internal/engine/xmla"
	"github.com/pbibridge/pbibridge/internal/history"
	historypostgres "github.com/pbibridge/pbibridge/internal/history/postgres"
	"github.com/pbibridge/pbibridge/internal/nl2dax"
	"github.com/pbibridge/pbibridge/internal/observability"
	s3store "github.com/pbibridge/pbibridge/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("pbibridge-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	client := xmla.NewClient(xmla.Config{
		AuthorityBase: cfg.Engine.AuthorityBase,
		Scope:         cfg.Engine.Scope,
		HTTPTimeout:   cfg.Engine.HTTPTimeout,
	})
	session := connector.NewSession(client, logger, connector.Options{
		DiscoveryTableLimit: cfg.Session.DiscoveryTableLimit,
		SampleRows:          cfg.Session.SampleRows,
		DefaultRowCap:       cfg.Session.DefaultRowCap,
		DefaultTimeout:      cfg.Session.DefaultTimeout,
		DisconnectGrace:     cfg.Session.DisconnectGrace,
	})

	var translator nl2dax.Translator
	if cfg.AI.Enabled {
		translator, err = nl2dax.NewOpenAITranslator(nl2dax.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
	}

	readiness := []api.ReadinessCheck{
		api.CheckEngineConfig(cfg),
		api.CheckArchiveConfig(cfg),
	}

	var recorder history.Recorder = history.NewMemoryRecorder(cfg.History.MemoryLimit)
	if cfg.History.DSN != "" {
		historyDB, err := historypostgres.Open(context.Background(), historypostgres.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()
		if err := historypostgres.EnsureSchema(context.Background(), historyDB); err != nil {
			logger.Error("failed to ensure history schema", slog.Any("error", err))
			os.Exit(1)
		}
		repo := historypostgres.NewRepository(historyDB)
		recorder = repo
		readiness = append(readiness, repo.HealthCheck)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		store, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize archive store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver = archive.New(store, logger, archive.Options{VerifyWrites: cfg.Archive.VerifyWrites})
	}

	dispatcher := dispatch.New(
		session,
		translator,
		nl2dax.NewConversation(cfg.AI.ConversationDepth),
		recorder,
		archiver,
		logger,
		dispatch.Options{
			GenerationEnabled:   cfg.AI.Enabled,
			SuggestionCount:     cfg.AI.SuggestionCount,
			SchemaContextTables: cfg.Session.DiscoveryTableLimit,
		},
	)

	deps := api.Dependencies{
		Logger:            logger,
		Runner:            dispatcher,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting bridge server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("bridge server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down bridge server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		session.Disconnect()
		os.Exit(1)
	}
	// Release the engine handle only after the server stops accepting requests.
	session.Disconnect()
}
