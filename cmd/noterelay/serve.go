package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/auth"
	"github.com/noterelay/noterelay/internal/backup"
	"github.com/noterelay/noterelay/internal/collab"
	"github.com/noterelay/noterelay/internal/config"
	"github.com/noterelay/noterelay/internal/logger"
	"github.com/noterelay/noterelay/internal/metrics"
	"github.com/noterelay/noterelay/internal/permission"
	"github.com/noterelay/noterelay/internal/vault"
	"github.com/noterelay/noterelay/internal/wsapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		return runServer(cfg, log)
	},
}

func runServer(cfg config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}
	store, err := vault.NewStore(cfg.VaultsRoot())
	if err != nil {
		return fmt.Errorf("opening vault store: %w", err)
	}
	perms, err := permission.NewStoreFromDSN(cfg.PermissionDSN)
	if err != nil {
		return fmt.Errorf("opening permission store: %w", err)
	}
	defer func() { _ = perms.Close() }()

	m := metrics.New()
	registry, err := collab.NewRegistry(collab.RegistryOptions{
		Store:            store,
		Logger:           log,
		Metrics:          m,
		DebounceWindow:   cfg.DebounceWindow,
		AutosaveInterval: cfg.AutosaveInterval,
	})
	if err != nil {
		return err
	}

	secret := cfg.AuthSecret
	if secret == "" {
		log.Warn("auth_secret not set, using insecure development secret")
		secret = "dev-secret"
	}
	engine, err := collab.NewEngine(collab.EngineOptions{
		Registry:    registry,
		Permissions: perms,
		Auth:        auth.NewJWTAuthenticator(secret),
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	scheduler, err := backup.NewScheduler(backup.Options{
		VaultsRoot:  store.Root(),
		BackupsRoot: cfg.BackupsRoot(),
		Logger:      log,
		Metrics:     m,
		Interval:    cfg.BackupInterval,
		KeepHourly:  cfg.KeepHourly,
		KeepDaily:   cfg.KeepDaily,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.Run()
	go scheduler.Run(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: wsapi.NewServer(engine, log, m).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("noterelay listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	registry.Stop()
	return nil
}
