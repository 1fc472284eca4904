package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/xiaomayi-ant/test-frontend/internal/backend"
	"github.com/xiaomayi-ant/test-frontend/internal/config"
	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/internal/persist"
	"github.com/xiaomayi-ant/test-frontend/internal/server"
	"github.com/xiaomayi-ant/test-frontend/internal/storage"
	"github.com/xiaomayi-ant/test-frontend/internal/store"
	"github.com/xiaomayi-ant/test-frontend/internal/upstream"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/auth"
)

const (
	defaultConfigPath = "config/chatbridge.yaml"
)

func main() {
	// Parse command line arguments
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		setupLogger(false, 0).Error(err, "Failed to load configuration", "path", configPath)
		os.Exit(1)
	}

	log := setupLogger(cfg.Logging.Development, cfg.Logging.Verbosity)
	ctrllog.SetLogger(log)

	if err := cfg.Validate(); err != nil {
		log.Error(err, "Invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctrllog.IntoContext(ctx, log), cfg, log); err != nil {
		log.Error(err, "Server stopped with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func setupLogger(development bool, verbosity int) logr.Logger {
	return zap.New(
		zap.UseDevMode(development),
		zap.Level(zapcore.Level(-verbosity)),
	)
}

func run(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	log.Info("Starting chatbridge server",
		"addr", cfg.Addr(),
		"database", cfg.Database.Driver,
		"upstreamConfigured", cfg.Upstream.URL != "",
		"backendConfigured", cfg.Backend.URL != "",
	)

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := auth.NewKeyService(cfg.Upstream.APIKey, cfg.Upstream.APIKeyFile)
	if err := keys.Start(ctx); err != nil {
		return err
	}
	defer keys.Stop()

	m := metrics.New()
	queue := persist.NewQueue(db, persist.Options{
		Workers:    cfg.Persist.Workers,
		QueueSize:  cfg.Persist.QueueSize,
		MaxRetries: cfg.Persist.MaxRetries,
	}, m, log)

	srv := server.New(server.Options{
		Addr:            cfg.Addr(),
		PublicURL:       cfg.Server.PublicURL,
		Store:           db,
		Agent:           upstream.NewClient(cfg.Upstream.URL, keys, &http.Client{}),
		Backend:         backend.NewClient(cfg.Backend.URL, &http.Client{}),
		Files:           storage.NewPathManager(cfg.Storage.UploadDir, cfg.Storage.URLPrefix),
		Queue:           queue,
		Metrics:         m,
		IdleTimeout:     cfg.UpstreamIdleTimeout(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Log:             log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
