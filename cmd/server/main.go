package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoot/masquerade-go/internal/api"
	"github.com/mcoot/masquerade-go/internal/config"
	"github.com/mcoot/masquerade-go/internal/factory"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/identity"
	redisstorage "github.com/mcoot/masquerade-go/internal/storage/redis"
	"github.com/mcoot/masquerade-go/internal/transport/ws"
)

const flushTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "masquerade-server",
		Short: "Session server for the masquerade drawing game",
		Long: `masquerade-server hosts game sessions over WebSocket at /hubs/game
and exposes a JSON API under /api/v1 for the comparison and scoring components.

Every flag can also be set through a MASQUERADE_ environment variable
or a dotenv file (see --env-file).`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	config.RegisterFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(cfg config.Config) error {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	// Set up logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	factoryCfg := factory.Config{
		Session:        cfg.SessionConfig(),
		Identity:       identity.Config{TokenTTL: cfg.TokenTTL},
		SendBuffer:     cfg.SendBuffer,
		AutoScore:      cfg.AutoScore,
		AutoScoreDelay: cfg.AutoScoreDelay,
		Logger:         logger,
		StorageType:    cfg.Storage,
	}

	// Configure Redis if storage type is redis
	if cfg.Storage == factory.StorageTypeRedis {
		redisCfg := redisstorage.DefaultConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.SessionTTL = cfg.SnapshotTTL
		factoryCfg.RedisConfig = &redisCfg
	}

	// Create application factory
	app, err := factory.New(factoryCfg)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	hub := ws.NewHandler(app.Presence, app.Sessions, app.Router, app.Clock, ws.Config{
		AllowPhaseOverride: cfg.AllowPhaseOverride,
		// Drawings arrive as text, so leave room for base64 and the frame envelope
		MaxFrameBytes: int64(cfg.MaxDrawingBytes)*4/3 + 64<<10,
	}, logger)

	router := api.NewRouter(api.RouterConfig{
		Logger:             logger,
		Sessions:           app.Sessions,
		Connections:        app.Connections,
		Router:             app.Router,
		Storage:            app.Storage,
		SyncStorage:        app.Writer.Flush,
		Hub:                hub,
		APIKey:             cfg.APIKey,
		AllowPhaseOverride: cfg.AllowPhaseOverride,
	})

	// Create server
	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Bind
	serverConfig.Port = cfg.Port
	server := api.NewServer(router, serverConfig, logger)
	// Closing subscriber queues makes each socket flush and send a close frame
	server.OnShutdown(func() {
		dropped := app.Router.DetachAll()
		logger.Info("connections closed", slog.Int("connections", dropped))
	})

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	go app.Sessions.RunReaper(ctx, cfg.ReapInterval)
	go app.Identities.RunCleanup(ctx, cfg.ReapInterval)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("server started",
		slog.String("addr", server.Addr()),
		slog.String("storage", cfg.Storage),
		slog.Bool("auto_score", cfg.AutoScore),
	)

	// Wait for shutdown or error
	var runErr error
	select {
	case err := <-errCh:
		runErr = err
	case <-ctx.Done():
		closed := app.Sessions.CloseAll(context.Background(), model.CloseReasonShutdown)
		logger.Info("sessions closed", slog.Int("sessions", closed))

		if err := server.Shutdown(context.Background()); err != nil {
			runErr = err
		}
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()
	if err := app.Writer.Flush(flushCtx); err != nil {
		logger.Warn("snapshot flush incomplete", slog.Any("error", err))
	}
	if err := app.Close(); err != nil {
		logger.Warn("storage close failed", slog.Any("error", err))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped")
	return nil
}
