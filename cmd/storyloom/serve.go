package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/storyloom/internal/api"
	"github.com/nidhogg/storyloom/internal/config"
	"github.com/nidhogg/storyloom/internal/lineage"
	"github.com/nidhogg/storyloom/internal/notify"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"github.com/nidhogg/storyloom/internal/provider"
	"github.com/nidhogg/storyloom/internal/store"
	"github.com/nidhogg/storyloom/internal/workers"
	"github.com/nidhogg/storyloom/internal/workflowdef"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestrator and its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the JSON config file",
				Value:   "configs/storyloom.json",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfgPath := command.String("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger.Info("config loaded", zap.String("path", cfgPath))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	router, err := newProviderRouter(cfg.Providers, logger)
	if err != nil {
		return err
	}
	ws, err := workers.New(cfg.Workers, router, logger)
	if err != nil {
		return fmt.Errorf("build workers: %w", err)
	}

	orchCfg, err := cfg.Orchestrator.Build()
	if err != nil {
		return err
	}
	bus := orchestrator.NewBus(logger)
	defer bus.Close()
	orch := orchestrator.New(orchCfg, logger, orchestrator.WithEventPublisher(bus))

	// Optional backends. Each one that is unavailable only disables its
	// subscriber.
	var archive api.Archive
	if cfg.Database.Postgres.DSN != "" {
		pg, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(err))
		} else if err := pg.Migrate(ctx, cfg.MigrationsDir); err != nil {
			pg.Close()
			return fmt.Errorf("migrate: %w", err)
		} else {
			defer pg.Close()
			archive = pg
			subscribe(ctx, bus, "archiver", store.Archiver(pg), logger, store.ArchivedEvents...)
		}
	}
	if cfg.Database.Neo4j.URI != "" {
		rec, err := lineage.NewRecorder(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		} else {
			defer rec.Close(context.Background())
			subscribe(ctx, bus, "lineage", rec.Handle, logger, lineage.Events...)
		}
	}
	if cfg.Database.Redis.URL != "" {
		fwd, err := orchestrator.NewStreamForwarder(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, events stay in-process", zap.Error(err))
		} else {
			defer fwd.Close()
			subscribe(ctx, bus, "redis-stream", fwd.Handle, logger)
		}
	}
	if announcer := newAnnouncer(cfg.Notify, logger); announcer != nil {
		defer announcer.Close()
		subscribe(ctx, bus, "announcer", announcer.Handle, logger, notify.Events...)
	}

	for _, w := range ws {
		if err := orch.RegisterWorker(ctx, w); err != nil {
			logger.Warn("agent not registered", zap.String("agent", w.ID()), zap.Error(err))
		}
	}

	catalog, err := workflowdef.NewCatalog(logger)
	if err != nil {
		return err
	}
	if err := catalog.LoadDir(cfg.TemplatesDir); err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	handler := api.NewHandler(orch, catalog, archive, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storyloom listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down storyloom")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newProviderRouter(entries []config.ProviderConfig, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range entries {
		provCfg, err := pc.Build()
		if err != nil {
			return nil, err
		}
		b, err := provider.New(provCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		router.Register(b)
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	return router, nil
}

func newAnnouncer(cfg config.NotifyConfig, logger *zap.Logger) *notify.Announcer {
	var channels []notify.Channel
	if cfg.Slack.Active() {
		channels = append(channels, notify.NewSlackChannel(cfg.Slack.BotToken, cfg.Slack.Channel, logger))
	}
	if cfg.Discord.Active() {
		dc, err := notify.NewDiscordChannel(cfg.Discord.BotToken, cfg.Discord.Channel, logger)
		if err != nil {
			logger.Warn("Discord unavailable", zap.Error(err))
		} else {
			channels = append(channels, dc)
		}
	}
	if len(channels) == 0 {
		return nil
	}
	return notify.NewAnnouncer(logger, channels...)
}

func subscribe(ctx context.Context, bus *orchestrator.Bus, name string, h orchestrator.EventHandler, logger *zap.Logger, types ...orchestrator.EventType) {
	if err := bus.Subscribe(ctx, name, h, types...); err != nil {
		logger.Warn("event subscriber not started", zap.String("subscriber", name), zap.Error(err))
		return
	}
	logger.Info("event subscriber started", zap.String("subscriber", name))
}
