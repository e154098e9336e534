package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/config"
	"digital.vasic.vfs/pkg/factory"
	"digital.vasic.vfs/pkg/logging"
	"digital.vasic.vfs/pkg/manager"
	"digital.vasic.vfs/pkg/metrics"
	"digital.vasic.vfs/pkg/prefs"
)

// options wires the daemon: config -> logger -> preference store ->
// backend registry -> manager -> gateway and metrics listeners.
func options(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newStore,
			newRegistry,
			newManager,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(startGateway, startMetrics),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (prefs.Store, error) {
	store, err := prefs.OpenFile(cfg.PrefsFile, logging.Named(log, "prefs"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func newRegistry(cfg *config.Config, store prefs.Store, log *zap.Logger) *factory.Registry {
	return factory.DefaultRegistry(factory.Env{
		Store:       store,
		Log:         log,
		IdleTimeout: cfg.IdleTimeout,
	})
}

func newManager(lc fx.Lifecycle, cfg *config.Config, reg *factory.Registry, log *zap.Logger) (*manager.Manager, error) {
	fss := reg.Build(context.Background(), cfg.Storages...)
	m, err := manager.New(fss,
		manager.WithCacheSize(cfg.CacheSize),
		manager.WithLogger(log),
		manager.WithGatewayAddr(cfg.ListenAddr),
	)
	if err != nil {
		return nil, err
	}
	log.Info("filesystems mounted", zap.Int("count", len(fss)))
	lc.Append(fx.StopHook(m.Close))
	return m, nil
}

func startGateway(lc fx.Lifecycle, m *manager.Manager, log *zap.Logger) {
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		port, err := m.Gateway().Start(ctx)
		if err != nil {
			return err
		}
		log.Info("serving resources", zap.Int("port", port))
		return nil
	}))
}

func startMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var listen net.ListenConfig
			ln, err := listen.Listen(ctx, "tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
