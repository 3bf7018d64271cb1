package daemon

import (
	"context"
	"net/http"

	"github.com/frc-emotion/nautilus/internal/api"
	"github.com/frc-emotion/nautilus/internal/apiclient"
	"github.com/frc-emotion/nautilus/internal/auth"
	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/config"
	"github.com/frc-emotion/nautilus/internal/connectivity"
	"github.com/frc-emotion/nautilus/internal/executor"
	"github.com/frc-emotion/nautilus/internal/lock"
	"github.com/frc-emotion/nautilus/internal/logging"
	"github.com/frc-emotion/nautilus/internal/outbox"
	"github.com/frc-emotion/nautilus/internal/profile"
	"github.com/frc-emotion/nautilus/internal/queue"
	"github.com/frc-emotion/nautilus/internal/request"
	"github.com/frc-emotion/nautilus/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = ~/.nautilus/config.toml
	Debug      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideKV,
			provideRegistry,
			provideExecutor,
			provideQueue,
			provideValidator,
			provideClient,
			provideProvider,
			provideMonitor,
			provideSender,
			provideRequestService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("path", path),
		zap.String("base_url", cfg.BaseURL),
		zap.String("probe", cfg.Connectivity.Mode))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *connectivity.Machine {
	return connectivity.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKV(db *store.DB) store.KV {
	return db
}

// provideRegistry routes outcomes of requests replayed from storage. The
// daemon has no callers waiting on them, so it records them in the log.
func provideRegistry(logger *zap.Logger) *request.Registry {
	reg := request.NewRegistry(logger)
	reg.Register(request.AnyKind, &request.Handlers{
		OnSuccess: func(resp *request.Response) {
			logger.Info("replayed request succeeded", zap.Int("status", resp.StatusCode))
		},
		OnError: func(err error) {
			logger.Warn("replayed request failed", zap.Error(err))
		},
	})
	return reg
}

// provideExecutor attaches the session token, so replayed requests carry the
// credential of whoever is logged in when they are sent.
func provideExecutor(cfg *config.Config, reg *request.Registry, b *bus.Bus, v *auth.Validator, logger *zap.Logger) *executor.Executor {
	return executor.New(executor.Options{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Network.Timeout.Duration,
		MaxRetries: cfg.Network.MaxRetries,
		HTTPClient: &http.Client{},
		Registry:   reg,
		Bus:        b,
		Logger:     logger.Named("executor"),
		Token:      v.Token,
	})
}

func provideQueue(kv store.KV, reg *request.Registry, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(kv, reg, b, logger.Named("queue"))
}

func provideValidator(cfg *config.Config, kv store.KV, machine *connectivity.Machine, logger *zap.Logger) *auth.Validator {
	return auth.NewValidator(auth.Options{
		BaseURL:      cfg.BaseURL,
		ValidatePath: cfg.Network.ValidatePath,
		Timeout:      cfg.Network.Timeout.Duration,
		Store:        kv,
		State:        machine,
		Logger:       logger.Named("auth"),
	})
}

func provideClient(machine *connectivity.Machine, exec *executor.Executor, q *queue.Queue, v *auth.Validator, reg *request.Registry, logger *zap.Logger) *apiclient.Client {
	return apiclient.New(apiclient.Options{
		State:     machine,
		Executor:  exec,
		Queue:     q,
		Validator: v,
		Registry:  reg,
		Logger:    logger.Named("client"),
	})
}

func provideProvider(cfg *config.Config, logger *zap.Logger) connectivity.Provider {
	interval := cfg.Connectivity.ProbeInterval.Duration
	if cfg.Connectivity.Mode == config.ModeWebSocket {
		return connectivity.NewWebSocketProvider(cfg.Connectivity.WSURL, interval, logger.Named("probe"))
	}
	return connectivity.NewHTTPProvider(cfg.ProbeURL(), interval, nil, logger.Named("probe"))
}

func provideMonitor(cfg *config.Config, machine *connectivity.Machine, provider connectivity.Provider, client *apiclient.Client, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(machine, provider, client, connectivity.MonitorOptions{
		InitialRecheck: cfg.Connectivity.InitialRecheck.Duration,
		Logger:         logger.Named("monitor"),
	})
}

func provideSender(cfg *config.Config, client *apiclient.Client, q *queue.Queue, machine *connectivity.Machine, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(client, q, machine, cfg.Network.RetryInterval.Duration, logger.Named("outbox"))
}

func provideRequestService(client *apiclient.Client, logger *zap.Logger) *api.RequestService {
	return api.NewRequestService(client, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, q *queue.Queue, v *auth.Validator, client *apiclient.Client, monitor *connectivity.Monitor, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := v.Restore(ctx); err != nil {
				logger.Error("failed to restore session", zap.Error(err))
			}
			// Restore before the monitor can trigger a drain.
			if _, err := q.Load(ctx); err != nil {
				logger.Error("failed to restore queue", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := monitor.Start(ctx); err != nil {
				return err
			}
			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			if err := monitor.Stop(ctx); err != nil {
				logger.Warn("monitor did not stop cleanly", zap.Error(err))
			}
			if err := client.Close(ctx); err != nil {
				logger.Warn("error flushing scheduled retries", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
