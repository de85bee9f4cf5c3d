// Package daemon composes the sync core into a runnable process: config,
// logging, the two stores, the write and read paths, presence, inbox and
// notification dispatch, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/archive/mongoarchive"
	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/config"
	"github.com/otavioch/tandem/internal/coordinator"
	"github.com/otavioch/tandem/internal/health"
	"github.com/otavioch/tandem/internal/inbox"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/live/livemem"
	"github.com/otavioch/tandem/internal/live/liveredis"
	"github.com/otavioch/tandem/internal/lock"
	"github.com/otavioch/tandem/internal/logging"
	"github.com/otavioch/tandem/internal/notify"
	"github.com/otavioch/tandem/internal/presence"
	"github.com/otavioch/tandem/internal/reconciler"
)

// Params holds the daemon invocation parameters.
type Params struct {
	ConfigPath string
	// Sender delivers push notifications; nil disables delivery.
	Sender notify.Sender
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideHealth,
			provideLock,
			provideLiveStore,
			provideArchive,
			provideQueue,
			provideCoordinator,
			provideReconciler,
			providePresence,
			provideInbox,
			provideDispatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateUserID(cfg.UserID); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideHealth(b *bus.Bus) *health.Machine {
	return health.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideLiveStore(cfg *config.Config, logger *zap.Logger) (live.Store, error) {
	switch cfg.Live.Kind {
	case "", "memory":
		logger.Info("live channel: in-memory store")
		return livemem.New(), nil
	case "redis":
		logger.Info("live channel: redis", zap.String("addr", cfg.Live.Redis.Addr))
		return liveredis.New(context.Background(), liveredis.Options{
			Addr:     cfg.Live.Redis.Addr,
			Password: cfg.Live.Redis.Password,
			DB:       cfg.Live.Redis.DB,
			Prefix:   cfg.Live.Redis.Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown live store kind %q", cfg.Live.Kind)
	}
}

func provideArchive(cfg *config.Config, logger *zap.Logger) (archive.Store, error) {
	switch cfg.Archive.Kind {
	case "", "sqlite":
		dbPath := cfg.SQLitePath()
		db, err := archive.Open(dbPath)
		if err != nil {
			return nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		logger.Info("archive initialized", zap.String("path", dbPath))
		return db, nil
	case "mongo":
		logger.Info("archive: mongodb", zap.String("db", cfg.Archive.MongoDB))
		return mongoarchive.Open(context.Background(), cfg.Archive.MongoURI, cfg.Archive.MongoDB)
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Archive.Kind)
	}
}

func provideQueue(cfg *config.Config, h *health.Machine, logger *zap.Logger) *coordinator.Queue {
	return coordinator.NewQueue(cfg.Queue.Capacity, cfg.Queue.MaxRetries, cfg.Queue.Backoff(), h, logger)
}

func provideCoordinator(l live.Store, a archive.Store, q *coordinator.Queue, b *bus.Bus, logger *zap.Logger) *coordinator.Coordinator {
	return coordinator.New(l, a, q, b, nil, logger)
}

func provideReconciler(cfg *config.Config, l live.Store, a archive.Store, b *bus.Bus, logger *zap.Logger) *reconciler.Reconciler {
	return reconciler.New(l, a, b, cfg.UserID, reconciler.Options{
		WindowSize:  cfg.Sync.WindowSize,
		SettleDelay: cfg.Sync.SettleDelay(),
	}, logger)
}

func providePresence(cfg *config.Config, l live.Store, logger *zap.Logger) *presence.Tracker {
	return presence.New(l, cfg.UserID, presence.Options{
		TypingTTL:      cfg.Sync.TypingTTL(),
		TypingDebounce: cfg.Sync.TypingDebounce(),
	}, logger)
}

func provideInbox(cfg *config.Config, l live.Store, a archive.Store, logger *zap.Logger) *inbox.Index {
	return inbox.New(l, a, cfg.UserID, logger)
}

func provideDispatcher(p Params, l live.Store, b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	return notify.New(l, b, p.Sender, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	l live.Store,
	a archive.Store,
	q *coordinator.Queue,
	rec *reconciler.Reconciler,
	pres *presence.Tracker,
	disp *notify.Dispatcher,
	machine *health.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			q.Start(context.Background())
			disp.Start(context.Background())
			if err := pres.Connect(ctx); err != nil {
				logger.Warn("presence connect failed", zap.Error(err))
			}
			if err := machine.Transition(health.Ready); err != nil {
				return err
			}
			logger.Info("sync core ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			rec.Stop()
			if err := pres.Disconnect(ctx); err != nil {
				logger.Warn("presence disconnect failed", zap.Error(err))
			}
			disp.Stop()
			q.Flush()
			q.Stop()
			if err := l.Close(); err != nil {
				logger.Warn("live store close failed", zap.Error(err))
			}
			if err := a.Close(); err != nil {
				logger.Warn("archive close failed", zap.Error(err))
			}
			_ = machine.Transition(health.Stopped)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
