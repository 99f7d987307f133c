package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/logfleet/logfleet/pkg/actions"
	"github.com/logfleet/logfleet/pkg/config"
	"github.com/logfleet/logfleet/pkg/deploy"
	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/stores"
	"github.com/logfleet/logfleet/pkg/tasks"
	"github.com/logfleet/logfleet/pkg/telemetry"
	"github.com/logfleet/logfleet/pkg/transports/ssh"
)

// app holds the services a command runs against.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	pool      *ssh.Pool
	manager   *lifecycle.Manager
	tasks     *tasks.Service
	deploy    *deploy.Service
}

// loadConfig reads --config (or the defaults) and applies --verbose.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads the configuration, sets up telemetry, opens the store and wires the
// lifecycle services. Callers must call close. On error everything opened so far is
// released.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel}
	fail := func(err error) (*app, error) {
		if cerr := a.close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to release resources after setup error")
		}
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return fail(fmt.Errorf("failed to create store: %w", err))
	}
	a.store = store
	if err := store.Init(ctx); err != nil {
		return fail(fmt.Errorf("failed to initialize store: %w", err))
	}

	a.pool = ssh.NewPool(cfg.SSHBase())

	opts := cfg.ActionOptions("")
	opts.Packages = store
	factory := actions.NewFactory(a.pool, store, opts)

	a.tasks = tasks.NewService(store)
	a.manager = lifecycle.NewManager(store, factory, a.tasks, lifecycle.WithObserver(tel.Metrics))
	a.deploy = deploy.NewService(store, a.manager, a.tasks,
		deploy.WithConcurrency(cfg.Deploy.Concurrency),
		deploy.WithActor(cfg.Deploy.Actor),
		deploy.WithObserver(tel.Metrics),
		deploy.WithTracer(tel.Tracer))

	log.Debug().
		Str("database", cfg.Database.Path).
		Int("concurrency", cfg.Deploy.Concurrency).
		Msg("services ready")
	return a, nil
}

// close releases whatever openApp managed to open.
func (a *app) close() error {
	timeout := a.cfg.Telemetry.Tracing.ExportTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// withApp runs fn against a freshly opened app and closes it afterwards. The
// context handed to fn carries the process logger.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to shut down cleanly")
		}
	}()
	return fn(a.telemetry.WithContext(ctx), a)
}
