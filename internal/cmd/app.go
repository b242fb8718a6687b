package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
	"github.com/telhawk-systems/telhawk-detect/internal/executor"
	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-detect/internal/messaging/nats"
	"github.com/telhawk-systems/telhawk-detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-detect/internal/query"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
	"github.com/telhawk-systems/telhawk-detect/internal/searchafter"
	"github.com/telhawk-systems/telhawk-detect/internal/signals"
	"github.com/telhawk-systems/telhawk-detect/internal/state"
	"github.com/telhawk-systems/telhawk-detect/internal/storage"
)

// app holds the engine's connected dependencies.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	search *storage.Client
	repo   repository.Repository
	status state.Store
	redis  *redis.Client
	nats   *natsclient.Client
	exec   *executor.Executor
}

// openRepository opens the configured rule parameter source.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Engine.RulesSource {
	case "file":
		repo, err := repository.LoadRulesFile(cfg.Engine.RulesFile)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "postgres":
		repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown rules source %q", cfg.Engine.RulesSource)
	}
}

// newApp connects every dependency a rule run needs.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.search, err = storage.Connect(ctx, cfg.OpenSearch)
	if err != nil {
		return nil, err
	}

	a.repo, err = openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		a.redis, err = state.Dial(ctx, cfg.Redis.URL, cfg.Redis.MaxRetries, cfg.Redis.PoolSize)
		if err != nil {
			return nil, err
		}
		a.status = state.NewRedisStore(a.redis, true)
	} else {
		a.status = state.NewMemoryStore()
	}

	var publisher messaging.Publisher
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		a.nats, err = natsclient.NewClient(natsCfg, logger)
		if err != nil {
			return nil, err
		}
		publisher = a.nats
	}

	engine := cfg.Engine
	recorder := metrics.NewRecorder()
	loop := searchafter.New(
		storage.NewSearcher(a.search, engine.TimestampField, engine.TiebreakerField),
		signals.NewBuilder(engine.TimestampField),
		storage.NewBulkWriter(a.search, engine.SignalsIndex, engine.Refresh),
		searchafter.WithRecorder(recorder),
		searchafter.WithLogger(logger),
	)
	a.exec = executor.New(loop, query.NewBuilder(engine.TimestampField), executor.ConfigFromEngine(engine),
		executor.WithStatusStore(a.status),
		executor.WithEventPublisher(messaging.NewEventPublisher(publisher)),
		executor.WithMetrics(recorder),
		executor.WithLogger(logger),
	)

	ok = true
	return a, nil
}

// Close releases every connection the app opened.
func (a *app) Close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("failed to drain NATS connection", logging.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("failed to close redis client", logging.Error(err))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}
