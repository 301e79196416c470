package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/dagflow/internal/config"
	"github.com/petrijr/dagflow/internal/engine"
	"github.com/petrijr/dagflow/internal/handlers"
	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/internal/telemetry"
	"github.com/petrijr/dagflow/pkg/api"
)

// app is everything a command needs, built from one Config.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  api.Engine
	queue   taskqueue.Queue
	metrics *telemetry.PrometheusSink
	tracing *telemetry.TracerProvider

	closers []func(context.Context) error
}

// runtimeOptions selects the optional parts of an app.
type runtimeOptions struct {
	// forceQueue builds an in-memory queue when the config names none.
	forceQueue bool
	// logEvents mirrors engine events into the logger at debug level.
	logEvents bool
}

// connections caches backend handles so store and queue can share them.
type connections struct {
	sqlDBs map[string]*sql.DB
	redis  map[string]*redis.Client
	rt     *app
}

func (c *connections) sqlDB(driver, dsn string) (*sql.DB, error) {
	key := driver + "|" + dsn
	if db, ok := c.sqlDBs[key]; ok {
		return db, nil
	}
	name := "pgx"
	if driver == config.DriverSQLite {
		name = "sqlite"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	c.sqlDBs[key] = db
	c.rt.closers = append(c.rt.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (c *connections) redisClient(addr string) *redis.Client {
	if client, ok := c.redis[addr]; ok {
		return client
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	c.redis[addr] = client
	c.rt.closers = append(c.rt.closers, func(context.Context) error { return client.Close() })
	return client
}

// buildRuntime opens the configured store and queue and assembles an engine
// with the built-in handlers, Prometheus metrics and tracing.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runtimeOptions) (*app, error) {
	rt := &app{cfg: cfg, logger: logger}
	if err := rt.open(ctx, opts); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *app) open(ctx context.Context, opts runtimeOptions) error {
	cfg, logger := rt.cfg, rt.logger

	conns := &connections{sqlDBs: map[string]*sql.DB{}, redis: map[string]*redis.Client{}, rt: rt}

	store, err := openStore(ctx, cfg.Store, conns)
	if err != nil {
		return err
	}
	rt.queue, err = openQueue(ctx, cfg, conns, opts.forceQueue)
	if err != nil {
		return err
	}

	rt.tracing, err = telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.tracing.Shutdown)

	rt.metrics = telemetry.NewPrometheusSink()
	sinks := []api.EventSink{rt.metrics}
	if opts.logEvents {
		sinks = append(sinks, api.NewLoggingSink(logger))
	}

	rt.engine = engine.NewEngineWithConfig(engine.Config{
		Store:        store,
		Handlers:     handlers.NewRegistry(),
		Queue:        rt.queue,
		Sink:         api.NewCompositeSink(sinks...),
		Logger:       logger,
		Tracer:       rt.tracing.Tracer("dagflow"),
		Backoff:      cfg.Backoff.Policy(),
		Concurrency:  cfg.Engine.Concurrency,
		StepTimeout:  cfg.Engine.StepTimeout,
		PollInterval: cfg.Engine.PollInterval,
	})
	return nil
}

func openStore(ctx context.Context, sc config.StoreConfig, conns *connections) (persistence.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), nil
	case config.DriverSQLite:
		db, err := conns.sqlDB(sc.Driver, sc.DSN)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(db)
	case config.DriverPostgres:
		db, err := conns.sqlDB(sc.Driver, sc.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return persistence.NewPostgresStore(db)
	case config.DriverRedis:
		client := conns.redisClient(sc.RedisAddr)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return persistence.NewRedisStore(client, sc.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", sc.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config, conns *connections, force bool) (taskqueue.Queue, error) {
	qc := cfg.Queue
	var q taskqueue.Queue

	switch qc.Driver {
	case config.DriverNone:
		if !force {
			return nil, nil
		}
		q = taskqueue.NewInMemoryQueue()
	case config.DriverMemory:
		q = taskqueue.NewInMemoryQueue()
	case config.DriverSQLite, config.DriverPostgres:
		dsn := qc.DSN
		if dsn == "" {
			dsn = cfg.Store.DSN
		}
		db, err := conns.sqlDB(qc.Driver, dsn)
		if err != nil {
			return nil, err
		}
		if qc.Driver == config.DriverSQLite {
			q, err = taskqueue.NewSQLiteQueue(db)
		} else {
			q, err = taskqueue.NewPostgresQueue(db)
		}
		if err != nil {
			return nil, err
		}
	case config.DriverRedis:
		addr := qc.RedisAddr
		if addr == "" {
			addr = cfg.Store.RedisAddr
		}
		q = taskqueue.NewRedisQueue(conns.redisClient(addr), qc.Prefix)
	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(qc.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		conns.rt.closers = append(conns.rt.closers, client.Disconnect)
		q = taskqueue.NewMongoQueue(client, qc.Database, qc.Collection)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", qc.Driver)
	}

	if pq, ok := q.(taskqueue.PollingQueue); ok {
		pq.SetPollInterval(qc.PollInterval)
	}
	return q, nil
}

// Close releases every connection in reverse order of opening.
func (rt *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// registerTemplates registers every template with the engine.
func (rt *app) registerTemplates(tpls []api.TaskTemplate) error {
	for _, tpl := range tpls {
		if err := rt.engine.RegisterTemplate(tpl); err != nil {
			return fmt.Errorf("register template %q: %w", tpl.Name, err)
		}
		rt.logger.Debug("template registered",
			slog.String(api.KeyTaskName, tpl.Name),
			slog.String("version", tpl.Version),
			slog.Int("steps", len(tpl.Steps)),
		)
	}
	return nil
}
