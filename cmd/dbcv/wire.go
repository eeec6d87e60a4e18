package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carbonfay/DBCV-sub000/auth"
	"github.com/carbonfay/DBCV-sub000/config"
	"github.com/carbonfay/DBCV-sub000/datamanager"
	"github.com/carbonfay/DBCV-sub000/emitter"
	"github.com/carbonfay/DBCV-sub000/engine"
	"github.com/carbonfay/DBCV-sub000/health"
	"github.com/carbonfay/DBCV-sub000/integration"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/natsclient"
	"github.com/carbonfay/DBCV-sub000/output/notify"
	"github.com/carbonfay/DBCV-sub000/rule"
	"github.com/carbonfay/DBCV-sub000/sandbox"
	"github.com/carbonfay/DBCV-sub000/storage"
	"github.com/carbonfay/DBCV-sub000/storage/gormstore"
	"github.com/carbonfay/DBCV-sub000/storage/memstore"
	"github.com/carbonfay/DBCV-sub000/storage/objectstore"
	"github.com/carbonfay/DBCV-sub000/stream"
	"github.com/carbonfay/DBCV-sub000/variables"
)

// app holds the assembled engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *metric.MetricsRegistry
	monitor    *health.Monitor
	redis      redis.UniversalClient
	nats       *natsclient.Client
	data       *datamanager.Manager
	dispatcher *engine.Dispatcher
	user       *stream.Consumer
	bot        *stream.Consumer
	scheduler  *emitter.Scheduler
	server     *metric.Server

	closers []func(context.Context) error
}

// buildApp connects every dependency named in cfg and assembles the
// engine. On error whatever was opened is closed again.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(5 * time.Second),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()
	core := a.registry.CoreMetrics()

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	a.onClose(func(context.Context) error { return a.redis.Close() })
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	a.monitor.Register("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	backend, err := a.cacheBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.data, err = datamanager.New(datamanager.Deps{
		Store:           store,
		Backend:         backend,
		TTLs:            cfg.Cache.TTLs,
		Logger:          logger,
		MetricsRegistry: a.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create data manager: %w", err)
	}
	a.onClose(func(context.Context) error { return a.data.Close() })

	var blobs storage.BlobStore
	var sinks []notify.Sink
	if cfg.NATS.URL != "" {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
		attachments, err := objectstore.Open(ctx, a.nats, cfg.Attachments, a.registry, logger)
		if err != nil {
			return nil, fmt.Errorf("open attachment store: %w", err)
		}
		blobs = attachments
		sinks = append(sinks, notify.NewNATSSink(a.nats, cfg.Notify.NATS, core, logger))
	}
	if cfg.Notify.Webhook.URL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.Notify.Webhook, core, logger))
	}

	authService, err := a.authService(ctx)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Engine.Response.MaxTimeout}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = engine.DefaultResponseConfig().MaxTimeout
	}

	plugins := integration.NewRegistry(core, logger)
	if err := plugins.Register(integration.NewWebhook(httpClient)); err != nil {
		return nil, fmt.Errorf("register webhook plugin: %w", err)
	}

	box, err := sandbox.New(cfg.Engine.Sandbox, a.registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	rules, err := rule.NewEvaluator(a.registry)
	if err != nil {
		return nil, fmt.Errorf("create rule evaluator: %w", err)
	}

	var uploader variables.Uploader
	if blobs != nil {
		uploader = blobs
	}
	outbox := stream.NewProducer(a.redis, cfg.Streams.Bot.Stream, cfg.Streams.Bot.MaxLen)

	executor, err := engine.NewExecutor(engine.Deps{
		Data:      a.data,
		Variables: variables.NewEngine(a.data, uploader, logger),
		Rules:     rules,
		Handlers: engine.HandlerSet{
			Message:     engine.MessageHandler{},
			Response:    engine.NewResponseHandler(httpClient, authService, blobs, cfg.Engine.Response, logger),
			Code:        engine.CodeHandler{Sandbox: box},
			Integration: engine.IntegrationHandler{Registry: plugins, Auth: authService},
		},
		Outbox:           outbox,
		Metrics:          core,
		MetricsRegistry:  a.registry,
		Logger:           logger,
		MaxHops:          cfg.Engine.MaxHops,
		MaxTemplateDepth: cfg.Engine.MaxTemplateDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	var notifier engine.Notifier
	if len(sinks) > 0 {
		notifier = notify.Multi(sinks...)
	}
	a.dispatcher = engine.NewDispatcher(executor, a.data, notifier, core, logger)

	if a.user, err = a.consumer(cfg.Streams.User, engine.RoleUser, a.dispatcher.Process); err != nil {
		return nil, err
	}
	if a.bot, err = a.consumer(cfg.Streams.Bot, engine.RoleBot, a.dispatcher.ProcessBotMessage); err != nil {
		return nil, err
	}

	if cfg.Emitters.Enabled {
		loc, err := time.LoadLocation(cfg.Emitters.Location)
		if err != nil {
			return nil, fmt.Errorf("emitter location: %w", err)
		}
		a.scheduler, err = emitter.NewScheduler(emitter.Deps{
			Publisher:   stream.NewProducer(a.redis, cfg.Streams.User.Stream, cfg.Streams.User.MaxLen),
			Process:     a.dispatcher.Process,
			Location:    loc,
			Parallelism: cfg.Emitters.Parallelism,
			FireTimeout: cfg.Emitters.FireTimeout,
			Metrics:     core,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create emitter scheduler: %w", err)
		}
		if _, err := a.scheduler.Load(ctx, a.data); err != nil {
			return nil, fmt.Errorf("load emitters: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		a.server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry, a.monitor)
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) openStore(ctx context.Context) (datamanager.Store, error) {
	if a.cfg.Database.Driver == config.DriverMemory {
		a.logger.Warn("Using in-memory store; state is lost on exit")
		return memstore.New(), nil
	}
	db, err := gormstore.Open(ctx, a.cfg.Database.Config, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.onClose(func(context.Context) error { return db.Close() })
	a.monitor.Register("database", db.Ping)
	return db, nil
}

func (a *app) cacheBackend(ctx context.Context) (datamanager.Backend, error) {
	if a.cfg.Cache.Backend == config.BackendMemory {
		b, err := datamanager.NewMemoryBackend(ctx, a.cfg.Cache.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
		return b, nil
	}
	return datamanager.NewRedisBackend(a.redis, a.cfg.Cache.Prefix), nil
}

func (a *app) connectNATS(ctx context.Context) error {
	n := a.cfg.NATS
	opts := []natsclient.Option{
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry.CoreMetrics()),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithTimeout(n.Timeout),
		natsclient.WithClientName(appName),
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithUserInfo(n.Username, n.Password))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	a.onClose(client.Close)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	a.monitor.Register("nats", client.Ping)
	return nil
}

func (a *app) authService(ctx context.Context) (*auth.Service, error) {
	c := a.cfg.Auth

	tokens, err := auth.NewTokenCache(ctx, auth.WithSafetyMargin(c.SafetyMargin))
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}

	var dec auth.Decrypter
	if c.SecretKey != "" {
		box, err := auth.NewSecretBoxFromBase64(c.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("credential key: %w", err)
		}
		dec = box
	} else {
		a.logger.Warn("No credential key configured; credentials are read as plain JSON")
	}

	client := &http.Client{Timeout: c.ClientTimeout}
	var providers []auth.Provider
	if c.Google {
		providers = append(providers, auth.NewGoogle(client))
	}
	for _, o := range c.OAuth {
		providers = append(providers, auth.NewOAuth(o, client))
	}
	for _, s := range c.Static {
		providers = append(providers, auth.NewStatic(s))
	}

	return auth.NewService(auth.Deps{
		Resolver:  auth.NewResolver(a.data),
		Tokens:    tokens,
		Decrypter: dec,
		Metrics:   a.registry.CoreMetrics(),
		Logger:    a.logger,
	}, providers...), nil
}

func (a *app) consumer(cfg stream.Config, role string, handler stream.Handler) (*stream.Consumer, error) {
	c, err := stream.NewConsumer(stream.Deps{
		Client:          a.redis,
		Config:          cfg,
		Role:            role,
		Handler:         handler,
		Metrics:         a.registry.CoreMetrics(),
		MetricsRegistry: a.registry,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s consumer: %w", role, err)
	}
	return c, nil
}

// run blocks until ctx is done or a component fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.user.Run(gctx) })
	g.Go(func() error { return a.bot.Run(gctx) })
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	if a.server != nil {
		g.Go(a.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Stop(stopCtx)
		})
	}

	a.monitor.UpdateHealthy("engine", "consumers running")
	a.logger.Info("Engine started",
		"user_stream", a.user.Config().Stream,
		"bot_stream", a.bot.Config().Stream,
		"consumer", a.user.Name(),
		"emitters", a.scheduler != nil)
	return g.Wait()
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}
