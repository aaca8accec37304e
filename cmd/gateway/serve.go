package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/config"
	"github.com/optstream/gateway/internal/greeks"
	"github.com/optstream/gateway/internal/history"
	"github.com/optstream/gateway/internal/instruments"
	httpiface "github.com/optstream/gateway/internal/interfaces/http"
	"github.com/optstream/gateway/internal/market"
	"github.com/optstream/gateway/internal/metrics"
	"github.com/optstream/gateway/internal/orders"
	"github.com/optstream/gateway/internal/persistence"
	"github.com/optstream/gateway/internal/persistence/postgres"
	"github.com/optstream/gateway/internal/publish"
	"github.com/optstream/gateway/internal/ratelimit"
	"github.com/optstream/gateway/internal/stream"
	"github.com/optstream/gateway/internal/ticks"
)

func serveCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	m := metrics.NewRegistry()

	// Durable store and repos.
	store, err := persistence.NewManager(persistence.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		QueryTimeout:    cfg.Store.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	subsRepo := postgres.NewSubscriptionsRepo(store.DB(), store.QueryTimeout())
	ordersRepo := postgres.NewOrderTasksRepo(store.DB(), store.QueryTimeout())

	// Bus, publisher, batcher. The publisher reads batcher pressure through
	// a late-bound closure because each needs the other.
	bus, err := publish.NewRedisBus(cfg.Bus.URL)
	if err != nil {
		return err
	}
	defer bus.Close()

	var batcher *publish.Batcher
	publisher := publish.NewPublisher(bus, publish.PublisherConfig{
		PublishTimeout:   cfg.Bus.PublishTimeout,
		FailureThreshold: cfg.Publish.FailureThreshold,
		RecoveryInterval: cfg.Publish.RecoveryInterval,
		SuccessThreshold: cfg.Publish.SuccessThreshold,
	}, m, func() (int, int) {
		if batcher == nil {
			return 0, 0
		}
		return batcher.Pending()
	})
	batcher = publish.NewBatcher(publish.BatcherConfig{
		Window:  cfg.Publish.BatchWindow,
		MaxSize: cfg.Publish.BatchMaxSize,
	}, publisher, m)

	// Market calendar and broker surfaces.
	calendar, err := market.NewCalendar(market.SystemClock{}, cfg.Market.Timezone, cfg.Market.Open, cfg.Market.Close)
	if err != nil {
		return err
	}

	client := broker.NewRESTClient(cfg.Broker.RESTBaseURL, 30*time.Second)
	registry := instruments.NewRegistry(client, calendar.Location())
	if err := registry.Load(ctx); err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.DefaultLimits)
	mgr := accounts.NewManager(limiter, cfg.Broker.LeaseTimeout)
	for _, a := range cfg.Accounts {
		if err := mgr.Add(a.ID, broker.Credentials{APIKey: a.APIKey, AccessToken: a.AccessToken}); err != nil {
			return err
		}
	}

	pool := broker.NewPool(broker.PoolConfig{
		WSBaseURL:          cfg.Broker.WSBaseURL,
		MaxTokensPerConn:   cfg.Broker.MaxTokensPerConn,
		MaxConnsPerAccount: cfg.Broker.MaxConnsPerAccount,
		SubscribeTimeout:   cfg.Broker.SubscribeTimeout,
		SilentThreshold:    cfg.Broker.SilentConnThreshold,
	}, nil, calendar, func(accountID string) {
		m.DroppedTotal.WithLabelValues("sink_overflow").Inc()
	})
	defer pool.Close()
	for _, a := range cfg.Accounts {
		pool.Register(a.ID, broker.Credentials{APIKey: a.APIKey, AccessToken: a.AccessToken})
	}

	// Streaming pipeline.
	underlyingChannel := fmt.Sprintf("ticker:%s:underlying", cfg.Bus.Market)
	optionsChannel := fmt.Sprintf("ticker:%s:options", cfg.Bus.Market)
	eventsChannel := fmt.Sprintf("ticker:%s:events", cfg.Bus.Market)

	orchestrator := stream.NewOrchestrator(stream.Config{
		EventsChannel:     eventsChannel,
		ReconcileDebounce: cfg.Stream.ReconcileDebounce,
		EnableMockData:    cfg.Stream.EnableMockData,
		MockStateTTL:      cfg.Stream.MockStateTTL,
		MockStateMax:      cfg.Stream.MockStateMax,
		WatchdogInterval:  cfg.Broker.SilentConnThreshold / 2,
	}, subsRepo, registry, pool, mgr, publisher, calendar, m)

	validator := ticks.NewValidator(cfg.Stream.ValidatorStrict, m)
	processor := ticks.NewProcessor(ticks.ProcessorConfig{
		UnderlyingChannel: underlyingChannel,
		OptionsChannel:    optionsChannel,
		RiskFreeRate:      cfg.Market.RiskFreeRate,
		IVParams: greeks.IVParams{
			MaxIterations: cfg.Market.IVMaxIterations,
			Tolerance:     cfg.Market.IVTolerance,
		},
	}, orchestrator.Lookup, validator, calendar, batcher, m)
	orchestrator.BindProcessor(processor)

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}

	// Order executor.
	executor := orders.NewExecutor(orders.Config{
		Workers:          cfg.Executor.Workers,
		MaxAttempts:      cfg.Executor.MaxAttempts,
		MaxTasks:         cfg.Executor.MaxTasks,
		PollInterval:     cfg.Executor.PollInterval,
		BackoffBase:      cfg.Executor.BackoffBase,
		BackoffMax:       cfg.Executor.BackoffMax,
		RecoveryGrace:    cfg.Executor.RecoveryGrace,
		FailureThreshold: cfg.Publish.FailureThreshold,
		RecoveryInterval: cfg.Publish.RecoveryInterval,
		SuccessThreshold: cfg.Publish.SuccessThreshold,
	}, ordersRepo, client, mgr, m)
	if err := executor.Start(ctx); err != nil {
		return err
	}

	// Control plane.
	server := httpiface.NewServer(cfg.HTTP, httpiface.Deps{
		Orchestrator:      orchestrator,
		Executor:          executor,
		Subscriptions:     subsRepo,
		Registry:          registry,
		Publisher:         publisher,
		Store:             store,
		Accounts:          mgr,
		Metrics:           m,
		History:           history.NewService(client, mgr),
		Bus:               bus,
		UnderlyingChannel: underlyingChannel,
		OptionsChannel:    optionsChannel,
		EventsChannel:     eventsChannel,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown: stop intake first, then drain the pipeline outward.
	log.Info().Msg("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Stream.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	executor.Stop()
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Orchestrator shutdown failed")
	}
	pool.Close()
	batcher.Close()

	log.Info().Msg("Gateway stopped")
	return nil
}
