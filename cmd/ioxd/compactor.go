package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/compaction"
	"github.com/gulio-python/influxdb-iox/internal/compaction/planner"
	"github.com/gulio-python/influxdb-iox/internal/compaction/worker"
	"github.com/gulio-python/influxdb-iox/internal/config"
	"github.com/gulio-python/influxdb-iox/internal/events"
	"github.com/gulio-python/influxdb-iox/internal/logging"
	"github.com/gulio-python/influxdb-iox/internal/metrics"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
	"github.com/gulio-python/influxdb-iox/internal/objectstore/s3"
	"github.com/gulio-python/influxdb-iox/internal/retry"
)

// memoryBackend is the magic config value that swaps a persistent backend
// for its in-process fake. Used for local smoke runs, never in production.
const memoryBackend = "memory"

// CompactorOptions contains the configuration for creating a compactor.
type CompactorOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	BuildTime string
}

// Compactor represents a running compactor daemon: the catalog and object
// store clients, the scheduling loop, the optional event publisher, and the
// metrics endpoint.
type Compactor struct {
	opts          CompactorOptions
	logger        *logging.Logger
	catalog       catalog.Catalog
	objectStore   objectstore.Store
	publisher     events.Publisher
	scheduler     *compaction.Scheduler
	metricsServer *metrics.Server

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewCompactor(opts CompactorOptions) (*Compactor, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	return &Compactor{
		opts:      opts,
		logger:    opts.Logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start initializes all compactor components and blocks until Shutdown.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("compactor already started")
	}
	c.started = true
	c.mu.Unlock()

	cfg := c.opts.Config

	c.logger.Infof("starting compactor", map[string]any{
		"nodeId":  cfg.Compactor.NodeID,
		"version": c.opts.Version,
		"commit":  c.opts.GitCommit,
	})

	cat, err := c.openCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	c.catalog = cat

	store, err := c.openObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	c.objectStore = store

	compactionMetrics := metrics.NewCompactionMetrics()

	outputCodec, err := worker.ParseCodec(cfg.Compaction.OutputCodec)
	if err != nil {
		return fmt.Errorf("invalid output codec: %w", err)
	}

	budget := worker.NewMemoryBudget(cfg.Compactor.MemoryBudgetBytes)
	executor := worker.NewExecutor(c.objectStore, budget, worker.ExecutorConfig{
		OutputCodec:             outputCodec,
		MaxOutputFileBytes:      cfg.Compaction.MaxOutputFileBytes,
		MultipartThresholdBytes: cfg.ObjectStore.MultipartThresholdBytes,
		PartSizeBytes:           cfg.ObjectStore.PartSizeBytes,
		WriteBatchSize:          cfg.Compaction.WriteBatchSize,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFraction: cfg.Retry.JitterFraction,
		},
	}, compactionMetrics)

	pln := planner.New(planner.Config{
		MaxJobBytes:        cfg.Compaction.MaxJobBytes,
		MaxFilesPerJob:     cfg.Compaction.MaxFilesPerJob,
		MaxJobTimeRange:    time.Duration(cfg.Compaction.MaxJobTimeRangeMs) * time.Millisecond,
		PromotionThreshold: cfg.Compaction.PromotionThresholdBytes,
	})

	strategy, err := compaction.ParseRankStrategy(cfg.Compactor.RankingStrategy)
	if err != nil {
		return fmt.Errorf("invalid ranking strategy: %w", err)
	}

	c.publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		pub, err := events.NewKafkaPublisher(ctx, events.KafkaConfig{
			Brokers:  cfg.Events.Brokers,
			Topic:    cfg.Events.Topic,
			ClientID: "iox-compactor-" + cfg.Compactor.NodeID,
		})
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		c.publisher = pub
		c.logger.Infof("job event publishing enabled", map[string]any{
			"brokers": cfg.Events.Brokers,
			"topic":   pub.Topic(),
		})
	}

	c.scheduler = compaction.NewScheduler(compaction.SchedulerConfig{
		NodeID:                cfg.Compactor.NodeID,
		CycleInterval:         time.Duration(cfg.Compactor.CycleIntervalMs) * time.Millisecond,
		MaxPartitionsPerCycle: cfg.Compactor.MaxPartitionsPerCycle,
		Strategy:              strategy,
		Level0FileTrigger:     cfg.Compaction.Level0FileTrigger,
		ColdAge:               time.Duration(cfg.Compaction.ColdAgeMs) * time.Millisecond,
		Workers:               cfg.Compactor.Workers,
	}, c.catalog, pln, executor, compaction.NewCommitter(c.catalog), c.publisher, compactionMetrics)

	// Metrics and health endpoint. Readiness follows catalog connectivity:
	// a compactor that cannot reach the catalog cannot make progress.
	c.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr)
	c.metricsServer.SetReadyCheck(func(ctx context.Context) error {
		return c.catalog.Ping(ctx)
	})
	if err := c.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	c.logger.Infof("metrics server listening", map[string]any{
		"addr": c.metricsServer.Addr(),
	})

	c.scheduler.Start()

	c.logger.Infof("compactor started", map[string]any{
		"workers":         cfg.Compactor.Workers,
		"cycleIntervalMs": cfg.Compactor.CycleIntervalMs,
		"memoryBudget":    cfg.Compactor.MemoryBudgetBytes,
		"rankingStrategy": string(strategy),
		"eventsEnabled":   cfg.Events.Enabled,
	})

	// Block until Shutdown signals us to stop.
	<-c.stopCh
	close(c.stoppedCh)
	return nil
}

// openCatalog connects the configured catalog backend. The DSN "memory"
// selects the in-process catalog, which loses all state on restart.
func (c *Compactor) openCatalog(ctx context.Context, cfg *config.Config) (catalog.Catalog, error) {
	catalogMetrics := metrics.NewCatalogMetrics()

	if cfg.Catalog.DSN == memoryBackend {
		c.logger.Warn("using in-memory catalog; state will not survive a restart")
		return catalog.NewInstrumentedCatalog(catalog.NewMockCatalog(), catalogMetrics), nil
	}

	pg, err := catalog.NewPostgres(ctx, catalog.PostgresConfig{
		DSN:            cfg.Catalog.DSN,
		MaxConns:       cfg.Catalog.MaxConns,
		ConnectTimeout: time.Duration(cfg.Catalog.ConnectTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return catalog.NewInstrumentedCatalog(pg, catalogMetrics), nil
}

// openObjectStore connects the configured object store backend. The bucket
// "memory" selects the in-process store.
func (c *Compactor) openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	storeMetrics := metrics.NewObjectStoreMetrics()

	if cfg.ObjectStore.Bucket == memoryBackend {
		c.logger.Warn("using in-memory object store; data will not survive a restart")
		return objectstore.NewInstrumentedStore(objectstore.NewMockStore(), storeMetrics), nil
	}

	store, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKey,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		// Custom endpoints (MinIO, localstack) want path-style addressing.
		UsePathStyle: cfg.ObjectStore.Endpoint != "",
	})
	if err != nil {
		return nil, err
	}
	return objectstore.NewInstrumentedStore(store, storeMetrics), nil
}

// Shutdown gracefully stops the compactor. In-flight jobs finish before the
// scheduler stops; the context bounds how long we wait for them.
func (c *Compactor) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("shutting down compactor")

	// Signal the Start goroutine to return.
	close(c.stopCh)

	select {
	case <-c.stoppedCh:
	case <-ctx.Done():
		c.logger.Warn("shutdown context cancelled, forcing stop")
	}

	if c.scheduler != nil {
		c.scheduler.Stop()
	}

	if c.publisher != nil {
		c.publisher.Close()
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Close(); err != nil {
			c.logger.Warnf("error closing metrics server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if c.objectStore != nil {
		if err := c.objectStore.Close(); err != nil {
			c.logger.Warnf("error closing object store", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if c.catalog != nil {
		c.catalog.Close()
	}

	c.logger.Info("compactor shutdown complete")
	return nil
}
