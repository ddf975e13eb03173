package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/confidence"
	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/conversation"
	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/executor"
	"github.com/fyrsmithlabs/patternd/internal/extractor"
	httpserver "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/llm"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/optimizer"
	"github.com/fyrsmithlabs/patternd/internal/redact"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/transport"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

// closer releases one component during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// daemon holds the wired components.
type daemon struct {
	logger  *zap.Logger
	flags   *config.FlagWatcher
	service *engine.Service
	server  *httpserver.Server

	closers []closer
}

func (d *daemon) onClose(name string, fn func(ctx context.Context) error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

// close stops the HTTP server first, then releases everything else in
// reverse construction order.
func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if d.service != nil {
		if err := d.service.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}
	if d.flags != nil {
		d.flags.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// start launches the flag watcher and the engine's background workers.
func (d *daemon) start(ctx context.Context) error {
	if err := d.flags.Start(ctx); err != nil {
		// Static flags still apply; only live reload is lost.
		d.logger.Warn("flag hot reload disabled", zap.Error(err))
	}
	return d.service.Start()
}

// build constructs every component. On error, whatever was already opened
// is released.
func build(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger) (_ *daemon, err error) {
	d := &daemon{logger: logger}
	defer func() {
		if err != nil {
			_ = d.close(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.flags = config.NewFlagWatcher(configPath, cfg.Flags, logger.Named("flags"))

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	d.onClose("store", func(context.Context) error { return st.Close() })

	embedder, err := buildEmbedder(ctx, d, cfg.Embeddings, logger)
	if err != nil {
		return nil, err
	}

	index, err := buildIndex(ctx, cfg.VectorIndex, logger)
	if err != nil {
		return nil, err
	}
	d.onClose("vector index", func(context.Context) error { return index.Close() })

	llmClient, err := buildLLM(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	ext := extractor.New(extractor.Options{
		Locations:  cfg.Engine.Locations,
		LLM:        llmClient,
		LLMTimeout: cfg.LLM.Timeout,
		Logger:     logger.Named("extractor"),
	})

	conf := confidence.New(st, confidence.Options{
		Thresholds: cfg.Engine.Thresholds,
		Metrics:    confidence.NewMetrics(reg),
		Logger:     logger.Named("confidence"),
	})

	opt, err := buildOptimizer(cfg, st, conf, index, reg, logger)
	if err != nil {
		return nil, err
	}
	outcomes := engine.NewOutcomes(conf, st, opt, logger.Named("outcomes"))

	nc, err := connectNATS(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}
	d.onClose("nats", func(context.Context) error { return nc.Drain() })

	sender, err := transport.NewNATSSender(nc, cfg.Transport.OutboundSubject, cfg.Transport.SendTimeout)
	if err != nil {
		return nil, err
	}
	actions, err := transport.NewHTTPActionRunner(cfg.Transport.ActionBaseURL, 0)
	if err != nil {
		return nil, err
	}
	humans, err := buildHumanQueue(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Deps{
		Flags:    d.flags,
		Records:  st,
		Outcomes: outcomes,
		Sender:   sender,
		Actions:  actions,
		Humans:   humans,
		Variants: opt,
	}, executor.Options{
		Thresholds:         cfg.Engine.Thresholds,
		ConfirmationWindow: cfg.Engine.ConfirmationWindow,
		CallTimeout:        cfg.Transport.SendTimeout,
		Metrics:            executor.NewMetrics(reg),
		Logger:             logger.Named("executor"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	scrubber, err := buildScrubber(cfg.Learning, logger)
	if err != nil {
		return nil, err
	}
	learner, err := learning.New(learning.Deps{
		Store:       st,
		Extractor:   ext,
		Outcomes:    outcomes,
		Scrubber:    scrubber,
		Embedder:    embedder,
		Index:       index,
		Experiments: opt,
	}, learning.Options{
		MergeThreshold: cfg.Optimizer.MergeThreshold,
		SimilarReply:   cfg.Learning.SimilarReply,
		Metrics:        learning.NewMetrics(reg),
		Logger:         logger.Named("learning"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating learner: %w", err)
	}

	manager := conversation.NewManager(st, conversation.Options{
		Detector:    buildDetector(cfg.Engine),
		LockTimeout: cfg.Engine.LockTimeout,
		Logger:      logger.Named("conversation"),
	})

	// The engine is the event handler, so sources are created after it and
	// attached as workers through a late-bound handler.
	var svc *engine.Service
	handle := func(ctx context.Context, ev engine.MessageEvent) error {
		_, err := svc.HandleEvent(ctx, ev)
		return err
	}
	workers, err := buildWorkers(cfg, nc, handle, opt, logger)
	if err != nil {
		return nil, err
	}

	triggers := buildTriggers(cfg.Engine)
	svc, err = engine.New(engine.Deps{
		Conversations: manager,
		Patterns:      st,
		Extractor:     ext,
		Matcher: matcher.New(st, embedder, index, matcher.Options{
			Threshold: cfg.Engine.SimilarityThreshold,
			TopK:      cfg.Engine.TopK,
			Logger:    logger.Named("matcher"),
		}),
		Executor: exec,
		Outcomes: outcomes,
		Flags:    d.flags,
		Learner:  learner,
		Workers:  workers,
	}, engine.Options{
		Triggers:      &triggers,
		SweepInterval: cfg.Engine.SweepInterval,
		IdleTimeout:   cfg.Engine.IdleTimeout,
		Metrics:       engine.NewMetrics(reg),
		Logger:        logger.Named("engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	d.service = svc

	d.server, err = httpserver.NewServer(httpserver.Deps{
		Engine:   svc,
		Patterns: st,
		Learner:  learner,
		Outcomes: outcomes,
		Flags:    d.flags,
		Gatherer: reg,
	}, logger.Named("http"), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	return d, nil
}

// buildOptimizer shares the engine's decay window so candidate selection and
// the decay step agree.
func buildOptimizer(cfg *config.Config, st optimizer.Store, conf *confidence.Engine, index vectorindex.Index, reg prometheus.Registerer, logger *zap.Logger) (*optimizer.Optimizer, error) {
	opt, err := optimizer.New(st, conf, index, optimizer.Options{
		DecayWindow:        conf.Thresholds().DecayWindow,
		MergeThreshold:     cfg.Optimizer.MergeThreshold,
		ExperimentFraction: cfg.Optimizer.ExperimentFraction,
		MinSamples:         cfg.Optimizer.ExperimentMinSamples,
		MinLift:            cfg.Optimizer.ExperimentMinLift,
		Metrics:            optimizer.NewMetrics(reg),
		Logger:             logger.Named("optimizer"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating optimizer: %w", err)
	}
	return opt, nil
}

// openStore opens the SQLite store. ":memory:" is passed through untouched.
func openStore(cfg config.StoreConfig) (*store.SQLiteStore, error) {
	path := cfg.Path
	if path != ":memory:" {
		path = config.ExpandHome(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return st, nil
}

// buildEmbedder wraps the configured provider in the memory cache, adding a
// shared Redis tier when redis_addr is set.
func buildEmbedder(ctx context.Context, d *daemon, cfg config.EmbeddingsConfig, logger *zap.Logger) (*embeddings.CachedEmbedder, error) {
	if cfg.Provider == "fastembed" || cfg.Provider == "" {
		lib, err := embeddings.EnsureONNXRuntime(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("preparing ONNX runtime: %w", err)
		}
		logger.Debug("onnx runtime ready", zap.String("path", lib))
	}

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey.Value(),
		CacheDir: config.ExpandHome(cfg.CacheDir),
	}, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var cache embeddings.Cache = embeddings.NewMemoryCache(cfg.CacheTTL, cfg.CacheMaxEntries)
	if cfg.RedisAddr != "" {
		rc, err := embeddings.NewRedisCache(ctx, embeddings.RedisCacheConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Value(),
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		}, logger.Named("embeddings"))
		if err != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("connecting embedding cache: %w", err)
		}
		d.onClose("redis cache", func(context.Context) error { return rc.Close() })
		cache = embeddings.NewTieredCache(cache, rc)
	}

	e := embeddings.NewCachedEmbedder(provider, cache, embeddings.NewMetrics(logger), embeddings.CachedEmbedderConfig{
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, logger.Named("embeddings"))
	d.onClose("embedder", func(context.Context) error { return e.Close() })
	logger.Info("embeddings ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", e.Dimension()),
		zap.Bool("redis_tier", cfg.RedisAddr != ""))
	return e, nil
}

// indexCloser is an index that holds resources.
type indexCloser interface {
	vectorindex.Index
	Close() error
}

func buildIndex(ctx context.Context, cfg config.VectorIndexConfig, logger *zap.Logger) (indexCloser, error) {
	switch cfg.Provider {
	case "qdrant":
		idx, err := vectorindex.NewQdrantIndex(ctx, vectorindex.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
			UseTLS:     cfg.QdrantUseTLS,
		}, logger.Named("vectorindex"))
		if err != nil {
			return nil, fmt.Errorf("connecting qdrant: %w", err)
		}
		return idx, nil
	default:
		path := cfg.Path
		if path != "" {
			path = config.ExpandHome(path)
		}
		idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{
			Path:       path,
			Collection: cfg.Collection,
			Compress:   cfg.Compress,
		}, logger.Named("vectorindex"))
		if err != nil {
			return nil, fmt.Errorf("opening chromem index: %w", err)
		}
		return idx, nil
	}
}

// buildLLM returns nil when the fallback is disabled.
func buildLLM(cfg config.LLMConfig, logger *zap.Logger) (llm.Extractor, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	c, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey.Value(),
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	}, logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}
	return c, nil
}

func buildScrubber(cfg config.LearningConfig, logger *zap.Logger) (*redact.Scrubber, error) {
	opts := redact.Options{
		DisableGitleaks: cfg.DisableGitleaks,
		Logger:          logger.Named("redact"),
	}
	if cfg.AllowlistPath != "" {
		al, err := redact.LoadAllowlist(config.ExpandHome(cfg.AllowlistPath))
		if err != nil {
			return nil, fmt.Errorf("loading redaction allowlist: %w", err)
		}
		opts.Allowlist = al
	}
	s, err := redact.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating scrubber: %w", err)
	}
	return s, nil
}

func connectNATS(cfg config.TransportConfig, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("patternd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	logger.Info("connected to nats", zap.String("url", cfg.NATSURL))
	return nc, nil
}

// buildHumanQueue posts to Slack when a token is configured and logs
// otherwise.
func buildHumanQueue(cfg config.TransportConfig, logger *zap.Logger) (executor.HumanQueue, error) {
	if !cfg.SlackToken.IsSet() {
		logger.Info("slack not configured, escalations go to the log")
		return transport.NewLogQueue(logger.Named("humans")), nil
	}
	s, err := transport.NewSlackEscalator(cfg.SlackToken.Value(), cfg.SlackChannel)
	if err != nil {
		return nil, fmt.Errorf("creating slack escalator: %w", err)
	}
	return s, nil
}

func buildDetector(cfg config.EngineConfig) conversation.BoundaryDetector {
	if cfg.Boundary == "fixed" {
		return conversation.FixedWindow{Window: cfg.BoundaryWindow}
	}
	a := conversation.NewAdaptive()
	if cfg.BoundaryWindow > 0 {
		a.Default = cfg.BoundaryWindow
	}
	return a
}

func buildTriggers(cfg config.EngineConfig) conversation.Triggers {
	t := conversation.DefaultTriggers()
	if cfg.MaxMisses > 0 {
		t.MaxMisses = cfg.MaxMisses
	}
	return t
}

// buildWorkers returns the event sources and, when enabled, the optimizer
// schedule. The engine starts and stops them.
func buildWorkers(cfg *config.Config, nc *nats.Conn, h transport.Handler, opt *optimizer.Optimizer, logger *zap.Logger) ([]engine.Worker, error) {
	var workers []engine.Worker

	src, err := transport.NewNATSSource(nc, cfg.Transport.InboundSubject, cfg.Transport.QueueGroup, h, 0, logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	workers = append(workers, src)

	if len(cfg.Transport.KafkaBrokers) > 0 && cfg.Transport.KafkaTopic != "" {
		r := transport.NewKafkaReader(cfg.Transport.KafkaBrokers, cfg.Transport.KafkaTopic, cfg.Transport.KafkaGroup)
		ks, err := transport.NewKafkaSource(r, h, logger.Named("kafka"))
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		workers = append(workers, ks)
	}

	if cfg.Optimizer.Enabled {
		sched, err := optimizer.NewScheduler(opt, logger.Named("optimizer"), optimizer.WithInterval(cfg.Optimizer.Interval))
		if err != nil {
			return nil, err
		}
		workers = append(workers, sched)
	}
	return workers, nil
}
