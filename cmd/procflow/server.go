package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/procflow/api/handlers"
	"github.com/BaSui01/procflow/config"
	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/internal/cache"
	"github.com/BaSui01/procflow/internal/database"
	"github.com/BaSui01/procflow/internal/metrics"
	"github.com/BaSui01/procflow/internal/server"
	"github.com/BaSui01/procflow/internal/telemetry"
	"github.com/BaSui01/procflow/internal/tlsutil"
	"github.com/BaSui01/procflow/journal"
	"github.com/BaSui01/procflow/process"
	"github.com/BaSui01/procflow/runtime"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装运行时、事件日志后端与 HTTP 入口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	funcs  *process.FuncRegistry

	collector *metrics.Collector
	telemetry *telemetry.Providers
	rt        *runtime.Runtime
	health    *handlers.HealthHandler

	// 外部依赖，按配置按需建立
	cache *cache.Manager
	pool  *database.PoolManager
	mongo *mongo.Client
	store journal.Store
	// journal 异步写入 store，关闭时先于 store 排空
	journal *journal.Recorder

	watcher *config.DirWatcher

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFuncRegistry 提供定义文档中具名 guard / action 的实现
func WithFuncRegistry(reg *process.FuncRegistry) ServerOption {
	return func(s *Server) {
		if reg != nil {
			s.funcs = reg
		}
	}
}

// WithCollector 使用已创建的指标收集器
func WithCollector(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.collector = c }
}

// NewServer 创建服务器，依赖在 Init 中建立
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		funcs:  process.NewFuncRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Runtime 返回运行时，Init 之前为 nil
func (s *Server) Runtime() *runtime.Runtime { return s.rt }

// Handler 返回带中间件链的 API 处理器，Init 之前为 nil
func (s *Server) Handler() http.Handler { return s.handler }

// =============================================================================
// 🚀 初始化
// =============================================================================

// Init 建立依赖、加载流程定义并组装 HTTP 处理器。ctx 结束时后台清理任务随之停止。
func (s *Server) Init(ctx context.Context) error {
	if s.collector == nil {
		s.collector = metrics.NewCollector("procflow", s.logger)
	}

	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger,
		telemetry.WithVersion(Version),
		telemetry.WithAttributes(
			telemetry.AttrJournalBackend.String(s.journalBackendLabel()),
			telemetry.AttrDefinitionsDir.String(s.cfg.Runtime.DefinitionsDir),
		),
	)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
	}
	s.telemetry = providers

	integrationOpts := integration.DefaultOptions()
	integrationOpts.DefaultRetryPolicy = s.cfg.Runtime.Retry.Policy()
	integrationOpts.DefaultCircuitBreaker = s.cfg.Runtime.CircuitBreaker.Breaker()
	integrationOpts.Metrics = s.collector

	s.rt = runtime.New(
		runtime.WithLogger(s.logger),
		runtime.WithMetrics(s.collector),
		runtime.WithMaxCascadeDepth(s.cfg.Runtime.MaxCascadeDepth),
		runtime.WithIntegrationOptions(integrationOpts),
	)
	s.health = handlers.NewHealthHandler(s.logger, handlers.WithRuntimeStats(s.rt))

	if err := s.initBackends(ctx); err != nil {
		return err
	}
	if err := s.initJournal(ctx); err != nil {
		return err
	}
	if err := s.loadDefinitions(); err != nil {
		return err
	}

	s.handler = s.buildHandler(ctx)
	s.httpManager = server.NewManager(s.handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	}
	return nil
}

// initBackends 只连接配置实际用到的后端
func (s *Server) initBackends(ctx context.Context) error {
	backend := journal.Backend(s.cfg.Journal.Backend)
	journalOn := s.cfg.Journal.Enabled

	if (journalOn && backend == journal.BackendRedis) || s.cfg.Webhook.DedupTTL > 0 {
		m, err := cache.NewManager(ctx, s.cfg.Redis, s.logger, cache.WithMetrics(s.collector))
		switch {
		case err == nil:
			s.cache = m
			check := handlers.NewDependencyCheck("redis", m.Ping)
			if !journalOn || backend != journal.BackendRedis {
				check = check.Optional()
			}
			s.health.RegisterCheck(check)
		case journalOn && backend == journal.BackendRedis:
			return fmt.Errorf("redis journal: %w", err)
		default:
			// 只有 webhook 去重依赖 Redis 时降级运行
			s.logger.Warn("redis unavailable, webhook dedup disabled", zap.Error(err))
		}
	}

	if journalOn && backend == journal.BackendSQL {
		db, err := database.Open(s.cfg.Database)
		if err != nil {
			return fmt.Errorf("sql journal: %w", err)
		}
		pool, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger,
			database.WithStatsRecorder(s.collector),
			database.WithName(s.cfg.Database.Name),
		)
		if err != nil {
			return fmt.Errorf("sql journal: %w", err)
		}
		s.pool = pool
		s.health.RegisterCheck(handlers.NewDependencyCheck("database", pool.Ping))
	}

	if journalOn && backend == journal.BackendMongo {
		timeout := s.cfg.Mongo.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		opts := options.Client().
			ApplyURI(s.cfg.Mongo.URI).
			SetConnectTimeout(timeout)
		if s.cfg.Mongo.TLSEnabled {
			opts.SetTLSConfig(tlsutil.DefaultTLSConfig())
		}
		client, err := mongo.Connect(opts)
		if err != nil {
			return fmt.Errorf("mongo journal: %w", err)
		}
		s.mongo = client

		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return fmt.Errorf("mongo journal: ping: %w", err)
		}
		s.health.RegisterCheck(handlers.NewDependencyCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))
		s.logger.Info("mongo connected", zap.String("database", s.cfg.Mongo.Database))
	}
	return nil
}

// journalBackendLabel 返回生效的日志后端，禁用时为 "disabled"
func (s *Server) journalBackendLabel() string {
	switch {
	case !s.cfg.Journal.Enabled:
		return "disabled"
	case s.cfg.Journal.Backend == "":
		return string(journal.BackendMemory)
	default:
		return s.cfg.Journal.Backend
	}
}

func (s *Server) initJournal(ctx context.Context) error {
	if !s.cfg.Journal.Enabled {
		s.logger.Info("event journal disabled")
		return nil
	}

	var clients journal.Clients
	if s.cache != nil {
		clients.Redis = s.cache.Client()
	}
	if s.pool != nil {
		clients.DB = s.pool.DB()
	}
	if s.mongo != nil {
		clients.Mongo = s.mongo.Database(s.cfg.Mongo.Database)
	}

	jcfg := s.cfg.Journal.Journal()
	store, err := journal.NewStore(jcfg, clients)
	if err != nil {
		return fmt.Errorf("create journal store: %w", err)
	}
	if ms, ok := store.(*journal.MongoStore); ok {
		if err := ms.EnsureIndexes(ctx); err != nil {
			s.logger.Warn("failed to ensure journal indexes", zap.Error(err))
		}
	}
	s.store = store

	backend := jcfg.Backend
	if backend == "" {
		backend = journal.BackendMemory
	}
	s.journal = journal.NewRecorder(store, s.logger,
		journal.WithAppendTimeout(jcfg.Timeout),
		journal.WithBufferSize(jcfg.BufferSize),
		journal.WithBackendLabel(backend),
		journal.WithMetrics(s.collector),
	)
	s.journal.Attach(s.rt.Bus())
	s.health.RegisterCheck(handlers.NewJournalCheck(backend, store, s.journal))

	s.logger.Info("event journal enabled", zap.String("backend", string(backend)))
	return nil
}

// =============================================================================
// 📄 流程定义
// =============================================================================

func (s *Server) loadDefinitions() error {
	dir := s.cfg.Runtime.DefinitionsDir
	if dir == "" {
		return nil
	}

	defs, err := process.LoadDir(dir, s.funcs)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := s.rt.RegisterProcess(def); err != nil {
			return fmt.Errorf("register process %q: %w", def.ID(), err)
		}
	}
	s.logger.Info("process definitions loaded", zap.String("dir", dir), zap.Int("count", len(defs)))

	if s.cfg.Runtime.WatchDefinitions {
		w, err := config.NewDirWatcher(dir, config.WithWatcherLogger(s.logger))
		if err != nil {
			return err
		}
		w.OnChange(s.onDefinitionFile)
		s.watcher = w
	}
	return nil
}

// onDefinitionFile 注册新增文件中的定义。已注册 ID 的修改与删除需要重启才生效。
func (s *Server) onDefinitionFile(evt config.FileEvent) {
	log := s.logger.With(zap.String("file", evt.Path), zap.String("op", evt.Op.String()))
	if evt.Op == config.FileOpRemove {
		log.Info("definition file removed, registered definition kept until restart")
		return
	}

	doc, err := process.LoadDocumentFile(evt.Path)
	if err != nil {
		log.Warn("failed to read definition file", zap.Error(err))
		return
	}
	def, err := doc.Build(s.funcs)
	if err != nil {
		log.Warn("invalid process definition", zap.Error(err))
		return
	}
	if _, exists := s.rt.ProcessDefinition(def.ID()); exists {
		log.Info("process already registered, restart to apply changes", zap.String("process_id", def.ID()))
		return
	}
	if err := s.rt.RegisterProcess(def); err != nil {
		log.Warn("failed to register process definition", zap.Error(err))
		return
	}
	log.Info("process definition registered", zap.String("process_id", def.ID()))
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) buildHandler(ctx context.Context) http.Handler {
	prefix := handlers.WebhookPattern(s.cfg.Webhook.PathPrefix)

	webhookOpts := []handlers.WebhookOption{handlers.WithMaxBodyBytes(s.cfg.Webhook.MaxBodyBytes)}
	if s.cache != nil && s.cfg.Webhook.DedupTTL > 0 {
		webhookOpts = append(webhookOpts, handlers.WithDeduper(s.cache, s.cfg.Webhook.DedupTTL))
	}

	mux := http.NewServeMux()
	handlers.Routes{
		Health:        s.health,
		Process:       handlers.NewProcessHandler(s.rt, s.funcs, s.logger),
		Events:        handlers.NewEventHandler(s.rt, s.store, s.logger),
		Tasks:         handlers.NewTaskHandler(s.rt, s.logger),
		Services:      handlers.NewServiceHandler(s.rt, s.logger),
		Webhooks:      handlers.NewWebhookHandler(s.rt.Integration(), prefix, s.logger, webhookOpts...),
		WebhookPrefix: prefix,
		Version:       Version,
		BuildTime:     BuildTime,
		GitCommit:     GitCommit,
	}.Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(prefix),
		MetricsMiddleware(s.collector, prefix),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, handlers.PublicPaths, []string{prefix}, s.logger),
	)
}

// =============================================================================
// ▶️ 运行与关闭
// =============================================================================

// Run 并发运行 API、Metrics 服务与定义目录监听，ctx 结束或任一服务失败时返回
func (s *Server) Run(ctx context.Context) error {
	if s.httpManager == nil {
		return errors.New("server is not initialized")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	if s.watcher != nil {
		g.Go(func() error {
			if err := s.watcher.Start(gctx); err != nil {
				return fmt.Errorf("definitions watcher: %w", err)
			}
			<-gctx.Done()
			s.watcher.Stop()
			return nil
		})
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("watch_definitions", s.watcher != nil),
	)
	return g.Wait()
}

// Close 释放外部依赖，可重复调用
func (s *Server) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}
	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			s.logger.Error("journal drain error", zap.Error(err))
		}
		s.journal = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("journal store close error", zap.Error(err))
		}
		s.store = nil
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
		s.pool = nil
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
		s.cache = nil
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", zap.Error(err))
		}
		s.mongo = nil
	}
	s.logger.Info("Graceful shutdown completed")
}
