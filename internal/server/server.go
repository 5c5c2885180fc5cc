package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mohammad-safakhou/fitplan/config"
	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/rag"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/store"
	"github.com/mohammad-safakhou/fitplan/internal/websearch"
)

// Deps are the shared dependencies of every handler.
type Deps struct {
	Config     *config.Config
	Logger     log.FieldLogger
	Store      *store.Store
	Orch       *core.Orchestrator
	Motivation *core.MotivationAgent
	Classifier *core.BodyClassifier
	RAG        *rag.Manager
	Web        websearch.Searcher
	Cache      MotivationCache
	Metrics    *runtime.Metrics
	Gatherer   prometheus.Gatherer
	Secret     []byte
	// OpenAIConfigured is false when the server runs without a completion key.
	OpenAIConfigured bool
}

// NewRouter wires every route onto a new echo instance.
func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	httpLogger := runtime.Component(d.Logger, "http")
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.WithFields(log.Fields{
			"status": code,
			"method": req.Method,
			"path":   req.URL.Path,
			"ip":     c.RealIP(),
		}).WithError(err).Warn("request failed")
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	origins := []string{"*"}
	if d.Config != nil && len(d.Config.General.CORSOrigins) > 0 {
		origins = d.Config.General.CORSOrigins
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	agentsCfg := config.AgentsConfig{}.Normalize()
	if d.Config != nil {
		agentsCfg = d.Config.Agents.Normalize()
	}
	authMW := runtime.EchoAuthMiddleware(d.Secret)

	api := e.Group("/api")
	auth := &AuthHandler{Store: d.Store, Secret: d.Secret, Secure: d.Config != nil && isProd(d.Config.General.Env)}
	auth.Register(api.Group("/auth"))

	agents := &AgentsHandler{
		Orch:              d.Orch,
		Motivation:        d.Motivation,
		Cache:             d.Cache,
		Metrics:           d.Metrics,
		Logger:            runtime.Component(d.Logger, "agents"),
		DefaultIterations: agentsCfg.DefaultMaxIterations,
		Heartbeat:         time.Duration(agentsCfg.StreamHeartbeatSeconds) * time.Second,
		OpenAIConfigured:  d.OpenAIConfigured,
	}
	agents.Register(api.Group("/agents"))

	classify := &ClassifyHandler{Classifier: d.Classifier, Orch: d.Orch, Store: d.Store, Logger: runtime.Component(d.Logger, "classify")}
	classify.Register(api.Group("/classify", authMW, requireUser))

	users := &UsersHandler{Store: d.Store}
	users.Register(api.Group("/users", authMW, requireUser))

	if d.RAG != nil {
		rh := &RAGHandler{RAG: d.RAG, Web: d.Web, TopK: agentsCfg.RetrievalTopK}
		rh.Register(api.Group("/rag", authMW))
	}

	admin := &AdminHandler{Store: d.Store, Secret: d.Secret}
	admin.Register(api.Group("/admin"))

	api.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"user_id": userID(c), "email": c.Get("email")})
	}, authMW)
	return e
}

func isProd(env string) bool {
	env = strings.ToLower(env)
	return env == "prod" || env == "production"
}

// Run builds every dependency from cfg and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := runtime.NewMetrics(reg)
	if err != nil {
		return err
	}

	var llm core.LLMProvider
	openAIConfigured := true
	provider, err := core.NewOpenAIProvider(cfg.Providers.OpenAI)
	if err != nil {
		logger.WithError(err).Warn("completion service unavailable")
		openAIConfigured = false
		llm = missingProvider{err: err}
	} else {
		llm = provider
	}

	mgr, err := rag.OpenManager(cfg.RAG, logger)
	if err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	defer mgr.Close()

	var web websearch.Searcher
	if s, err := websearch.New(cfg.WebSearch); err != nil {
		logger.WithError(err).Warn("web search fallback disabled")
	} else {
		web = s
	}

	var rdb *redis.Client
	var cache MotivationCache
	if cfg.Databases.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Databases.Redis.Addr(),
			Password:    cfg.Databases.Redis.Pass,
			DB:          cfg.Databases.Redis.DB,
			DialTimeout: cfg.Databases.Redis.Timeout,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Databases.Redis.Addr(), err)
		}
		cache = RedisCache{Rdb: rdb}
	}

	orch, err := NewOrchestrator(cfg.Agents, llm, mgr, web, logger, metrics)
	if err != nil {
		return err
	}

	e := NewRouter(Deps{
		Config:           cfg,
		Logger:           logger,
		Store:            st,
		Orch:             orch,
		Motivation:       core.NewMotivationAgent(llm, cfg.Agents.MotivationTemperature),
		Classifier:       core.NewBodyClassifier(llm),
		RAG:              mgr,
		Web:              web,
		Cache:            cache,
		Metrics:          metrics,
		Gatherer:         reg,
		Secret:           secret,
		OpenAIConfigured: openAIConfigured,
	})

	if spec := strings.TrimSpace(cfg.RAG.ReindexCron); spec != "" {
		sched, err := NewScheduler(spec, mgr, rdb, logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.General.Listen).Info("listening")
		errCh <- e.Start(cfg.General.Listen)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

// NewOrchestrator builds the diet and exercise phases: each retrieves from
// its corpus and falls back to a domain web search when one is configured.
func NewOrchestrator(cfg config.AgentsConfig, llm core.LLMProvider, mgr *rag.Manager, web websearch.Searcher, logger log.FieldLogger, metrics *runtime.Metrics) (*core.Orchestrator, error) {
	cfg = cfg.Normalize()
	build := func(agent core.Agent, corpus, prefix string) (core.Phase, error) {
		c, err := mgr.Corpus(corpus)
		if err != nil {
			return core.Phase{}, err
		}
		p := core.Phase{Agent: agent, Retriever: c}
		if web != nil {
			p.Fallback = websearch.Domain{Searcher: web, Prefix: prefix}
		}
		return p, nil
	}
	diet, err := build(core.DietAgent{}, rag.Diet, websearch.DietPrefix)
	if err != nil {
		return nil, err
	}
	exercise, err := build(core.ExerciseAgent{}, rag.Exercise, websearch.ExercisePrefix)
	if err != nil {
		return nil, err
	}
	opts := core.Options{
		TopK:              cfg.RetrievalTopK,
		GenerationTimeout: cfg.GenerationTimeout,
		RetryBackoff:      250 * time.Millisecond,
		MaxIterationsCap:  cfg.MaxIterationsCap,
	}
	return core.NewOrchestrator(llm, opts, logger, metrics, diet, exercise), nil
}

// missingProvider stands in for the completion service when no key is set,
// so every generation fails with the configuration error.
type missingProvider struct{ err error }

func (m missingProvider) Generate(context.Context, core.CompletionRequest) (string, error) {
	return "", m.err
}

func (m missingProvider) GenerateVision(context.Context, core.CompletionRequest) (string, error) {
	return "", m.err
}
