package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/config"
	"github.com/ehr/simchat/internal/domain/assignment"
	"github.com/ehr/simchat/internal/domain/chat"
	"github.com/ehr/simchat/internal/platform/auth"
	"github.com/ehr/simchat/internal/platform/db"
	"github.com/ehr/simchat/internal/platform/generation"
	"github.com/ehr/simchat/internal/platform/metrics"
	"github.com/ehr/simchat/internal/platform/middleware"
	"github.com/ehr/simchat/internal/platform/notification"
	"github.com/ehr/simchat/internal/platform/webhook"
	"github.com/ehr/simchat/internal/platform/websocket"
)

// generator is what the generation service provides to the engine.
type generator interface {
	chat.ConversationOpener
	chat.ResponseGenerator
	assignment.FeedbackGenerator
}

// app holds the wired components of one server process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	echo     *echo.Echo
	pool     *pgxpool.Pool
	pgStore  *chat.PGStore
	store    chat.MessageStore
	repo     assignment.Repository
	registry *chat.Registry
	service  *assignment.Service
	poller   *assignment.Poller
	hub      *websocket.Hub
	notifier *notification.Manager
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	clk := clockwork.NewRealClock()

	var deliveries notification.DeliveryLog
	switch cfg.MessageStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		a.pool = pool
		a.pgStore = chat.NewPGStore(pool, logger)
		a.store = a.pgStore
		a.repo = assignment.NewRepo(pool)
		deliveries = notification.NewPGLog(pool)
	case config.StoreMemory:
		a.store = chat.NewMemoryStore(clk)
		a.repo = assignment.NewMemoryRepo(clk.Now)
		deliveries = notification.NewMemoryLog()
	default:
		return nil, fmt.Errorf("unknown message store %q", cfg.MessageStore)
	}

	var gen generator = generation.NewOffline()
	if cfg.GenerationURL != "" {
		client, err := generation.NewClient(cfg.GenerationURL, cfg.GenerationAPIKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		gen = client
	} else {
		logger.Warn().Msg("GENERATION_URL not set, using canned provider replies")
	}

	var sender notification.Sender = notification.NewLogSender(logger)
	if cfg.NotifyWebhookURL != "" {
		hook, err := webhook.NewSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, webhook.WithEndpointID("activation"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("notification webhook: %w", err)
		}
		sender = notification.NewWebhookSender(hook)
	}
	a.notifier = notification.NewManager(sender, notification.NewTemplateEngine(), deliveries, logger)

	a.hub = websocket.NewHub(logger)
	publisher := chat.NewPublisher(a.hub, logger)

	a.registry = chat.NewRegistry(a.store, gen, gen, clk, chat.SessionConfig{
		Reconciler: chat.ReconcilerConfig{
			DelayMin: cfg.DeliveryDelayMin,
			DelayMax: cfg.DeliveryDelayMax,
		},
		SettleDelay: cfg.BootstrapSettleDelay,
	}, publisher.Listener(), logger)

	a.service = assignment.NewService(a.repo, a.store, gen, clk, logger)

	a.poller = assignment.NewPoller(a.repo, a.service, assignment.NewActivationNotifier(a.notifier), clk, logger)
	a.poller.Interval = cfg.PollInterval
	a.poller.Grace = cfg.AutoCompleteGrace
	a.poller.Lookback = cfg.ActivationLookback
	a.poller.BatchSize = cfg.PollBatchSize
	if cfg.PollRequiresSession {
		a.poller.Gate = a.registry.HasOpenSessions
	}

	a.hub.Authorize = a.canWatch
	a.hub.OnTopicEmpty = func(topic string) {
		if id, ok := chat.ParseTopic(topic); ok && a.registry.Close(id) {
			logger.Debug().Str("assignment_id", id.String()).Msg("last viewer left, session closed")
		}
	}

	a.echo = a.routes()
	return a, nil
}

// canWatch reports whether the caller may receive pushes for a topic.
func (a *app) canWatch(ctx context.Context, topic string) bool {
	id, ok := chat.ParseTopic(topic)
	if !ok {
		return false
	}
	asg, err := a.service.Get(ctx, id)
	if err != nil {
		return false
	}
	return auth.CanActFor(ctx, asg.StudentID.String())
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	switch a.cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware()
	case "standalone":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   a.cfg.AuthIssuer,
			Audience: a.cfg.AuthAudience,
			JWKSURL:  a.cfg.AuthJWKSURL,
		})
	}
}

func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, "/health", "/metrics"))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Dev-User", "X-Dev-Roles"},
	}))

	authMW := a.authMiddleware()

	apiV1 := e.Group("/api/v1", middleware.BodyLimit("64K"), authMW)

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	rateLimitCfg.KeyFunc = func(c echo.Context) string {
		if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
			return "user:" + uid
		}
		return ""
	}

	assignmentHandler := assignment.NewHandler(a.service, a.registry, a.poller)
	chatHandler := chat.NewHandler(a.registry, a.store)

	assignmentGroup := apiV1.Group("/assignments/:id", middleware.RateLimit(rateLimitCfg), assignmentHandler.RequireAccess)
	admin := apiV1.Group("/admin")

	assignmentHandler.RegisterRoutes(assignmentGroup, admin)
	chatHandler.RegisterRoutes(assignmentGroup, assignmentHandler.RequireOpen)
	notification.NewHandler(a.notifier).RegisterRoutes(admin, auth.RequireRole(auth.RoleAdmin, auth.RoleInstructor))

	// Push channel
	wsHandler := websocket.NewWebSocketHandler(a.hub, a.cfg.CORSOrigins)
	wsHandler.RegisterRoutes(e.Group(""), authMW)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": a.registry.Len(),
			"clients":  a.hub.ClientCount(),
		})
	})
	var pinger db.Pinger
	var stats func() *db.PoolStats
	if a.pool != nil {
		pinger = a.pool
		stats = func() *db.PoolStats { return db.GetPoolStats(a.pool) }
	}
	e.GET("/health/db", db.HealthHandler(pinger, stats))
	e.GET("/metrics", metrics.Handler())

	return e
}

// seedDemo creates an assignment that is open now so the memory store has something
// to open.
func (a *app) seedDemo(ctx context.Context) error {
	if a.cfg.MessageStore != config.StoreMemory {
		return fmt.Errorf("--seed-demo requires MESSAGE_STORE=%s", config.StoreMemory)
	}
	now := time.Now().UTC()
	due := now.Add(24 * time.Hour)
	asg := &assignment.Assignment{
		StudentID:     uuid.New(),
		RoomID:        uuid.New(),
		EffectiveDate: &now,
		DueDate:       &due,
	}
	if err := a.repo.Create(ctx, asg); err != nil {
		return err
	}
	a.logger.Info().
		Str("assignment_id", asg.ID.String()).
		Str("student_id", asg.StudentID.String()).
		Msg("demo assignment created; send X-Dev-User with the student id to act as the student")
	return nil
}

// Close releases sessions, waits for feedback jobs and closes the database.
func (a *app) Close() {
	if a.registry != nil {
		a.registry.CloseAll()
	}
	if a.service != nil {
		a.service.Wait()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
