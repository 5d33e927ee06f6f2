package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/handler"
	"github.com/makeasinger/studio/internal/logging"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
	ws "github.com/makeasinger/studio/internal/websocket"
	"github.com/makeasinger/studio/internal/worker"
	"github.com/makeasinger/studio/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("development", "info")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.Server.Env, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	records, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open record store")
	}
	defer records.Close()

	media, err := mediastore.NewStore(cfg.Media.Root, cfg.Media.DownloadTimeout, logging.WithComponent(logger, "mediastore"))
	if err != nil {
		logger.Fatal().Err(err).Str("root", cfg.Media.Root).Msg("failed to prepare media directory")
	}

	validate := validator.New()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	sunoClient := client.NewSunoClient(&cfg.Suno, logging.WithComponent(logger, "suno"))
	if !sunoClient.IsConfigured() {
		logger.Warn().Msg("provider API key not configured, submissions will fail")
	}

	// R2 is optional; without it uploads are unavailable and media is not mirrored
	var r2Client *client.R2Client
	var mirror client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Warn().Err(err).Msg("R2 client not initialized")
		} else {
			mirror = r2Client
		}
	} else {
		logger.Info().Msg("R2 storage not configured")
	}

	// Zitadel JWKS is optional; the legacy secret still works without it
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			verifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)

	// Services
	vocab := service.NewStatusVocabulary(cfg.Suno.ExtraSuccessStatuses, cfg.Suno.ExtraFailureStatuses)
	results := service.NewResultRecorder(records, asynqClient, hub, cfg.Media.RemoteURLTTL, logging.WithComponent(logger, "results"))
	reconciler := service.NewReconciler(records, sunoClient, vocab, results, asynqClient, cfg.Poll.MaxAttempts, logging.WithComponent(logger, "reconciler"))
	submission := service.NewSubmissionService(records, sunoClient, cfg.Callback, cfg.Suno.Model, hub, logging.WithComponent(logger, "submission"))
	materializer := service.NewMaterializer(records, media, mirror, sunoClient.Credential(), hub, logging.WithComponent(logger, "materializer"))
	artifacts := service.NewArtifactService(records, materializer, logging.WithComponent(logger, "artifacts"))
	delivery := service.NewDeliveryService(records, media, logger)
	callbacks := service.NewCallbackService(asynqClient, logging.WithComponent(logger, "callbacks"))
	uploadService := service.NewUploadService(mirror)

	// Handlers
	handlerLogger := logging.WithComponent(logger, "http")
	generateHandler := handler.NewGenerateHandler(submission, reconciler, validate, handlerLogger)
	jobsHandler := handler.NewJobsHandler(artifacts, submission, reconciler, validate, handlerLogger)
	callbackHandler := handler.NewCallbackHandler(callbacks)
	mediaHandler := handler.NewMediaHandler(delivery, handlerLogger)
	uploadHandler := handler.NewUploadHandler(uploadService, handlerLogger)
	eventsHandler := handler.NewEventsHandler(artifacts, hub, handlerLogger)
	authHandler := handler.NewAuthHandler(authenticator)
	healthHandler := handler.NewHealthHandler(redisClient, records, handler.Integrations{
		Suno: sunoClient.IsConfigured(),
		R2:   mirror != nil,
		Auth: authenticator.Configured(),
	})

	var requireAuth, optionalAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: ForwardAuth already verified the token
		logger.Info().Msg("gateway mode enabled, using header-based auth")
		requireAuth = middleware.GatewayAuthMiddleware()
		optionalAuth = middleware.OptionalGatewayAuth()
	} else {
		authMiddleware := middleware.NewAuthMiddleware(authenticator)
		requireAuth = authMiddleware.Authenticate()
		optionalAuth = authMiddleware.OptionalAuth()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, logging.WithComponent(logger, "ratelimit"))

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(handlerLogger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,Range",
		ExposeHeaders: "Content-Range,Content-Length,Accept-Ranges",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", healthHandler.Check)

	// ForwardAuth verification endpoint, called by the gateway
	app.Get("/auth/verify", authHandler.Verify)

	// Provider callbacks and media are public; media decides per file
	app.Post("/callback", callbackHandler.Receive)
	app.Post("/callback/:source", callbackHandler.Receive)
	app.Get("/media", optionalAuth, mediaHandler.Serve)

	api := app.Group("/api", requireAuth)

	generate := api.Group("/generate")
	generate.Get("/status/:taskId", rateLimiter.PollLimit(cfg.RateLimit.PollPerMin), generateHandler.Status)
	generate.Post("/:kind", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generateHandler.Submit)

	jobs := api.Group("/jobs")
	jobs.Get("/", jobsHandler.List)
	jobs.Get("/:taskId", jobsHandler.Get)
	jobs.Post("/:taskId/cover", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), jobsHandler.RequestCover)
	jobs.Get("/:taskId/cover/status", rateLimiter.PollLimit(cfg.RateLimit.PollPerMin), jobsHandler.CoverStatus)

	artifactRoutes := api.Group("/artifacts")
	artifactRoutes.Delete("/:id", jobsHandler.DeleteArtifact)
	artifactRoutes.Post("/:id/share", jobsHandler.Share)
	artifactRoutes.Post("/:id/video", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), jobsHandler.RequestVideo)
	artifactRoutes.Get("/:id/video/status", rateLimiter.PollLimit(cfg.RateLimit.PollPerMin), jobsHandler.VideoStatus)

	upload := api.Group("/upload", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour))
	upload.Post("/audio", uploadHandler.Audio)

	// Browsers cannot set headers on a websocket handshake, so the token may
	// arrive as ?token=
	app.Get("/ws/jobs/:taskId", optionalAuth, eventsHandler.Guard, eventsHandler.Stream())

	workers := startWorkerServer(cfg, redisOpt, records, sunoClient, results, asynqClient, hub, materializer, logger)

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().Str("addr", addr).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	workers.Shutdown()
}

// openStore picks Postgres when a database URL is configured and process
// memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn().Msg("DATABASE_URL not set, records are kept in memory")
		return store.NewMemoryStore(), nil
	}
	// NewPostgresStore applies the schema before returning.
	pg, err := store.NewPostgresStore(ctx, cfg.Database, logging.WithComponent(logger, "postgres"))
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func startWorkerServer(
	cfg *config.Config,
	redisOpt asynq.RedisClientOpt,
	records store.Store,
	provider client.MusicProvider,
	results *service.ResultRecorder,
	queue service.TaskEnqueuer,
	hub *ws.Hub,
	materializer *service.Materializer,
	logger zerolog.Logger,
) *asynq.Server {
	workerLogger := logging.WithComponent(logger, "worker")
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			service.QueueCallbacks: 6,
			service.QueueMedia:     4,
		},
		Logger:   logging.NewAsynqLogger(workerLogger),
		LogLevel: logging.AsynqLevel(cfg.Server.LogLevel),
	})

	callbackWorker := worker.NewCallbackWorker(records, provider, results, queue, hub, workerLogger)
	mediaWorker := worker.NewMediaWorker(materializer, workerLogger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeCallback, callbackWorker.ProcessTask)
	mediaWorker.Register(mux)

	if err := srv.Start(mux); err != nil {
		logger.Error().Err(err).Msg("asynq worker error")
	}
	return srv
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
