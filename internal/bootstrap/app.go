package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"contract-backend/internal/documents"
	"contract-backend/internal/isolate"
	"contract-backend/internal/llm"
	openai "contract-backend/internal/llm/openai"
	"contract-backend/internal/parsers"
	"contract-backend/internal/progress"
	"contract-backend/internal/queue"
	"contract-backend/internal/runs"
	"contract-backend/internal/services/health"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/server"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/storage/db"
	"contract-backend/internal/shared/storage/object"
	localstore "contract-backend/internal/shared/storage/object/local"
	s3store "contract-backend/internal/shared/storage/object/s3"
	"contract-backend/internal/usage"
	"contract-backend/internal/workflow"
)

// RunProcessor drives one claimed run to a terminal state. Tests override it
// to observe worker dispatch without the real pipeline.
type RunProcessor interface {
	ProcessRun(ctx context.Context, runID string) error
}

// App holds shared dependencies for the API and worker processes.
type App struct {
	Config config.Config
	Router *gin.Engine

	DB    *sql.DB
	Redis *redis.Client
	Store object.ObjectStore
	Queue queue.Client

	DocumentsRepo documents.DocumentsRepo
	RunsRepo      runs.Repo

	Bus       progress.Bus
	Bindings  progress.BindingStore
	Publisher *progress.Publisher

	DocumentsService *documents.Service
	UsageService     *usage.Service
	RunsService      *runs.Service

	Orchestrator *workflow.Orchestrator
	RunProcessor RunProcessor

	DocumentsHandler *documents.Handler
	RunsHandler      *runs.Handler
	UsageHandler     *usage.Handler
	ProgressHandler  *progress.Handler
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	redisClient := buildRedis(cfg)

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Redis:  redisClient,
		Store:  store,
	}

	buildProgress(app)
	buildRepos(app)
	buildServices(app)

	if err := buildQueue(ctx, app); err != nil {
		return nil, err
	}
	app.RunsService.Queue = app.Queue

	app.Router = server.NewRouter(server.RouterDeps{
		Config:   cfg,
		Verify:   tokenVerifierFromEnv(),
		Health:   health.NewService(),
		Docs:     app.DocumentsHandler,
		Runs:     app.RunsHandler,
		Usage:    app.UsageHandler,
		Progress: app.ProgressHandler,
	})
	return app, nil
}

// ProcessRun dispatches to the configured processor, defaulting to the
// orchestrator.
func (a *App) ProcessRun(ctx context.Context, runID string) error {
	if a.RunProcessor != nil {
		return a.RunProcessor.ProcessRun(ctx, runID)
	}
	if a.Orchestrator == nil {
		return errors.New("run processor not configured")
	}
	return a.Orchestrator.ProcessRun(ctx, runID)
}

// Close releases pooled backends held by the app.
func (a *App) Close() error {
	var firstErr error
	if a.Orchestrator != nil && a.Orchestrator.Isolator != nil {
		if err := a.Orchestrator.Isolator.Close(); err != nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, "")
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildRedis(cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
}

func buildProgress(app *App) {
	if app.Redis != nil {
		app.Bus = progress.NewRedisBus(app.Redis)
		app.Bindings = progress.NewRedisBindingStore(app.Redis)
	} else {
		app.Bus = progress.NewMemoryBus()
		app.Bindings = progress.NewMemoryBindingStore()
	}
	app.Publisher = &progress.Publisher{Bus: app.Bus, Bindings: app.Bindings}
}

func buildRepos(app *App) {
	if app.DB != nil {
		app.DocumentsRepo = &documents.PGRepo{DB: app.DB}
		app.RunsRepo = &runs.PGRepo{DB: app.DB}
	} else {
		app.DocumentsRepo = documents.NewMemoryRepo()
		app.RunsRepo = runs.NewMemoryRepo()
	}
}

func buildServices(app *App) {
	cfg := app.Config

	if app.DB != nil {
		app.UsageService = usage.NewPostgresService(usage.NewPGStore(app.DB), 0)
	} else {
		app.UsageService = usage.NewService(0)
	}

	app.DocumentsService = &documents.Service{Store: app.Store, Repo: app.DocumentsRepo}

	app.RunsService = &runs.Service{
		Repo:            app.RunsRepo,
		Docs:            app.DocumentsRepo,
		Store:           app.Store,
		Usage:           app.UsageService,
		Publisher:       app.Publisher,
		PipelineVersion: cfg.PipelineVersion,
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		MaxResumes:      cfg.MaxResumes,
	}

	app.Orchestrator = &workflow.Orchestrator{
		Isolator:    isolate.NewRunner(resourcesFactory(app)),
		LLM:         buildLLM(cfg),
		Parsers:     parsers.NewSelector(),
		StepTimeout: cfg.StepTimeout,
	}

	app.DocumentsHandler = documents.NewHandler(app.DocumentsService)
	app.RunsHandler = runs.NewHandler(app.RunsService)
	app.UsageHandler = usage.NewHandler(app.UsageService)
	app.ProgressHandler = &progress.Handler{
		Resolver: &progress.Resolver{Runs: app.RunsService, Bindings: app.Bindings},
		Bus:      app.Bus,
	}
}

// resourcesFactory builds the per-binding dependency set for pipeline
// executions. With external backends configured each binding opens its own
// pools; memory-backed setups share the app's repositories so the inline
// worker observes the API's writes.
func resourcesFactory(app *App) isolate.Factory[*workflow.Resources] {
	cfg := app.Config
	return func(ctx context.Context) (*workflow.Resources, error) {
		if app.DB == nil {
			return &workflow.Resources{
				Runs:      app.RunsRepo,
				Docs:      app.DocumentsRepo,
				Store:     app.Store,
				Publisher: app.Publisher,
			}, nil
		}

		sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultWorkerOptions()))
		if err != nil {
			return nil, fmt.Errorf("bind worker db: %w", err)
		}
		res := &workflow.Resources{
			Runs:  &runs.PGRepo{DB: sqlDB},
			Docs:  &documents.PGRepo{DB: sqlDB},
			Store: app.Store,
			DB:    sqlDB,
		}
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			res.Redis = client
			res.Publisher = &progress.Publisher{
				Bus:      progress.NewRedisBus(client),
				Bindings: progress.NewRedisBindingStore(client),
			}
		} else {
			res.Publisher = app.Publisher
		}
		return res, nil
	}
}

func buildLLM(cfg config.Config) llm.Client {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		log.Printf("bootstrap: OPENAI_API_KEY empty; using placeholder LLM client")
		return llm.PlaceholderClient{}
	}
	client, err := openai.NewClient(apiKey, cfg.LLMModel)
	if err != nil {
		log.Printf("bootstrap: openai client init failed; using placeholder: %v", err)
		return llm.PlaceholderClient{}
	}
	return client
}

func buildQueue(ctx context.Context, app *App) error {
	if strings.TrimSpace(app.Config.QueueURL) != "" {
		client, err := queue.NewSQSClient(ctx)
		if err != nil {
			return err
		}
		app.Queue = client
		return nil
	}
	// No broker configured: process runs on this process's orchestrator.
	app.Queue = &queue.LocalClient{
		Handle: func(ctx context.Context, msg queue.Message) error {
			return app.ProcessRun(ctx, msg.RunID)
		},
	}
	return nil
}

// tokenVerifierFromEnv resolves bearer tokens against API_TOKENS, a
// comma-separated list of token=ownerId pairs. Token issuance lives outside
// this service.
func tokenVerifierFromEnv() middleware.TokenVerifier {
	raw := strings.TrimSpace(os.Getenv("API_TOKENS"))
	if raw == "" {
		return nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, owner, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = owner
	}
	return func(token string) (string, error) {
		owner, ok := tokens[token]
		if !ok {
			return "", errors.New("unknown token")
		}
		return owner, nil
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
