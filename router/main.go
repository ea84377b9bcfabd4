package router

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lessonforge/api/config"
	"github.com/lessonforge/api/database"
	"github.com/lessonforge/api/handlers"
	lesson_handlers "github.com/lessonforge/api/handlers/lesson"
	qa_handlers "github.com/lessonforge/api/handlers/qa"
	"github.com/lessonforge/api/services"
	"github.com/lessonforge/api/services/inference"
	"github.com/lessonforge/api/services/storage"
	"github.com/lessonforge/api/utils/auth"
	"github.com/lessonforge/api/utils/cache"
	"github.com/lessonforge/api/utils/middleware"
)

// Dependencies bundles the shared infrastructure the routes are built on.
type Dependencies struct {
	Store  *database.GORMStore
	Config *config.EnvConfig
	Redis  *cache.RedisCache
	Spaces *storage.SpacesClient
}

// SetupRoutes wires services and handlers onto the fiber app.
func SetupRoutes(app *fiber.App, deps Dependencies) {
	cfg := deps.Config
	db := deps.Store.DB()

	if cfg.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := cfg.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "lessonforge-auth"
	}
	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: cfg.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})
	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	completer := inference.NewClient(inference.Config{
		APIKey:  cfg.INFERENCE_API_KEY,
		BaseURL: cfg.INFERENCE_BASE_URL,
		Model:   cfg.INFERENCE_MODEL,
	})
	embedder := inference.NewEmbeddingClient(inference.Config{
		APIKey:  cfg.INFERENCE_API_KEY,
		BaseURL: cfg.INFERENCE_BASE_URL,
		Model:   cfg.EMBEDDING_MODEL,
	})

	budget := services.NewBudgetGuard(db, cfg.DAILY_TOKEN_LIMIT)
	versions := services.NewVersionStore(db)
	lessonService := services.NewLessonService(db, completer, versions, budget)
	canonicalizer := services.NewCanonicalizer(db, embedder, deps.Redis, cfg.SIMILARITY_THRESHOLD)
	qaService := services.NewQAService(db, lessonService, versions, canonicalizer, budget, deps.Redis)

	healthHandler := handlers.NewHealthHandler(deps.Store)
	lessonHandler := lesson_handlers.NewLessonHandler(db, lessonService, versions, canonicalizer, deps.Spaces)
	qaHandler := qa_handlers.NewQAHandler(db, qaService)

	app.Get("/ping", healthHandler.Ping)
	app.Get("/ready", healthHandler.Ready)

	v1 := app.Group("/api/v1")

	lessons := v1.Group("/lessons", authMiddleware.Required())

	// Generation and version management (teacher only)
	lessons.Post("/generate", authMiddleware.RequireTeacher(), lessonHandler.GenerateLesson)
	lessons.Post("/:id/versions", authMiddleware.RequireTeacher(), lessonHandler.CreateImprovedVersion)
	lessons.Post("/:id/versions/:number/rollback", authMiddleware.RequireTeacher(), lessonHandler.RollbackVersion)

	// Reading lessons and versions
	lessons.Get("/:id", lessonHandler.GetLesson)
	lessons.Get("/:id/versions", lessonHandler.ListVersions)
	lessons.Get("/:id/versions/:number", lessonHandler.GetVersion)

	// Question answering
	lessons.Get("/:id/questions/top", lessonHandler.TopQuestions)
	lessons.Post("/:id/questions", qaHandler.Ask)
	lessons.Get("/:id/history", qaHandler.GetHistory)
	lessons.Delete("/:id/history", qaHandler.ClearHistory)
}
