package app

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/lessonforge/api/api"
	"github.com/lessonforge/api/config"
	"github.com/lessonforge/api/database"
	"github.com/lessonforge/api/router"
	"github.com/lessonforge/api/services"
	"github.com/lessonforge/api/services/cron"
	"github.com/lessonforge/api/services/storage"
	"github.com/lessonforge/api/utils/cache"
)

// SetupAndRunServer boots the whole pipeline: env, database, cache,
// object storage, cron jobs, routes.
func SetupAndRunServer() error {
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		return err
	}

	// Redis is optional: without it the answer hot-cache and embedding
	// memo are skipped and everything goes to the database.
	var redisCache *cache.RedisCache
	if getEnv.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(getEnv.REDIS_URL)
		if err != nil {
			log.Printf("Warning: Redis unavailable, running without hot cache: %v", err)
			redisCache = nil
		}
	}

	// Object storage is optional: without it source documents are not
	// retained after generation.
	var spaces *storage.SpacesClient
	if getEnv.SPACES_ACCESS_KEY != "" && getEnv.SPACES_BUCKET != "" {
		spaces, err = storage.NewSpacesClient(storage.SpacesConfig{
			AccessKey: getEnv.SPACES_ACCESS_KEY,
			SecretKey: getEnv.SPACES_SECRET_KEY,
			Bucket:    getEnv.SPACES_BUCKET,
			Region:    getEnv.SPACES_REGION,
			Endpoint:  getEnv.SPACES_ENDPOINT,
		})
		if err != nil {
			log.Printf("Warning: object storage unavailable, sources will not be retained: %v", err)
			spaces = nil
		}
	}

	var cronManager *cron.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		budget := services.NewBudgetGuard(store.DB(), getEnv.DAILY_TOKEN_LIMIT)
		cronManager = cron.NewCronManager(store.DB(), budget, spaces)
		if err := cronManager.Start(); err != nil {
			log.Printf("Warning: failed to start cron jobs: %v", err)
		}
	}

	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}()

	server := api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	app.Use(logger.New())
	app.Use(recover.New())

	router.SetupRoutes(app, router.Dependencies{
		Store:  store,
		Config: getEnv,
		Redis:  redisCache,
		Spaces: spaces,
	})

	return server.Run()
}
