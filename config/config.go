package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadENV loads the environment variables from .env unless GO_ENV points at a
// deployed environment that injects them directly.
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnvConfig struct {
	GO_ENV       string
	PORT         int
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	// JWT Configuration (tokens are issued by the external auth service; we
	// only verify them)
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// Inference / embedding provider (OpenAI-compatible endpoint)
	INFERENCE_API_KEY  string
	INFERENCE_BASE_URL string
	INFERENCE_MODEL    string
	EMBEDDING_MODEL    string
	// Pipeline tuning
	SIMILARITY_THRESHOLD float64
	DAILY_TOKEN_LIMIT    int64
	// Object storage for uploaded source documents (S3-compatible)
	SPACES_ACCESS_KEY string
	SPACES_SECRET_KEY string
	SPACES_BUCKET     string
	SPACES_REGION     string
	SPACES_ENDPOINT   string
}

func Get() (*EnvConfig, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	threshold, err := strconv.ParseFloat(os.Getenv("SIMILARITY_THRESHOLD"), 64)
	if err != nil || threshold <= 0 || threshold > 1 {
		// High-precision default to avoid false merges of distinct questions
		threshold = 0.90
	}

	tokenLimit, err := strconv.ParseInt(os.Getenv("DAILY_TOKEN_LIMIT"), 10, 64)
	if err != nil || tokenLimit <= 0 {
		tokenLimit = 100000
	}

	cfg := &EnvConfig{
		GO_ENV:       os.Getenv("GO_ENV"),
		PORT:         port,
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL: os.Getenv("REDIS_URL"),
		// Inference
		INFERENCE_API_KEY:  os.Getenv("INFERENCE_API_KEY"),
		INFERENCE_BASE_URL: os.Getenv("INFERENCE_BASE_URL"),
		INFERENCE_MODEL:    os.Getenv("INFERENCE_MODEL"),
		EMBEDDING_MODEL:    os.Getenv("EMBEDDING_MODEL"),
		// Pipeline
		SIMILARITY_THRESHOLD: threshold,
		DAILY_TOKEN_LIMIT:    tokenLimit,
		// Spaces
		SPACES_ACCESS_KEY: os.Getenv("SPACES_ACCESS_KEY"),
		SPACES_SECRET_KEY: os.Getenv("SPACES_SECRET_KEY"),
		SPACES_BUCKET:     os.Getenv("SPACES_BUCKET"),
		SPACES_REGION:     os.Getenv("SPACES_REGION"),
		SPACES_ENDPOINT:   os.Getenv("SPACES_ENDPOINT"),
	}

	return cfg, nil
}
