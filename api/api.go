package api

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// APIServer wraps the fiber app with its listen address
type APIServer struct {
	app           *fiber.App
	listenAddress string
}

// NewAPIServer creates a new API server
func NewAPIServer(listenAddress string) *APIServer {
	return &APIServer{
		app: fiber.New(fiber.Config{
			AppName:   "lessonforge-api",
			BodyLimit: 32 * 1024 * 1024,
		}),
		listenAddress: listenAddress,
	}
}

// GetEngine returns the underlying fiber app
func (s *APIServer) GetEngine() *fiber.App {
	return s.app
}

// Run starts listening for requests
func (s *APIServer) Run() error {
	log.Println("Starting API Server")
	log.Printf("Listening on %s", s.listenAddress)

	return s.app.Listen(s.listenAddress)
}
