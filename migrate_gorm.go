// migrate_gorm.go - Run this file to test GORM migrations
// Usage: go run migrate_gorm.go

//go:build ignore

package main

import (
	"log"

	"github.com/lessonforge/api/config"
	"github.com/lessonforge/api/database"
)

func main() {
	log.Println("=== GORM Migration Test ===")

	if err := config.LoadENV(); err != nil {
		log.Fatal("Failed to load environment variables:", err)
	}

	store, err := database.StartGORM()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		log.Fatal("Migration failed:", err)
	}

	log.Println("All migrations completed successfully")
}
