// Seeds a demo lesson so a fresh environment has something to query.
// Usage: go run ./cmd/seed
package main

import (
	"log"

	"github.com/lessonforge/api/config"
	"github.com/lessonforge/api/database"
	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services"
)

func main() {
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

	db := store.DB()

	var existing int64
	db.Model(&model.Lesson{}).Count(&existing)
	if existing > 0 {
		log.Printf("Database already has %d lessons, nothing to seed", existing)
		return
	}

	lesson := &model.Lesson{
		TeacherID:  1,
		Title:      "The Water Cycle",
		Summary:    "A demo lesson on evaporation, condensation and precipitation.",
		GradeLevel: "6",
		IsPublic:   true,
	}
	if err := db.Create(lesson).Error; err != nil {
		log.Fatal("Failed to create demo lesson:", err)
	}

	plan := model.LessonPlan{
		Title:   "The Water Cycle",
		Summary: "A demo lesson on evaporation, condensation and precipitation.",
		LearningObjectives: []string{
			"Describe the stages of the water cycle",
			"Explain what drives evaporation",
		},
		Sections: []model.Section{
			{Heading: "Evaporation", Content: "The sun heats surface water, turning it into vapor."},
			{Heading: "Condensation", Content: "Vapor cools at altitude and forms clouds."},
			{Heading: "Precipitation", Content: "Water falls back to the surface as rain or snow."},
		},
		Quiz: []model.QuizQuestion{
			{
				Question:    "What drives evaporation?",
				Options:     []string{"Heat from the sun", "Wind alone"},
				Answer:      "Heat from the sun",
				Explanation: "Solar energy provides the heat that turns water into vapor.",
			},
		},
	}

	versions := services.NewVersionStore(db)
	version, err := versions.AppendVersion(lesson.ID, plan, "seed", nil, false)
	if err != nil {
		log.Fatal("Failed to create demo version:", err)
	}

	log.Printf("Seeded lesson %d at version %d", lesson.ID, version.VersionNumber)
}
