package lesson

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services"
	"github.com/lessonforge/api/services/storage"
	"github.com/lessonforge/api/utils"
	"github.com/lessonforge/api/utils/middleware"
	"github.com/lessonforge/api/utils/response"
	"github.com/lessonforge/api/utils/validation"
)

// maxUploadSize caps uploaded source documents at 30 MB.
const maxUploadSize = 30 * 1024 * 1024

// generateTimeout bounds a full generation run including digest passes.
const generateTimeout = 10 * time.Minute

// LessonHandler handles lesson generation and version management requests
type LessonHandler struct {
	db            *gorm.DB
	validator     *validation.Validator
	lessons       *services.LessonService
	versions      *services.VersionStore
	loader        *services.DocumentLoader
	canonicalizer *services.Canonicalizer
	storage       *storage.SpacesClient
	logger        *utils.Logger
}

// NewLessonHandler creates a new lesson handler. spaces may be nil; the
// source document is then not retained.
func NewLessonHandler(db *gorm.DB, lessons *services.LessonService, versions *services.VersionStore, canonicalizer *services.Canonicalizer, spaces *storage.SpacesClient) *LessonHandler {
	return &LessonHandler{
		db:            db,
		validator:     validation.NewValidator(),
		lessons:       lessons,
		versions:      versions,
		loader:        services.NewDocumentLoader(),
		canonicalizer: canonicalizer,
		storage:       spaces,
		logger:        utils.NewLogger("lesson_handler"),
	}
}

// GenerateLesson handles POST /api/v1/lessons/generate
// Multipart form: file (the source document) plus generation parameters.
func (h *LessonHandler) GenerateLesson(c *fiber.Ctx) error {
	teacherID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "Source document file is required")
	}
	if fileHeader.Size > maxUploadSize {
		return response.BadRequest(c, "Source document exceeds the 30 MB limit")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}
	content, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}

	sectionCount, _ := strconv.Atoi(c.FormValue("section_count", "0"))
	params := services.LessonParams{
		FocusArea:    validation.SanitizeString(c.FormValue("focus_area")),
		GradeLevel:   validation.SanitizeString(c.FormValue("grade_level")),
		SectionCount: sectionCount,
		IsPublic:     c.FormValue("is_public") == "true",
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		return response.ValidationError(c, err)
	}

	doc, err := h.loader.Load(content, fileHeader.Filename, c.FormValue("file_type"))
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedFormat) {
			return response.UnsupportedFormat(c, err.Error())
		}
		return response.BadRequest(c, err.Error())
	}

	// Retain the raw source so the lesson can be regenerated later.
	// Retention is best-effort; generation proceeds without it.
	var sourceKey string
	if h.storage != nil {
		key := storage.SourceDocumentKey(teacherID, fileHeader.Filename)
		uploadCtx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
		sourceKey, err = h.storage.UploadSourceDocument(uploadCtx, key, content,
			fileHeader.Header.Get("Content-Type"))
		cancel()
		if err != nil {
			h.logger.Printf("Source retention failed for %s: %v", fileHeader.Filename, err)
			sourceKey = ""
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	lesson, version, err := h.lessons.GenerateLesson(ctx, teacherID, doc, params, sourceKey)
	if err != nil {
		if errors.Is(err, services.ErrBudgetExceeded) {
			return response.BudgetExceeded(c)
		}
		return response.InternalServerError(c, "Failed to generate lesson")
	}

	return response.Created(c, fiber.Map{
		"lesson":  lesson,
		"version": version,
	})
}

// loadLesson fetches a lesson and enforces visibility: public lessons are
// readable by anyone authenticated, private ones only by their teacher.
func (h *LessonHandler) loadLesson(c *fiber.Ctx) (*model.Lesson, error) {
	lessonID, err := strconv.Atoi(c.Params("id"))
	if err != nil || lessonID < 1 {
		return nil, response.BadRequest(c, "Invalid lesson ID")
	}

	var lesson model.Lesson
	if err := h.db.First(&lesson, lessonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NotFound(c, "Lesson not found")
		}
		return nil, response.InternalServerError(c, "Failed to fetch lesson")
	}

	userID, _ := middleware.GetUserID(c)
	if !lesson.IsPublic && lesson.TeacherID != userID {
		return nil, response.Forbidden(c, "")
	}
	return &lesson, nil
}

// requireOwner additionally restricts an already loaded lesson to its
// owning teacher.
func requireOwner(c *fiber.Ctx, lesson *model.Lesson) error {
	userID, _ := middleware.GetUserID(c)
	if lesson.TeacherID != userID {
		return response.Forbidden(c, "Only the lesson owner can modify it")
	}
	return nil
}

// GetLesson handles GET /api/v1/lessons/:id
func (h *LessonHandler) GetLesson(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	version, verr := h.versions.GetVersion(lesson.ID, c.Query("version", "current"))
	if verr != nil {
		if errors.Is(verr, services.ErrVersionNotFound) {
			return response.NotFound(c, "Version not found")
		}
		return response.InternalServerError(c, "Failed to fetch version")
	}

	return response.Success(c, fiber.Map{
		"lesson":  lesson,
		"version": version,
	})
}

// ListVersions handles GET /api/v1/lessons/:id/versions
func (h *LessonHandler) ListVersions(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	versions, err := h.versions.ListVersions(lesson.ID)
	if err != nil {
		return response.InternalServerError(c, "Failed to list versions")
	}
	return response.Success(c, fiber.Map{
		"current_version": lesson.CurrentVersion,
		"versions":        versions,
	})
}

// GetVersion handles GET /api/v1/lessons/:id/versions/:number
func (h *LessonHandler) GetVersion(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	version, err := h.versions.GetVersion(lesson.ID, c.Params("number"))
	if err != nil {
		if errors.Is(err, services.ErrVersionNotFound) {
			return response.NotFound(c, "Version not found")
		}
		return response.InternalServerError(c, "Failed to fetch version")
	}
	return response.Success(c, version)
}

// ImproveVersionRequest is the body for creating an improved version
type ImproveVersionRequest struct {
	Instructions string `json:"instructions" validate:"required,min=3,max=2000"`
}

// CreateImprovedVersion handles POST /api/v1/lessons/:id/versions
func (h *LessonHandler) CreateImprovedVersion(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}
	if err := requireOwner(c, lesson); err != nil {
		return err
	}

	var req ImproveVersionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	req.Instructions = validation.SanitizeString(req.Instructions)
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	userID, _ := middleware.GetUserID(c)
	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	version, err := h.lessons.CreateImprovedVersion(ctx, userID, lesson.ID, req.Instructions)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrBudgetExceeded):
			return response.BudgetExceeded(c)
		case errors.Is(err, services.ErrVersionNotFound):
			return response.NotFound(c, "Lesson has no versions to improve")
		default:
			return response.Error(c, fiber.StatusBadGateway,
				"The lesson could not be improved right now", "MODEL_UNAVAILABLE")
		}
	}
	return response.Created(c, version)
}

// RollbackVersion handles POST /api/v1/lessons/:id/versions/:number/rollback
func (h *LessonHandler) RollbackVersion(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}
	if err := requireOwner(c, lesson); err != nil {
		return err
	}

	number, err := strconv.Atoi(c.Params("number"))
	if err != nil || number < 1 {
		return response.BadRequest(c, "Invalid version number")
	}

	version, err := h.versions.RollbackTo(lesson.ID, number)
	if err != nil {
		if errors.Is(err, services.ErrVersionNotFound) {
			return response.NotFound(c, "Version not found")
		}
		return response.InternalServerError(c, "Failed to roll back")
	}
	return response.Created(c, version)
}

// TopQuestions handles GET /api/v1/lessons/:id/questions/top
func (h *LessonHandler) TopQuestions(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.Query("limit", "10"))
	questions, err := h.canonicalizer.TopQuestions(lesson.ID, limit)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch top questions")
	}
	return response.Success(c, questions)
}
