package qa

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services"
	"github.com/lessonforge/api/utils/middleware"
	"github.com/lessonforge/api/utils/response"
	"github.com/lessonforge/api/utils/validation"
)

// askTimeout bounds one question round trip including canonicalization.
const askTimeout = 2 * time.Minute

// QAHandler handles lesson question-answering requests
type QAHandler struct {
	db        *gorm.DB
	validator *validation.Validator
	qa        *services.QAService
}

// NewQAHandler creates a new Q&A handler
func NewQAHandler(db *gorm.DB, qa *services.QAService) *QAHandler {
	return &QAHandler{
		db:        db,
		validator: validation.NewValidator(),
		qa:        qa,
	}
}

// loadLesson fetches the lesson and enforces visibility.
func (h *QAHandler) loadLesson(c *fiber.Ctx) (*model.Lesson, error) {
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

// AskRequest is the body for asking a question about a lesson
type AskRequest struct {
	Question string `json:"question" validate:"required,min=1,max=2000"`
}

// Ask handles POST /api/v1/lessons/:id/questions
func (h *QAHandler) Ask(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	var req AskRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	req.Question = validation.SanitizeString(req.Question)
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	userID, _ := middleware.GetUserID(c)
	ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
	defer cancel()

	result, err := h.qa.Ask(ctx, lesson.ID, userID, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyQuestion):
			return response.BadRequest(c, "Question must not be empty")
		case errors.Is(err, services.ErrBudgetExceeded):
			return response.BudgetExceeded(c)
		case errors.Is(err, services.ErrVersionNotFound), errors.Is(err, services.ErrLessonNotFound):
			return response.NotFound(c, "Lesson has no content to answer from")
		default:
			return response.InternalServerError(c, "Failed to answer question")
		}
	}
	return response.Success(c, result)
}

// GetHistory handles GET /api/v1/lessons/:id/history
func (h *QAHandler) GetHistory(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	userID, _ := middleware.GetUserID(c)
	entries, err := h.qa.GetHistory(lesson.ID, userID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch history")
	}
	return response.Success(c, entries)
}

// ClearHistory handles DELETE /api/v1/lessons/:id/history
func (h *QAHandler) ClearHistory(c *fiber.Ctx) error {
	lesson, err := h.loadLesson(c)
	if err != nil {
		return err
	}

	userID, _ := middleware.GetUserID(c)
	cleared, err := h.qa.ClearHistory(lesson.ID, userID)
	if err != nil {
		return response.InternalServerError(c, "Failed to clear history")
	}
	return response.SuccessWithMessage(c, "History cleared", fiber.Map{"cleared": cleared})
}
