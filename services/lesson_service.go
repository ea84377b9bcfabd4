package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
	"github.com/lessonforge/api/utils"
)

const (
	// chunkSize is the approximate character budget for one digest pass.
	chunkSize = 8000
	// maxRetries bounds completion attempts before degrading.
	maxRetries = 3
	// apologyAnswer is returned when question answering fails entirely.
	// It is a fixed string so callers can rely on it never leaking
	// provider error detail.
	apologyAnswer = "I apologize, but I couldn't process your question right now. Please try again in a moment."
)

// LessonParams are the teacher-supplied knobs for generation.
type LessonParams struct {
	FocusArea    string `json:"focus_area" validate:"omitempty,max=200"`
	GradeLevel   string `json:"grade_level" validate:"omitempty,max=50"`
	SectionCount int    `json:"section_count" validate:"omitempty,min=1,max=12"`
	IsPublic     bool   `json:"is_public"`
}

// LessonService is the generation engine: it turns source documents into
// structured lesson plans and answers questions about them.
type LessonService struct {
	db        *gorm.DB
	completer inference.Completer
	parser    *LessonParser
	versions  *VersionStore
	budget    *BudgetGuard
	logger    *utils.Logger
}

// NewLessonService creates a new lesson service
func NewLessonService(db *gorm.DB, completer inference.Completer, versions *VersionStore, budget *BudgetGuard) *LessonService {
	return &LessonService{
		db:        db,
		completer: completer,
		parser:    NewLessonParser(),
		versions:  versions,
		budget:    budget,
		logger:    utils.NewLogger("lesson_service"),
	}
}

// completeWithRetry calls the model with exponential backoff. Rate-limit
// errors wait longer than transport errors. The context deadline wins over
// remaining retries.
func (s *LessonService) completeWithRetry(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, int, error) {
	var lastErr error
	backoff := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		text, tokens, err := s.completer.Complete(ctx, systemPrompt, userPrompt, maxTokens)
		if err == nil {
			return text, tokens, nil
		}
		lastErr = err
		s.logger.Printf("Completion attempt %d/%d failed: %v", attempt, maxRetries, err)

		if attempt == maxRetries {
			break
		}

		wait := backoff
		if errors.Is(err, inference.ErrRateLimited) {
			wait = backoff * 2
		}
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("%w: %v", inference.ErrModelUnavailable, ctx.Err())
		case <-time.After(wait):
		}
		backoff *= 2
	}

	if !errors.Is(lastErr, inference.ErrModelUnavailable) && !errors.Is(lastErr, inference.ErrRateLimited) {
		lastErr = fmt.Errorf("%w: %v", inference.ErrModelUnavailable, lastErr)
	}
	return "", 0, lastErr
}

// chunkText splits text into chunks of roughly chunkSize characters,
// breaking on paragraph boundaries so no paragraph is split.
func chunkText(text string, size int) []string {
	if size <= 0 {
		size = chunkSize
	}
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Oversized single paragraph gets its own chunk rather than
		// being split mid-sentence.
		if current.Len() > 0 && current.Len()+len(p) > size {
			flush()
		}
		current.WriteString(p)
		current.WriteString("\n\n")
		if current.Len() >= size {
			flush()
		}
	}
	flush()

	return chunks
}

const lessonSystemPrompt = `You are an experienced curriculum designer. You produce lesson plans as a single JSON object with this exact shape:
{
  "title": string,
  "summary": string,
  "learning_objectives": [string],
  "sections": [{"heading": string, "content": string}],
  "creative_activities": [{"name": string, "description": string, "duration": string, "learning_purpose": string}],
  "equations": [{"equation": string, "terms": [string], "significance": string}],
  "quiz": [{"question": string, "options": [string], "answer": string, "explanation": string}],
  "teacher_notes": [string]
}
Every quiz question must have at least two options, the answer must be copied verbatim from the options, and "All of the above" is forbidden. Respond with JSON only, no commentary.`

const digestSystemPrompt = `You summarize study material. Produce a dense plain-text digest that keeps all key facts, definitions, formulas and examples. No commentary.`

// buildLessonPrompt assembles the synthesis prompt from the digested
// material and the teacher's parameters.
func buildLessonPrompt(material string, params LessonParams) string {
	var b strings.Builder
	b.WriteString("Create a lesson plan from the following material.\n")
	if params.GradeLevel != "" {
		fmt.Fprintf(&b, "Target grade level: %s.\n", params.GradeLevel)
	}
	if params.FocusArea != "" {
		fmt.Fprintf(&b, "Focus especially on: %s.\n", params.FocusArea)
	}
	if params.SectionCount > 0 {
		fmt.Fprintf(&b, "Structure the lesson into about %d sections.\n", params.SectionCount)
	}
	b.WriteString("\nMATERIAL:\n")
	b.WriteString(material)
	return b.String()
}

// generatePlan runs the full pipeline: digest chunks if the source is
// large, synthesize a lesson plan, and parse the output. The returned
// plan is always valid; the bool reports whether it is the fallback.
func (s *LessonService) generatePlan(ctx context.Context, sourceText string, params LessonParams) (model.LessonPlan, bool, int) {
	totalTokens := 0
	material := sourceText

	// Large documents get a digest pass per chunk so the synthesis
	// prompt stays within the context window.
	if len(sourceText) > chunkSize {
		chunks := chunkText(sourceText, chunkSize)
		s.logger.Printf("Digesting source in %d chunks", len(chunks))

		var digests []string
		for i, chunk := range chunks {
			digest, tokens, err := s.completeWithRetry(ctx, digestSystemPrompt,
				"Summarize this material:\n\n"+chunk, 1024)
			totalTokens += tokens
			if err != nil {
				// A failed digest falls back to a truncated excerpt of
				// the chunk; the synthesis pass still sees something.
				s.logger.Printf("Digest of chunk %d failed, using excerpt: %v", i+1, err)
				if len(chunk) > 2000 {
					chunk = chunk[:2000]
				}
				digest = chunk
			}
			digests = append(digests, digest)
		}
		material = strings.Join(digests, "\n\n")
	}

	raw, tokens, err := s.completeWithRetry(ctx, lessonSystemPrompt,
		buildLessonPrompt(material, params), inference.DefaultMaxTokens)
	totalTokens += tokens
	if err != nil {
		s.logger.Printf("Lesson synthesis failed, using fallback: %v", err)
		return FallbackLessonPlan(sourceText), true, totalTokens
	}

	parsed := s.parser.ParseLessonPlan(raw, sourceText)
	return parsed.Plan, parsed.IsFallback(), totalTokens
}

// GenerateLesson creates a new lesson from a loaded document and stores
// its first version. The terminal fallback path means this only fails on
// storage or budget errors, never on model errors.
func (s *LessonService) GenerateLesson(ctx context.Context, teacherID uint, doc *LoadedDocument, params LessonParams, sourceFileKey string) (*model.Lesson, *model.LessonVersion, error) {
	estimated := EstimateTokens(doc.Text, inference.DefaultMaxTokens)
	if err := s.budget.Reserve(teacherID, estimated); err != nil {
		return nil, nil, err
	}

	plan, isFallback, actualTokens := s.generatePlan(ctx, doc.Text, params)

	if err := s.budget.Reconcile(teacherID, int64(actualTokens)-estimated); err != nil {
		s.logger.Printf("Budget reconcile failed for user %d: %v", teacherID, err)
	}

	lesson := &model.Lesson{
		TeacherID:     teacherID,
		Title:         plan.Title,
		Summary:       plan.Summary,
		FocusArea:     params.FocusArea,
		GradeLevel:    params.GradeLevel,
		IsPublic:      params.IsPublic,
		SourceFileKey: sourceFileKey,
	}
	if err := s.db.Create(lesson).Error; err != nil {
		return nil, nil, fmt.Errorf("creating lesson: %w", err)
	}

	paramsJSON, _ := json.Marshal(params)
	version, err := s.versions.AppendVersion(lesson.ID, plan, doc.Filename, paramsJSON, isFallback)
	if err != nil {
		return nil, nil, err
	}
	lesson.CurrentVersion = version.VersionNumber

	s.logger.Printf("Generated lesson %d (fallback=%v, tokens=%d)", lesson.ID, isFallback, actualTokens)
	return lesson, version, nil
}

const improveSystemPrompt = lessonSystemPrompt + `
You will receive an existing lesson plan and improvement instructions. Produce the complete improved plan in the same JSON shape.`

// CreateImprovedVersion regenerates a lesson according to the teacher's
// instructions and appends the result as a new version. If the model is
// unavailable the current version is not disturbed and an error is
// returned; there is no fallback for improvements.
func (s *LessonService) CreateImprovedVersion(ctx context.Context, userID, lessonID uint, instructions string) (*model.LessonVersion, error) {
	current, err := s.versions.GetVersion(lessonID, "current")
	if err != nil {
		return nil, err
	}

	currentJSON, err := json.Marshal(current.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding current plan: %w", err)
	}

	prompt := fmt.Sprintf("EXISTING LESSON PLAN:\n%s\n\nIMPROVEMENT INSTRUCTIONS:\n%s",
		currentJSON, instructions)

	estimated := EstimateTokens(prompt, inference.DefaultMaxTokens)
	if err := s.budget.Reserve(userID, estimated); err != nil {
		return nil, err
	}

	raw, tokens, err := s.completeWithRetry(ctx, improveSystemPrompt, prompt, inference.DefaultMaxTokens)
	if rerr := s.budget.Reconcile(userID, int64(tokens)-estimated); rerr != nil {
		s.logger.Printf("Budget reconcile failed for user %d: %v", userID, rerr)
	}
	if err != nil {
		return nil, err
	}

	parsed := s.parser.ParseLessonPlan(raw, "")
	if parsed.IsFallback() {
		return nil, fmt.Errorf("%w: improved plan could not be parsed", inference.ErrModelUnavailable)
	}

	params := []byte(fmt.Sprintf(`{"improved_from": %d, "instructions": %s}`,
		current.VersionNumber, mustJSONString(instructions)))
	return s.versions.AppendVersion(lessonID, parsed.Plan, current.SourceFileName, params, false)
}

func mustJSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const answerSystemPrompt = `You are a patient tutor. Answer the student's question using only the lesson content provided. When you reference the lesson, cite the numbered line like (line 12). If the lesson does not cover the question, say so honestly. Answer in plain text.`

// Answer produces a grounded answer to a question about a lesson plan.
// On total model failure it returns the fixed apology answer and no error,
// so question answering itself never fails.
func (s *LessonService) Answer(ctx context.Context, plan model.LessonPlan, question string, history []model.QAEntry) (string, int, bool) {
	var b strings.Builder
	b.WriteString("LESSON CONTENT (numbered lines):\n")
	for i, line := range strings.Split(plan.PlainText(), "\n") {
		fmt.Fprintf(&b, "%d: %s\n", i+1, line)
	}

	if len(history) > 0 {
		b.WriteString("\nPREVIOUS EXCHANGES:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", h.Question, h.Answer)
		}
	}

	fmt.Fprintf(&b, "\nSTUDENT QUESTION: %s\n", question)

	raw, tokens, err := s.completeWithRetry(ctx, answerSystemPrompt, b.String(), 1024)
	if err != nil {
		s.logger.Printf("Answer generation failed: %v", err)
		return apologyAnswer, tokens, true
	}

	answer := ParseAnswer(raw)
	if answer == "" {
		return apologyAnswer, tokens, true
	}
	return answer, tokens, false
}
