package services

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/utils"
)

// ParseStage identifies which recovery stage produced a lesson plan.
type ParseStage string

const (
	StageStrict    ParseStage = "strict"
	StageLenient   ParseStage = "lenient"
	StageHeuristic ParseStage = "heuristic"
	StageFallback  ParseStage = "fallback"
)

// ParsedLesson is the output of the parsing pipeline. Plan is always
// structurally valid; Stage records how much recovery was needed.
type ParsedLesson struct {
	Plan  model.LessonPlan
	Stage ParseStage
}

// IsFallback reports whether nothing usable could be recovered from the
// raw output.
func (p *ParsedLesson) IsFallback() bool {
	return p.Stage == StageFallback
}

// LessonParser converts raw model output into a validated LessonPlan. It
// never returns an error: each stage is tried in order and the terminal
// stage always produces a valid structure.
type LessonParser struct {
	logger *utils.Logger
}

// NewLessonParser creates a new lesson parser
func NewLessonParser() *LessonParser {
	return &LessonParser{
		logger: utils.NewLogger("lesson_parser"),
	}
}

// ParseLessonPlan runs the staged recovery pipeline over raw model output.
// sourceText is used only by the terminal fallback stage.
func (p *LessonParser) ParseLessonPlan(raw, sourceText string) *ParsedLesson {
	// Stage 1: the whole output is the JSON document.
	if plan, ok := p.tryUnmarshal(strings.TrimSpace(raw)); ok {
		return &ParsedLesson{Plan: *plan, Stage: StageStrict}
	}

	// Stage 2: JSON embedded in prose or markdown fences.
	if extracted, err := utils.ExtractJSON(raw); err == nil {
		if plan, ok := p.tryUnmarshal(extracted); ok {
			p.logger.Printf("Recovered lesson plan from embedded JSON")
			return &ParsedLesson{Plan: *plan, Stage: StageLenient}
		}
	}

	// Stage 3: no valid JSON anywhere; scan the prose for lesson structure.
	if plan, ok := p.parseHeuristic(raw); ok {
		p.logger.Printf("Recovered lesson plan heuristically from prose output")
		return &ParsedLesson{Plan: *plan, Stage: StageHeuristic}
	}

	// Stage 4: terminal fallback, built from the source document itself.
	p.logger.Printf("All parse stages failed, using fallback lesson")
	return &ParsedLesson{Plan: FallbackLessonPlan(sourceText), Stage: StageFallback}
}

// tryUnmarshal decodes candidate JSON and accepts it only if the result
// normalizes into a structurally valid plan.
func (p *LessonParser) tryUnmarshal(candidate string) (*model.LessonPlan, bool) {
	if candidate == "" {
		return nil, false
	}

	var plan model.LessonPlan
	if err := json.Unmarshal([]byte(candidate), &plan); err != nil {
		return nil, false
	}

	normalizeLessonPlan(&plan)
	if err := validateLessonPlan(&plan); err != nil {
		p.logger.Printf("Parsed JSON rejected: %v", err)
		return nil, false
	}
	return &plan, true
}

// normalizeLessonPlan repairs recoverable defects in place: trims
// whitespace, drops empty entries, and removes quiz questions that cannot
// be made valid.
func normalizeLessonPlan(plan *model.LessonPlan) {
	plan.Title = strings.TrimSpace(plan.Title)
	plan.Summary = strings.TrimSpace(plan.Summary)

	notes := plan.TeacherNotes[:0]
	for _, n := range plan.TeacherNotes {
		if s := strings.TrimSpace(n); s != "" {
			notes = append(notes, s)
		}
	}
	plan.TeacherNotes = notes

	objectives := plan.LearningObjectives[:0]
	for _, o := range plan.LearningObjectives {
		if s := strings.TrimSpace(o); s != "" {
			objectives = append(objectives, s)
		}
	}
	plan.LearningObjectives = objectives

	sections := plan.Sections[:0]
	for _, s := range plan.Sections {
		s.Heading = strings.TrimSpace(s.Heading)
		s.Content = strings.TrimSpace(s.Content)
		if s.Heading != "" && s.Content != "" {
			sections = append(sections, s)
		}
	}
	plan.Sections = sections

	activities := plan.CreativeActivities[:0]
	for _, a := range plan.CreativeActivities {
		a.Name = strings.TrimSpace(a.Name)
		a.Description = strings.TrimSpace(a.Description)
		if a.Name != "" || a.Description != "" {
			activities = append(activities, a)
		}
	}
	plan.CreativeActivities = activities

	equations := plan.Equations[:0]
	for _, e := range plan.Equations {
		e.Equation = strings.TrimSpace(e.Equation)
		e.Significance = strings.TrimSpace(e.Significance)
		if e.Equation != "" {
			equations = append(equations, e)
		}
	}
	plan.Equations = equations

	quiz := plan.Quiz[:0]
	for _, q := range plan.Quiz {
		q.Question = strings.TrimSpace(q.Question)
		q.Answer = strings.TrimSpace(q.Answer)
		options := q.Options[:0]
		for _, opt := range q.Options {
			if s := strings.TrimSpace(opt); s != "" {
				options = append(options, s)
			}
		}
		q.Options = options
		if quizQuestionValid(q) {
			quiz = append(quiz, q)
		}
	}
	plan.Quiz = quiz
}

// quizQuestionValid enforces the quiz invariants: a real question, at
// least two options, the answer verbatim among them, and no catch-all
// "all of the above" options.
func quizQuestionValid(q model.QuizQuestion) bool {
	if q.Question == "" || len(q.Options) < 2 || !q.HasValidAnswer() {
		return false
	}
	for _, opt := range q.Options {
		if strings.EqualFold(opt, "all of the above") {
			return false
		}
	}
	return true
}

// validateLessonPlan enforces the invariants every stored plan must hold.
// Quiz questions that survived normalization are already valid, so only
// the top-level shape is checked here.
func validateLessonPlan(plan *model.LessonPlan) error {
	if plan.Title == "" {
		return errEmptyTitle
	}
	if len(plan.Sections) == 0 {
		return errNoSections
	}
	return nil
}

var (
	errEmptyTitle = jsonShapeError("lesson title is empty")
	errNoSections = jsonShapeError("lesson has no sections")
)

type jsonShapeError string

func (e jsonShapeError) Error() string { return string(e) }

var (
	headingRe    = regexp.MustCompile(`(?m)^(?:#{1,3}\s+|(?:\d+[.)]\s+))(.{2,80})$`)
	labelRe      = regexp.MustCompile(`(?i)^(title|summary|objectives?|learning objectives?)\s*[:\-]\s*(.*)$`)
	quizOptionRe = regexp.MustCompile(`(?i)^\s*(?:[a-d][.)]\s+|[-*]\s+)(.+)$`)
	quizAnswerRe = regexp.MustCompile(`(?i)^\s*answer\s*[:\-]\s*(?:[a-d][.)]\s*)?(.+)$`)
)

// parseHeuristic scans prose output line by line for labelled fields and
// heading-delimited sections. It accepts the result only when the same
// invariants as the JSON path hold.
func (p *LessonParser) parseHeuristic(raw string) (*model.LessonPlan, bool) {
	lines := strings.Split(raw, "\n")

	var plan model.LessonPlan
	var current *model.Section
	var body strings.Builder

	flushSection := func() {
		if current != nil {
			current.Content = strings.TrimSpace(body.String())
			if current.Heading != "" && current.Content != "" {
				plan.Sections = append(plan.Sections, *current)
			}
		}
		current = nil
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if current != nil {
				body.WriteString("\n")
			}
			continue
		}

		if m := labelRe.FindStringSubmatch(trimmed); m != nil && current == nil {
			value := strings.TrimSpace(m[2])
			switch strings.ToLower(m[1])[0] {
			case 't':
				if plan.Title == "" {
					plan.Title = value
				}
			case 's':
				if plan.Summary == "" {
					plan.Summary = value
				}
			default: // objectives
				for _, part := range strings.Split(value, ";") {
					if s := strings.TrimSpace(part); s != "" {
						plan.LearningObjectives = append(plan.LearningObjectives, s)
					}
				}
			}
			continue
		}

		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			flushSection()
			current = &model.Section{Heading: strings.TrimSpace(m[1])}
			continue
		}

		if current != nil {
			body.WriteString(trimmed)
			body.WriteString("\n")
		}
	}
	flushSection()

	plan.Quiz = scanQuizQuestions(lines)

	normalizeLessonPlan(&plan)
	if plan.Title == "" && len(plan.Sections) > 0 {
		plan.Title = plan.Sections[0].Heading
	}
	if err := validateLessonPlan(&plan); err != nil {
		return nil, false
	}
	return &plan, true
}

// scanQuizQuestions pulls question/options/answer blocks out of prose.
// Incomplete blocks are discarded rather than repaired.
func scanQuizQuestions(lines []string) []model.QuizQuestion {
	var quiz []model.QuizQuestion
	var q *model.QuizQuestion

	flush := func() {
		if q != nil && quizQuestionValid(*q) {
			quiz = append(quiz, *q)
		}
		q = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if strings.HasSuffix(trimmed, "?") && !strings.HasPrefix(lower, "answer") {
			flush()
			q = &model.QuizQuestion{Question: trimmed}
			continue
		}
		if q == nil {
			continue
		}
		if m := quizAnswerRe.FindStringSubmatch(trimmed); m != nil {
			q.Answer = strings.TrimSpace(m[1])
			flush()
			continue
		}
		if m := quizOptionRe.FindStringSubmatch(trimmed); m != nil {
			q.Options = append(q.Options, strings.TrimSpace(m[1]))
		}
	}
	flush()

	return quiz
}

// fallbackQuiz is the quiz attached to terminal fallback lessons. The
// correct answer must be one of the options, so it is always options[0].
func fallbackQuiz() []model.QuizQuestion {
	q := model.QuizQuestion{
		Question: "What should you do after reading this material?",
		Options: []string{
			"Review the key points and take notes",
			"Skip to the next topic immediately",
		},
		Answer:      "Review the key points and take notes",
		Explanation: "Reviewing and note-taking reinforces retention of new material.",
	}
	return []model.QuizQuestion{q}
}

// FallbackLessonPlan builds the terminal lesson from the source document:
// the first portion of the text becomes the single section, everything
// else is generic. It cannot fail.
func FallbackLessonPlan(sourceText string) model.LessonPlan {
	excerpt := strings.TrimSpace(sourceText)
	if len(excerpt) > 1000 {
		excerpt = excerpt[:1000]
		// Avoid cutting mid-word
		if i := strings.LastIndexByte(excerpt, ' '); i > 800 {
			excerpt = excerpt[:i]
		}
	}
	if excerpt == "" {
		excerpt = "No source material was available for this lesson."
	}

	return model.LessonPlan{
		Title:   "Study Guide",
		Summary: "An automatically prepared study guide based on the provided material.",
		LearningObjectives: []string{
			"Read and understand the provided material",
			"Identify the key ideas in the text",
		},
		Sections: []model.Section{
			{Heading: "Source Material", Content: excerpt},
		},
		Quiz:         fallbackQuiz(),
		TeacherNotes: []string{"This lesson was generated from the raw source text. Consider regenerating it."},
	}
}

// ParseAnswer cleans a question-answering completion: strips fences and
// surrounding quotes, and collapses an answer wrapped in a JSON envelope.
func ParseAnswer(raw string) string {
	s := strings.TrimSpace(utils.StripMarkdownFences(raw))

	// Some models wrap the answer in {"answer": "..."} despite the prompt.
	if strings.HasPrefix(s, "{") {
		var envelope struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal([]byte(s), &envelope); err == nil && envelope.Answer != "" {
			s = envelope.Answer
		}
	}

	s = strings.Trim(s, "\"")
	return strings.TrimSpace(s)
}
