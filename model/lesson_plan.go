package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Section is one reading-ordered block of lesson content. The heading/content
// order within a plan is meaningful and preserved as stored.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// CreativeActivity is a hands-on activity suggestion attached to a lesson.
type CreativeActivity struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Duration        string `json:"duration,omitempty"`
	LearningPurpose string `json:"learning_purpose,omitempty"`
}

// Equation captures a STEM equation with optional term explanations.
type Equation struct {
	Equation     string   `json:"equation"`
	Terms        []string `json:"terms,omitempty"`
	Significance string   `json:"significance,omitempty"`
}

// QuizQuestion is a multiple-choice assessment question. A valid question has
// at least two options and its answer must be one of them.
type QuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

// HasValidAnswer reports whether the answer matches one of the options.
func (q QuizQuestion) HasValidAnswer() bool {
	for _, opt := range q.Options {
		if opt == q.Answer {
			return true
		}
	}
	return false
}

// LessonPlan is the full structured content of one lesson version. It is the
// shape the generation engine asks the language model to produce and what the
// resilient parser assembles from model output.
type LessonPlan struct {
	Title              string             `json:"title"`
	Summary            string             `json:"summary"`
	LearningObjectives []string           `json:"learning_objectives,omitempty"`
	Sections           []Section          `json:"sections"`
	CreativeActivities []CreativeActivity `json:"creative_activities,omitempty"`
	Equations          []Equation         `json:"equations,omitempty"`
	Quiz               []QuizQuestion     `json:"quiz,omitempty"`
	TeacherNotes       []string           `json:"teacher_notes,omitempty"`
}

// Scan implements the sql.Scanner interface for reading from database
func (p *LessonPlan) Scan(value interface{}) error {
	if value == nil {
		*p = LessonPlan{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal LessonPlan value")
	}

	if len(bytes) == 0 {
		*p = LessonPlan{}
		return nil
	}

	return json.Unmarshal(bytes, p)
}

// Value implements the driver.Valuer interface for writing to database
func (p LessonPlan) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// PlainText renders the plan as readable text, used when the plan has to be
// fed back into a prompt (Q&A context, improve-version requests).
func (p LessonPlan) PlainText() string {
	var out []byte
	out = append(out, p.Title...)
	out = append(out, '\n', '\n')
	if p.Summary != "" {
		out = append(out, p.Summary...)
		out = append(out, '\n', '\n')
	}
	for _, s := range p.Sections {
		out = append(out, s.Heading...)
		out = append(out, '\n')
		out = append(out, s.Content...)
		out = append(out, '\n', '\n')
	}
	return string(out)
}
