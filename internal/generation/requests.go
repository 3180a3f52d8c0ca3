package generation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskd/internal/domain"
)

// ResearchRequest is the payload of a research task.
type ResearchRequest struct {
	Keyword  string `json:"keyword" validate:"required,max=200"`
	Audience string `json:"audience,omitempty" validate:"max=200"`
	MaxIdeas int    `json:"max_ideas,omitempty" validate:"gte=0,lte=50"`
}

func (r *ResearchRequest) defaults() {
	if r.MaxIdeas == 0 {
		r.MaxIdeas = 10
	}
}

// ResearchResult is the result payload of a research task.
type ResearchResult struct {
	Keyword         string   `json:"keyword"`
	Summary         string   `json:"summary"`
	RelatedKeywords []string `json:"related_keywords"`
	Questions       []string `json:"questions"`
}

// OutlineRequest is the payload of an outline task.
type OutlineRequest struct {
	Topic    string   `json:"topic" validate:"required,max=300"`
	Keywords []string `json:"keywords,omitempty" validate:"max=20,dive,required"`
	Sections int      `json:"sections,omitempty" validate:"gte=0,lte=20"`
}

func (r *OutlineRequest) defaults() {
	if r.Sections == 0 {
		r.Sections = 5
	}
}

// OutlineSection is one heading of an outline.
type OutlineSection struct {
	Heading string   `json:"heading"`
	Points  []string `json:"points"`
}

// OutlineResult is the result payload of an outline task.
type OutlineResult struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// ContentRequest is the payload of a content task.
type ContentRequest struct {
	Title     string   `json:"title" validate:"required,max=300"`
	Outline   []string `json:"outline" validate:"required,min=1,max=30,dive,required"`
	Tone      string   `json:"tone,omitempty" validate:"omitempty,oneof=neutral friendly formal technical"`
	WordCount int      `json:"word_count,omitempty" validate:"gte=0,lte=5000"`
}

func (r *ContentRequest) defaults() {
	if r.WordCount == 0 {
		r.WordCount = 800
	}
}

// ContentResult is the result payload of a content task.
type ContentResult struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	WordCount int    `json:"word_count"`
}

// SEORequest is the payload of an SEO review task.
type SEORequest struct {
	Title    string   `json:"title" validate:"required,max=300"`
	Content  string   `json:"content" validate:"required,max=100000"`
	Keywords []string `json:"keywords,omitempty" validate:"max=20,dive,required"`
}

func (r *SEORequest) defaults() {}

// SEOResult is the result payload of an SEO review task.
type SEOResult struct {
	MetaTitle       string   `json:"meta_title"`
	MetaDescription string   `json:"meta_description"`
	Slug            string   `json:"slug"`
	Score           int      `json:"score"`
	Suggestions     []string `json:"suggestions"`
}

// validationError converts validator errors into a domain.ValidationError
// naming the first offending field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domain.NewValidationError(
			fe.Field(),
			fmt.Sprintf("failed %q validation", fe.Tag()),
			domain.ErrValidation,
		)
	}
	return domain.NewValidationError("request_payload", err.Error(), domain.ErrValidation)
}
