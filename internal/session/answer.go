package session

import (
	"github.com/samber/lo"

	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/models"
)

type AnswerKind int

const (
	AnswerNone AnswerKind = iota
	AnswerSingle
	AnswerMultiple
)

// Answer is a submitted response in one of three shapes: nothing, one option
// index, or a set of option indices.
type Answer struct {
	Kind    AnswerKind
	Indices []int
}

// NormalizeAnswer converts a request body into an Answer.
func NormalizeAnswer(req models.AnswerRequest) (Answer, error) {
	switch {
	case req.Answer != nil && len(req.Answers) > 0:
		return Answer{}, apperr.New(apperr.ValidationError, "answer and answers are mutually exclusive")
	case req.Answer != nil:
		if *req.Answer < 0 {
			return Answer{}, apperr.New(apperr.ValidationError, "answer index must be non-negative, got %d", *req.Answer)
		}
		return Answer{Kind: AnswerSingle, Indices: []int{*req.Answer}}, nil
	case len(req.Answers) > 0:
		for _, i := range req.Answers {
			if i < 0 {
				return Answer{}, apperr.New(apperr.ValidationError, "answer index must be non-negative, got %d", i)
			}
		}
		return Answer{Kind: AnswerMultiple, Indices: lo.Uniq(req.Answers)}, nil
	default:
		return Answer{Kind: AnswerNone}, nil
	}
}

// IsCorrect checks the answer against the question's set of correct indices.
// A multiple answer must match the set exactly; no answer is never correct.
func (a Answer) IsCorrect(correct []int) bool {
	if len(correct) == 0 {
		return false
	}
	switch a.Kind {
	case AnswerSingle:
		return lo.Contains(correct, a.Indices[0])
	case AnswerMultiple:
		set := lo.Uniq(correct)
		return len(a.Indices) == len(set) && lo.Every(set, a.Indices)
	default:
		return false
	}
}

// Validate rejects indices that do not name one of the question's options.
// A question stored without options accepts any non-negative index.
func (a Answer) Validate(q models.Question) error {
	if len(q.Options) == 0 {
		return nil
	}
	if bad, ok := lo.Find(a.Indices, func(i int) bool { return i >= len(q.Options) }); ok {
		return apperr.New(apperr.ValidationError, "answer index %d out of range for question %d with %d options", bad, q.ID, len(q.Options))
	}
	return nil
}
