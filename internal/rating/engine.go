package rating

import (
	"math"
	"time"

	"github.com/lsat-prep/assessment/internal/models"
)

// SessionContext is the running tally of the enclosing session, including the
// answer being rated.
type SessionContext struct {
	Attempts int
	Correct  int
}

func (c SessionContext) Accuracy() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Correct) / float64(c.Attempts)
}

func (c SessionContext) next(correct bool) SessionContext {
	c.Attempts++
	if correct {
		c.Correct++
	}
	return c
}

// Outcome is one answered question to be rated.
type Outcome struct {
	UserID     int64
	QuestionID int64
	SessionID  string
	IsCorrect  bool
	// Question is nil when the question has no stored rating yet.
	Question *models.Rating
}

type Result struct {
	Learner  models.Rating
	Question models.Rating
	Entry    models.ChangeLogEntry
}

// Update rates a single answer. ctx must already count this answer.
func (p Params) Update(learner models.Rating, o Outcome, ctx SessionContext, now time.Time) Result {
	question := p.DefaultQuestion
	if o.Question != nil {
		question = *o.Question
	}
	learner = p.clamp(learner)
	question = p.clamp(question)

	var newLearner, newQuestion models.Rating
	if o.IsCorrect {
		newLearner, newQuestion = rate1v1(learner, question, p.Beta, p.Tau)
	} else {
		newQuestion, newLearner = rate1v1(question, learner, p.Beta, p.Tau)
	}
	newLearner = p.clamp(newLearner)
	newQuestion = p.clamp(newQuestion)

	newLearner = p.clamp(p.correctSigma(newLearner, question.Mu, ctx))

	return Result{
		Learner:  newLearner,
		Question: newQuestion,
		Entry: models.ChangeLogEntry{
			UserID:         o.UserID,
			QuestionID:     o.QuestionID,
			SessionID:      o.SessionID,
			IsCorrect:      o.IsCorrect,
			LearnerBefore:  learner,
			LearnerAfter:   newLearner,
			QuestionBefore: question,
			QuestionAfter:  newQuestion,
			CreatedAt:      now,
		},
	}
}

// TargetAccuracy is the accuracy a learner is expected to hold against a
// question of the given difficulty.
func TargetAccuracy(questionMu float64) float64 {
	switch {
	case questionMu <= 10:
		return 0.9
	case questionMu <= 20:
		return 0.8
	default:
		return 0.5
	}
}

// correctSigma widens the learner's sigma when they under-perform the target
// accuracy for this difficulty and narrows it slightly when they over-perform.
func (p Params) correctSigma(learner models.Rating, questionMu float64, ctx SessionContext) models.Rating {
	if ctx.Attempts < p.MinHistory || ctx.Attempts == 0 {
		return learner
	}
	acc := ctx.Accuracy()
	delta := acc - TargetAccuracy(questionMu)
	scaling := p.GTScaling
	if delta < 0 {
		scaling = p.LTScaling
	}
	learner.Sigma += -delta * math.Sqrt(acc*(1-acc)) * scaling
	return learner
}

type BatchResult struct {
	Learner models.Rating
	// Results are in input order.
	Results []Result
}

// UpdateBatch rates several answers from one session. The learner is chained:
// the output of answer i is the input to answer i+1. Each question is rated
// against the learner as it stood entering that position; questions are not
// rated against each other. ctx is the session tally before the batch.
func (p Params) UpdateBatch(learner models.Rating, outcomes []Outcome, ctx SessionContext, now time.Time) BatchResult {
	res := BatchResult{Learner: learner, Results: make([]Result, 0, len(outcomes))}

	// A question repeated inside a batch continues from its updated rating.
	latest := make(map[int64]models.Rating)
	for _, o := range outcomes {
		if r, ok := latest[o.QuestionID]; ok {
			r := r
			o.Question = &r
		}
		ctx = ctx.next(o.IsCorrect)
		r := p.Update(res.Learner, o, ctx, now)
		latest[o.QuestionID] = r.Question
		res.Learner = r.Learner
		res.Results = append(res.Results, r)
	}
	return res
}
