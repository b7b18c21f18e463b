package allocator

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/models"
)

// Scope narrows a corpus query. Zero fields mean "any".
type Scope struct {
	ChapterID int64
	UnitID    int64
}

// Corpus is the read-only question catalog.
type Corpus interface {
	// ActiveQuestions returns every active question in scope.
	ActiveQuestions(ctx context.Context, scope Scope) ([]models.Question, error)
	// QuestionIDsInRange returns up to limit active question ids in scope whose
	// rating mu lies in [lo, hi], skipping exclude.
	QuestionIDsInRange(ctx context.Context, scope Scope, lo, hi float64, exclude []int64, limit int) ([]int64, error)
	// RandomQuestionIDs samples up to n active ids from the whole corpus.
	RandomQuestionIDs(ctx context.Context, n int, exclude []int64) ([]int64, error)
}

// History is the learner's per-unit wrong/correct record.
type History interface {
	GetQuestionHistory(ctx context.Context, userID, unitID int64) (*models.QuestionHistory, error)
	RetractHistory(ctx context.Context, userID, unitID int64, questionIDs []int64) error
}

type Source interface {
	Corpus
	History
}

type Options struct {
	MaxWidenIterations int
	WrongQuotaRatio    float64
}

type Allocator struct {
	opts     Options
	shuffler Shuffler
	log      *logger.Logger
}

func New(opts Options, shuffler Shuffler, log *logger.Logger) *Allocator {
	if opts.MaxWidenIterations <= 0 {
		opts.MaxWidenIterations = 20
	}
	if opts.WrongQuotaRatio <= 0 {
		opts.WrongQuotaRatio = 0.3
	}
	if shuffler == nil {
		shuffler = NewShuffler()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Allocator{opts: opts, shuffler: shuffler, log: log.With("component", "allocator")}
}

type Request struct {
	Policy    models.AllocationPolicy
	UserID    int64
	Level     models.Level
	N         int
	LearnerMu float64
	// Exclude lists ids the learner must not be served again.
	Exclude []int64
}

// Tier records which fallback stage completed the allocation.
type Tier int

const (
	TierPrimary Tier = iota
	TierUnitRelaxed
	TierChapter
	TierGlobal
)

type Allocation struct {
	QuestionIDs []int64
	Tier        Tier
	Retracted   []int64
}

// Allocate returns up to req.N distinct question ids under the requested policy.
func (a *Allocator) Allocate(ctx context.Context, src Source, req Request) (*Allocation, error) {
	if req.N <= 0 {
		return nil, apperr.New(apperr.ValidationError, "question count must be positive, got %d", req.N)
	}

	var (
		alloc *Allocation
		err   error
	)
	switch req.Policy {
	case models.PolicySkillWindow:
		alloc, err = a.skillWindow(ctx, src, req)
	case models.PolicyQuota, "":
		alloc, err = a.quota(ctx, src, req)
	default:
		return nil, apperr.New(apperr.ValidationError, "unknown allocation policy %q", req.Policy)
	}
	if err != nil {
		return nil, err
	}

	if len(alloc.QuestionIDs) == 0 {
		return nil, apperr.New(apperr.Exhausted, "no questions available for level %d", req.Level.ID)
	}
	alloc.QuestionIDs = lo.Uniq(alloc.QuestionIDs)
	if len(alloc.QuestionIDs) > req.N {
		alloc.QuestionIDs = alloc.QuestionIDs[:req.N]
	}
	return alloc, nil
}

// globalFill tops ids up to n from the whole corpus.
func (a *Allocator) globalFill(ctx context.Context, src Source, ids []int64, n int, exclude []int64) ([]int64, error) {
	need := n - len(ids)
	if need <= 0 {
		return ids, nil
	}
	more, err := src.RandomQuestionIDs(ctx, need, append(append([]int64(nil), exclude...), ids...))
	if err != nil {
		return nil, fmt.Errorf("sample global corpus: %w", err)
	}
	return append(ids, more...), nil
}

// topicsAllowed reports whether topics is a non-empty subset of allowed. An
// empty allowed list places no constraint.
func topicsAllowed(topics, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	return len(topics) > 0 && lo.Every(allowed, topics)
}
