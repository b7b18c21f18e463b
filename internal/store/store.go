package store

import (
	"context"
	"errors"
	"time"

	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/models"
)

var ErrNotFound = errors.New("not found")

// Tx is every persistence operation the engine performs. The same methods are
// available outside a transaction through Store.
type Tx interface {
	allocator.Corpus
	allocator.History

	// ── Ratings ──
	GetLearnerRating(ctx context.Context, userID int64) (*models.LearnerRating, error)
	UpsertLearnerRating(ctx context.Context, r *models.LearnerRating) error
	GetQuestionRatings(ctx context.Context, questionIDs []int64) (map[int64]models.QuestionRating, error)
	UpsertQuestionRating(ctx context.Context, r models.QuestionRating) error
	AppendChangeLog(ctx context.Context, entries []models.ChangeLogEntry) error

	// ── Corpus ──
	GetQuestions(ctx context.Context, ids []int64) (map[int64]models.Question, error)
	UpsertQuestion(ctx context.Context, q *models.Question) error
	GetLevel(ctx context.Context, levelID int64) (*models.Level, error)
	NextLevel(ctx context.Context, chapterID int64, order int) (*models.Level, error)
	UpsertLevel(ctx context.Context, l *models.Level) error

	// ── History ──
	RecordHistory(ctx context.Context, userID, unitID, questionID int64, correct bool, at time.Time) error

	// ── Sessions ──
	// GetSession locks the session row when called inside a transaction.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetSessionForScope(ctx context.Context, userID, levelID int64) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error

	// ── Topic performance ──
	GetTopicPerformance(ctx context.Context, keys []models.TopicKey) (map[models.TopicKey]*models.TopicPerformance, error)
	SaveTopicPerformance(ctx context.Context, recs []*models.TopicPerformance) error

	// ── Progress ──
	// GetOrCreateProgress locks the progress row when called inside a
	// transaction, so a read-then-spend of health is not raced.
	GetOrCreateProgress(ctx context.Context, userID int64, initialHealth int) (*models.UserProgress, error)
	// AddHealth adds delta to the user's health, clamped to [0, limit], and returns the new value.
	AddHealth(ctx context.Context, userID int64, delta, limit int) (int, error)
	AddCoins(ctx context.Context, userID int64, amount int) error
	GetLevelProgress(ctx context.Context, userID, levelID int64) (*models.LevelProgress, error)
	SaveLevelProgress(ctx context.Context, p *models.LevelProgress) error

	// ── Attempts and profiles ──
	InsertAttempt(ctx context.Context, a *models.AttemptRecord) error
	// BestAttempts returns each user's best attempt on the level, best first.
	BestAttempts(ctx context.Context, levelID int64, higherIsBetter bool) ([]models.AttemptRecord, error)
	// TopAttempts is BestAttempts limited to k rows.
	TopAttempts(ctx context.Context, levelID int64, higherIsBetter bool, k int) ([]models.AttemptRecord, error)
	GetProfiles(ctx context.Context, userIDs []int64) (map[int64]models.Profile, error)
	UpsertUser(ctx context.Context, u *models.User) error
}

type Store interface {
	Tx
	// InTx runs fn in one transaction. A returned error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
