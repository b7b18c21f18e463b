package ranking

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/models"
)

// LeaderboardSize is how many entries are returned alongside a top-ranked result.
const LeaderboardSize = 5

type Reader interface {
	BestAttempts(ctx context.Context, levelID int64, higherIsBetter bool) ([]models.AttemptRecord, error)
	TopAttempts(ctx context.Context, levelID int64, higherIsBetter bool, k int) ([]models.AttemptRecord, error)
	GetProfiles(ctx context.Context, userIDs []int64) (map[int64]models.Profile, error)
}

type Service struct {
	reader Reader
	log    *logger.Logger
}

func NewService(reader Reader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{reader: reader, log: log.With("component", "ranking")}
}

// Percentile is round(100 * worse / others), or 100 when there are no others.
func Percentile(worse, others int) int {
	if others <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(worse) / float64(others)))
}

// standing counts peers strictly better and strictly worse than v.
func standing(v float64, peers []float64, higherIsBetter bool) (better, worse int) {
	for _, p := range peers {
		switch {
		case p == v:
		case (p > v) == higherIsBetter:
			better++
		default:
			worse++
		}
	}
	return better, worse
}

func metric(a models.AttemptRecord, higherIsBetter bool) float64 {
	if higherIsBetter {
		return float64(a.Score)
	}
	return a.TimeSecs
}

// Summarize places attempt among every other user's best attempt on the level.
func (s *Service) Summarize(ctx context.Context, level models.Level, attempt models.AttemptRecord) (*models.RankingSummary, error) {
	higher := level.HigherIsBetter()

	var best, top []models.AttemptRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		best, err = s.reader.BestAttempts(gctx, level.ID, higher)
		return err
	})
	g.Go(func() error {
		var err error
		top, err = s.reader.TopAttempts(gctx, level.ID, higher, LeaderboardSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}

	var scores, times, primary []float64
	for _, p := range best {
		if p.UserID == attempt.UserID {
			continue
		}
		scores = append(scores, float64(p.Score))
		times = append(times, p.TimeSecs)
		primary = append(primary, metric(p, higher))
	}

	better, worse := standing(metric(attempt, higher), primary, higher)
	_, scoreWorse := standing(float64(attempt.Score), scores, true)
	_, timeWorse := standing(attempt.TimeSecs, times, false)

	summary := &models.RankingSummary{
		Rank:            better + 1,
		Percentile:      Percentile(worse, len(primary)),
		ScorePercentile: Percentile(scoreWorse, len(scores)),
		TimePercentile:  Percentile(timeWorse, len(times)),
		Peers:           len(primary),
	}

	if summary.Rank <= LeaderboardSize {
		entries, err := s.withProfiles(ctx, top)
		if err != nil {
			// The summary is still useful without display names.
			s.log.Warn("leaderboard profiles unavailable", "level_id", level.ID, "error", err)
		} else {
			summary.Leaderboard = entries
		}
	}
	return summary, nil
}

// Leaderboard returns the best k users on the level with display data.
func (s *Service) Leaderboard(ctx context.Context, level models.Level, k int) ([]models.LeaderboardEntry, error) {
	top, err := s.reader.TopAttempts(ctx, level.ID, level.HigherIsBetter(), k)
	if err != nil {
		return nil, fmt.Errorf("top attempts: %w", err)
	}
	return s.withProfiles(ctx, top)
}

func (s *Service) withProfiles(ctx context.Context, top []models.AttemptRecord) ([]models.LeaderboardEntry, error) {
	ids := make([]int64, len(top))
	for i, a := range top {
		ids[i] = a.UserID
	}
	profiles, err := s.reader.GetProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}

	entries := make([]models.LeaderboardEntry, 0, len(top))
	for i, a := range top {
		p, ok := profiles[a.UserID]
		if !ok {
			p = models.Profile{UserID: a.UserID, DisplayName: fmt.Sprintf("Player %d", a.UserID)}
		}
		entries = append(entries, models.LeaderboardEntry{
			Rank:     i + 1,
			Profile:  p,
			Score:    a.Score,
			TimeSecs: a.TimeSecs,
		})
	}
	return entries, nil
}
