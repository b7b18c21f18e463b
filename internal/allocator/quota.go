package allocator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/lsat-prep/assessment/internal/models"
)

// buckets is a unit pool partitioned by the learner's history.
type buckets struct {
	wrong   []int64 // oldest first
	fresh   []int64
	correct []int64 // oldest first
}

func partition(pool []models.Question, hist *models.QuestionHistory) buckets {
	inPool := lo.SliceToMap(pool, func(q models.Question) (int64, bool) { return q.ID, true })

	var b buckets
	seen := make(map[int64]bool)
	if hist != nil {
		for _, h := range oldestFirst(hist.Wrong) {
			if inPool[h.QuestionID] && !seen[h.QuestionID] {
				b.wrong = append(b.wrong, h.QuestionID)
				seen[h.QuestionID] = true
			}
		}
		for _, h := range oldestFirst(hist.Correct) {
			if inPool[h.QuestionID] && !seen[h.QuestionID] {
				b.correct = append(b.correct, h.QuestionID)
				seen[h.QuestionID] = true
			}
		}
	}
	for _, q := range pool {
		if !seen[q.ID] {
			b.fresh = append(b.fresh, q.ID)
			seen[q.ID] = true
		}
	}
	return b
}

func oldestFirst(items []models.HistoryItem) []models.HistoryItem {
	out := append([]models.HistoryItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AnsweredAt.Before(out[j].AnsweredAt) })
	return out
}

// selection is the outcome of a quota pick over one bucket set.
type selection struct {
	ids      []int64
	consumed []int64 // ids taken from the wrong or correct buckets
}

// pickQuota takes up to ceil(ratio*n) oldest wrong items, fills from shuffled
// fresh items, then backfills from the oldest correct items.
func (a *Allocator) pickQuota(b buckets, n int) selection {
	var sel selection
	wrongQuota := int(math.Ceil(a.opts.WrongQuotaRatio * float64(n)))

	take := min(wrongQuota, len(b.wrong), n)
	sel.ids = append(sel.ids, b.wrong[:take]...)
	sel.consumed = append(sel.consumed, b.wrong[:take]...)

	fresh := append([]int64(nil), b.fresh...)
	shuffleIDs(a.shuffler, fresh)
	take = min(n-len(sel.ids), len(fresh))
	sel.ids = append(sel.ids, fresh[:take]...)

	take = min(n-len(sel.ids), len(b.correct))
	sel.ids = append(sel.ids, b.correct[:take]...)
	sel.consumed = append(sel.consumed, b.correct[:take]...)
	return sel
}

// quota allocates for a unit-bound level. Fallback tiers, in order: the unit
// without its topic constraint, the enclosing chapter, the global corpus.
func (a *Allocator) quota(ctx context.Context, src Source, req Request) (*Allocation, error) {
	level := req.Level
	excluded := lo.SliceToMap(req.Exclude, func(id int64) (int64, bool) { return id, true })

	unitPool, err := src.ActiveQuestions(ctx, Scope{ChapterID: level.ChapterID, UnitID: level.UnitID})
	if err != nil {
		return nil, fmt.Errorf("load unit pool: %w", err)
	}
	unitPool = lo.Filter(unitPool, func(q models.Question, _ int) bool { return !excluded[q.ID] })

	hist, err := src.GetQuestionHistory(ctx, req.UserID, level.UnitID)
	if err != nil {
		return nil, fmt.Errorf("load question history: %w", err)
	}

	eligible := lo.Filter(unitPool, func(q models.Question, _ int) bool {
		return topicsAllowed(q.Topics, level.AllowedTopics)
	})
	sel := a.pickQuota(partition(eligible, hist), req.N)
	tier := TierPrimary

	if len(sel.ids) < req.N {
		tier = TierUnitRelaxed
		relaxed := lo.Filter(unitPool, func(q models.Question, _ int) bool { return !lo.Contains(sel.ids, q.ID) })
		more := a.pickQuota(partition(relaxed, hist), req.N-len(sel.ids))
		sel.ids = append(sel.ids, more.ids...)
		sel.consumed = append(sel.consumed, more.consumed...)
	}

	if len(sel.ids) < req.N && level.ChapterID != 0 {
		tier = TierChapter
		chapterPool, err := src.ActiveQuestions(ctx, Scope{ChapterID: level.ChapterID})
		if err != nil {
			return nil, fmt.Errorf("load chapter pool: %w", err)
		}
		candidates := lo.FilterMap(chapterPool, func(q models.Question, _ int) (int64, bool) {
			return q.ID, !excluded[q.ID] && !lo.Contains(sel.ids, q.ID)
		})
		shuffleIDs(a.shuffler, candidates)
		take := min(req.N-len(sel.ids), len(candidates))
		sel.ids = append(sel.ids, candidates[:take]...)
	}

	if len(sel.ids) < req.N {
		tier = TierGlobal
		sel.ids, err = a.globalFill(ctx, src, sel.ids, req.N, req.Exclude)
		if err != nil {
			return nil, err
		}
	}

	if tier != TierPrimary {
		a.log.Info("allocation fell back", "user_id", req.UserID, "level_id", level.ID, "tier", int(tier), "got", len(sel.ids), "want", req.N)
	}

	shuffleIDs(a.shuffler, sel.ids)

	retract := append([]int64(nil), sel.consumed...)
	retract = append(retract, staleHistory(hist, unitPool, excluded)...)
	retract = lo.Uniq(retract)
	if len(retract) > 0 {
		if err := src.RetractHistory(ctx, req.UserID, level.UnitID, retract); err != nil {
			return nil, fmt.Errorf("retract question history: %w", err)
		}
	}

	return &Allocation{QuestionIDs: sel.ids, Tier: tier, Retracted: retract}, nil
}

// staleHistory lists history ids that are no longer active in the unit.
func staleHistory(hist *models.QuestionHistory, unitPool []models.Question, excluded map[int64]bool) []int64 {
	if hist == nil {
		return nil
	}
	active := lo.SliceToMap(unitPool, func(q models.Question) (int64, bool) { return q.ID, true })
	var stale []int64
	for _, h := range append(append([]models.HistoryItem(nil), hist.Wrong...), hist.Correct...) {
		if !active[h.QuestionID] && !excluded[h.QuestionID] {
			stale = append(stale, h.QuestionID)
		}
	}
	return stale
}
