package allocator

import (
	"context"
	"fmt"
)

const (
	initialHalfWidth = 1.0
	widenStep        = 0.5
)

// skillWindow collects unseen questions rated near the learner's mu, widening
// the window until 2N candidates are found, an iteration adds nothing, or the
// iteration cap is reached. The superset is shuffled and the first N returned.
func (a *Allocator) skillWindow(ctx context.Context, src Source, req Request) (*Allocation, error) {
	scope := Scope{ChapterID: req.Level.ChapterID}
	target := 2 * req.N
	lo, hi := req.LearnerMu-initialHalfWidth, req.LearnerMu+initialHalfWidth

	found, err := src.QuestionIDsInRange(ctx, scope, lo, hi, req.Exclude, target)
	if err != nil {
		return nil, fmt.Errorf("fetch skill window: %w", err)
	}

	for iter := 0; len(found) < target && iter < a.opts.MaxWidenIterations; iter++ {
		lo -= widenStep
		hi += widenStep
		exclude := append(append([]int64(nil), req.Exclude...), found...)
		more, err := src.QuestionIDsInRange(ctx, scope, lo, hi, exclude, target-len(found))
		if err != nil {
			return nil, fmt.Errorf("widen skill window: %w", err)
		}
		if len(more) == 0 {
			a.log.Debug("skill window stalled", "user_id", req.UserID, "found", len(found), "lo", lo, "hi", hi)
			break
		}
		found = append(found, more...)
	}

	shuffleIDs(a.shuffler, found)
	if len(found) > req.N {
		found = found[:req.N]
	}
	if len(found) > 0 {
		return &Allocation{QuestionIDs: found, Tier: TierPrimary}, nil
	}

	ids, err := a.globalFill(ctx, src, nil, req.N, req.Exclude)
	if err != nil {
		return nil, err
	}
	a.log.Warn("skill window empty, sampled global corpus", "user_id", req.UserID, "chapter_id", req.Level.ChapterID, "got", len(ids))
	return &Allocation{QuestionIDs: ids, Tier: TierGlobal}, nil
}
