package rating

import (
	"math"
	"time"

	"github.com/lsat-prep/assessment/internal/models"
)

// Decay returns the learner's rating at session start. A nil prior yields the
// default rating. Otherwise sigma grows by sigma*(1 - e^(-k*days)) for each
// whole day since the learner last played; mu is unchanged.
func (p Params) Decay(prior *models.LearnerRating, now time.Time) models.Rating {
	if prior == nil {
		return p.DefaultLearner
	}
	r := prior.Rating()
	days := math.Floor(now.Sub(prior.LastPlayedAt).Hours() / 24)
	if days > 0 {
		r.Sigma += r.Sigma * (1 - math.Exp(-p.DecayConst*days))
	}
	return p.clamp(r)
}
