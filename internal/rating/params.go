package rating

import (
	"math"

	"github.com/lsat-prep/assessment/internal/config"
	"github.com/lsat-prep/assessment/internal/models"
)

// Params are the tunables of the update, correction and decay rules.
type Params struct {
	MuMin           float64
	SigmaMin        float64
	LTScaling       float64
	GTScaling       float64
	DecayConst      float64
	MinHistory      int
	Beta            float64
	Tau             float64
	DefaultLearner  models.Rating
	DefaultQuestion models.Rating

	RatingDefault    int
	RatingMultiplier int
	RatingMax        int
}

func ParamsFromConfig(c config.EngineConfig) Params {
	return Params{
		MuMin:            c.MuMin,
		SigmaMin:         c.SigmaMin,
		LTScaling:        c.SigmaLTScalingFactor,
		GTScaling:        c.SigmaGTScalingFactor,
		DecayConst:       c.SigmaDecayConst,
		MinHistory:       c.MinHistory,
		Beta:             c.Beta,
		Tau:              c.Tau,
		DefaultLearner:   models.Rating{Mu: c.DefaultLearnerMu, Sigma: c.DefaultLearnerSigma},
		DefaultQuestion:  models.Rating{Mu: c.DefaultQuestionMu, Sigma: c.DefaultQuestionSigma},
		RatingDefault:    c.RatingDefault,
		RatingMultiplier: c.RatingMultiplier,
		RatingMax:        c.RatingMax,
	}
}

func DefaultParams() Params {
	return ParamsFromConfig(config.DefaultEngine())
}

func (p Params) clamp(r models.Rating) models.Rating {
	if r.Mu < p.MuMin || math.IsNaN(r.Mu) {
		r.Mu = p.MuMin
	}
	if r.Sigma < p.SigmaMin || math.IsNaN(r.Sigma) {
		r.Sigma = p.SigmaMin
	}
	return r
}

// DisplayRating converts a learner's mu to the integer rating shown to users:
// default + round(mu * multiplier), capped at the maximum.
func (p Params) DisplayRating(mu float64) int {
	r := p.RatingDefault + int(math.Round(mu*float64(p.RatingMultiplier)))
	if r > p.RatingMax {
		return p.RatingMax
	}
	if r < 0 {
		return 0
	}
	return r
}
