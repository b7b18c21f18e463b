package rating

import (
	"math"

	"github.com/lsat-prep/assessment/internal/models"
)

// pdf and cdf of the standard normal distribution.
func pdf(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func cdf(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// vWin is the additive mean correction for a win with zero draw margin.
func vWin(t float64) float64 {
	denom := cdf(t)
	if denom < 2.222758749e-162 {
		return -t
	}
	return pdf(t) / denom
}

// wWin is the multiplicative variance correction for a win with zero draw margin.
// Always in (0, 1).
func wWin(t float64) float64 {
	v := vWin(t)
	w := v * (v + t)
	if w <= 0 {
		return math.SmallestNonzeroFloat64
	}
	if w >= 1 {
		return 1 - 1e-12
	}
	return w
}

// rate1v1 applies a single TrueSkill update where winner outperformed loser.
func rate1v1(winner, loser models.Rating, beta, tau float64) (models.Rating, models.Rating) {
	wVar := winner.Sigma*winner.Sigma + tau*tau
	lVar := loser.Sigma*loser.Sigma + tau*tau

	c2 := 2*beta*beta + wVar + lVar
	c := math.Sqrt(c2)
	t := (winner.Mu - loser.Mu) / c

	v := vWin(t)
	w := wWin(t)

	newWinner := models.Rating{
		Mu:    winner.Mu + wVar/c*v,
		Sigma: math.Sqrt(wVar * (1 - wVar/c2*w)),
	}
	newLoser := models.Rating{
		Mu:    loser.Mu - lVar/c*v,
		Sigma: math.Sqrt(lVar * (1 - lVar/c2*w)),
	}
	return newWinner, newLoser
}
