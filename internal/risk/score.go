package risk

import (
	"math"

	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// Curve constants for the score formula.
const (
	// maxRatio caps count/threshold before scoring.
	maxRatio = 2.0

	// subThresholdExponent shapes the curve below the threshold so light
	// crowding stays low and the approach to the threshold climbs quickly.
	subThresholdExponent = 1.8

	// thresholdScore is the score at exactly count == threshold.
	thresholdScore = 60.0

	// overThresholdSlope is the score gained per unit of ratio above 1.
	overThresholdSlope = 80.0
)

// Category boundaries. A score belongs to the highest bucket whose lower
// bound it reaches.
const (
	ModerateFrom = 30
	HighFrom     = 60
	CriticalFrom = 80
)

// Assessment is the score and category derived from one count.
type Assessment struct {
	Score    int
	Category types.Category
}

// Score returns the risk score in [0, 100] for count against threshold.
//
// Negative counts are treated as 0. A non-positive threshold cannot be
// produced by a validated config; Score still answers for it by treating
// any positive count as saturated.
func Score(count, threshold int) int {
	if count <= 0 {
		return 0
	}
	if threshold <= 0 {
		return 100
	}

	ratio := math.Min(float64(count)/float64(threshold), maxRatio)

	var score float64
	if ratio < 1 {
		score = math.Round(math.Pow(ratio, subThresholdExponent) * thresholdScore)
	} else {
		score = math.Round(thresholdScore + (ratio-1)*overThresholdSlope)
	}
	return clamp(int(score), 0, 100)
}

// Categorize maps a score to its risk category.
func Categorize(score int) types.Category {
	switch {
	case score < ModerateFrom:
		return types.Low
	case score < HighFrom:
		return types.Moderate
	case score < CriticalFrom:
		return types.High
	default:
		return types.Critical
	}
}

// Assess scores count against threshold and categorizes the result.
func Assess(count, threshold int) Assessment {
	s := Score(count, threshold)
	return Assessment{Score: s, Category: Categorize(s)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
