// Package risk turns an entity count into a risk score and category.
//
// score.go provides the pure Score(count, threshold) function:
//
//	ratio = min(count/threshold, 2)
//	ratio < 1:  score = round(ratio^1.8 * 60)
//	ratio >= 1: score = round(60 + (ratio-1) * 80)
//
// clamped to 0–100. Crossing the threshold lands exactly on 60.
//
// Category thresholds: Low <30, Moderate 30–59, High 60–79, Critical ≥80.
package risk
