package upkeep

import (
	"time"

	"chunkclaims.ai/internal/claims/model"
)

// NextDue advances a schedule by one interval from the previous due time, so a late sweep does
// not push every later charge back. A claim with no schedule yet starts from now.
func NextDue(now, due time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return due
	}
	if due.IsZero() {
		return now.Add(interval)
	}
	return due.Add(interval)
}

// Cost is the upkeep for chunks at perChunk, less the discount (clamped to [0, 1]).
func Cost(chunks int, perChunk model.Money, discount float64) model.Money {
	if chunks <= 0 || perChunk <= 0 {
		return 0
	}
	if discount < 0 {
		discount = 0
	}
	if discount > 1 {
		discount = 1
	}
	return (perChunk * model.Money(chunks)).MulRate(1 - discount)
}

// EffectiveDiscount is the larger of a claim's own discount and its level discount.
func EffectiveDiscount(claim, level float64) float64 {
	return max(claim, level)
}
