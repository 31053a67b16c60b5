// Package pricing prices chunk purchases.
package pricing

import (
	"math"

	"chunkclaims.ai/internal/claims/model"
)

// Unavailable is returned when a chunk cannot be bought at any price.
const Unavailable model.Money = -1

type Table struct {
	Base model.Money
	Step model.Money

	// OrderMultiplier raises prices for a player's later claims: x(1 + m*(order-1)).
	OrderMultiplier float64
	MaxPerClaim     int
	Sizes           []int
}

// Price is the cost of the n-th chunk (1-based) bought into a claim that was its owner's claimOrder-th.
func (t Table) Price(n, claimOrder int) model.Money {
	if n <= 0 {
		return Unavailable
	}
	if t.MaxPerClaim > 0 && n > t.MaxPerClaim {
		return Unavailable
	}
	if claimOrder < 1 {
		claimOrder = 1
	}
	base := t.Base + t.Step*model.Money(n-1)
	return base.MulRate(1 + t.OrderMultiplier*float64(claimOrder-1))
}

// Range prices amount chunks following the already purchased ones.
func (t Table) Range(purchased, amount, claimOrder int) model.Money {
	if amount <= 0 {
		return Unavailable
	}
	var total model.Money
	for i := 1; i <= amount; i++ {
		p := t.Price(purchased+i, claimOrder)
		if p == Unavailable {
			return Unavailable
		}
		if total > math.MaxInt64-p {
			return Unavailable
		}
		total += p
	}
	return total
}

func (t Table) AllowedSize(amount int) bool {
	for _, s := range t.Sizes {
		if s == amount {
			return true
		}
	}
	return false
}
