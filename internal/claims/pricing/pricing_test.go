package pricing

import (
	"testing"

	"chunkclaims.ai/internal/claims/model"
)

func table() Table {
	return Table{Base: 10000, Step: 500, OrderMultiplier: 0.5, MaxPerClaim: 10, Sizes: []int{1, 5, 10}}
}

func TestPriceMonotonicInN(t *testing.T) {
	tb := table()
	prev := model.Money(0)
	for n := 1; n <= tb.MaxPerClaim; n++ {
		p := tb.Price(n, 1)
		if p < prev {
			t.Fatalf("price decreased at n=%d: %v < %v", n, p, prev)
		}
		prev = p
	}
	if got := tb.Price(1, 1); got != 10000 {
		t.Fatalf("expected first chunk at $100, got %v", got)
	}
}

func TestPriceScalesWithClaimOrder(t *testing.T) {
	tb := table()
	if a, b := tb.Price(1, 1), tb.Price(1, 3); b != 20000 || a >= b {
		t.Fatalf("expected third claim to cost double, got %v and %v", a, b)
	}
}

func TestPriceCap(t *testing.T) {
	tb := table()
	if tb.Price(11, 1) != Unavailable {
		t.Fatalf("expected unavailable past the per-claim cap")
	}
	if tb.Range(8, 5, 1) != Unavailable {
		t.Fatalf("expected range crossing the cap to be unavailable")
	}
	if got := tb.Range(0, 2, 1); got != 10000+10500 {
		t.Fatalf("unexpected range price %v", got)
	}
}

func TestAllowedSize(t *testing.T) {
	tb := table()
	if !tb.AllowedSize(5) || tb.AllowedSize(3) {
		t.Fatalf("unexpected size validation")
	}
}
