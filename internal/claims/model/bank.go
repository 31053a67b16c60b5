package model

import (
	"fmt"
	"time"
)

// Money is a signed currency amount in minor units (cents).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

func Dollars(d int64) Money { return Money(d * 100) }

// MulRate scales m by r and rounds half away from zero to the nearest cent.
func (m Money) MulRate(r float64) Money {
	v := float64(m) * r
	if v < 0 {
		return Money(v - 0.5)
	}
	return Money(v + 0.5)
}

type ClaimBank struct {
	ClaimID int64
	Balance Money

	// NextUpkeepDue and GracePeriodStart are mutually exclusive.
	NextUpkeepDue    *time.Time
	GracePeriodStart *time.Time
	// GraceAmountDue is the upkeep cost observed when the claim entered (or last stayed in) grace.
	GraceAmountDue Money
	LastUpkeepAt   *time.Time
}

func (b ClaimBank) InGrace() bool { return b.GracePeriodStart != nil }

type TxKind string

const (
	TxDeposit  TxKind = "DEPOSIT"
	TxWithdraw TxKind = "WITHDRAW"
	TxUpkeep   TxKind = "UPKEEP"
	TxTax      TxKind = "TAX"
)

// BankTransaction is an immutable ledger entry.
type BankTransaction struct {
	ID        string    `json:"id"`
	ClaimID   int64     `json:"claim_id"`
	Kind      TxKind    `json:"kind"`
	Actor     string    `json:"actor"`
	Amount    Money     `json:"amount"`
	Balance   Money     `json:"balance"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
