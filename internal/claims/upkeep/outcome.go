package upkeep

import (
	"fmt"
	"time"
)

// ChargeOutcome is what one billing or grace step did to a claim.
type ChargeOutcome int

const (
	Charged ChargeOutcome = iota + 1
	EnteredGrace
	Recovered
	Revoked
	StillInGrace
	// Raced means the bank changed under the step; another writer already settled it.
	Raced
	// NotInGrace is reported by TryRecover for claims that owe nothing.
	NotInGrace
	Skipped
	Failed
)

func (o ChargeOutcome) String() string {
	switch o {
	case Charged:
		return "charged"
	case EnteredGrace:
		return "entered_grace"
	case Recovered:
		return "recovered"
	case Revoked:
		return "revoked"
	case StillInGrace:
		return "still_in_grace"
	case Raced:
		return "raced"
	case NotInGrace:
		return "not_in_grace"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ChargeOutcome(%d)", int(o))
	}
}

// SweepReport counts outcomes of one sweep.
type SweepReport struct {
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Due      map[string]int `json:"due"`
	Grace    map[string]int `json:"grace"`
	AtRisk   int            `json:"at_risk"`
	Revoked  int            `json:"chunks_revoked"`
}

func newReport(started time.Time) SweepReport {
	return SweepReport{Started: started, Due: map[string]int{}, Grace: map[string]int{}}
}
