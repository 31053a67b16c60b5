package purchase

import "fmt"

// Status is the closed set of purchase outcomes.
type Status int

const (
	Success Status = iota + 1
	InvalidAmount
	MaxReached
	UnknownClaim
	NotOwner
	InsufficientFunds
	EconomyUnavailable
	// NotReady means the claim or pool is not cached yet; retry, ideally off the tick loop.
	NotReady
	// Conflict means the claim changed between the quote and the commit. The payment was refunded.
	Conflict
	DatabaseError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case InvalidAmount:
		return "INVALID_AMOUNT"
	case MaxReached:
		return "MAX_REACHED"
	case UnknownClaim:
		return "UNKNOWN_CLAIM"
	case NotOwner:
		return "NOT_OWNER"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case EconomyUnavailable:
		return "ECONOMY_UNAVAILABLE"
	case NotReady:
		return "NOT_READY"
	case Conflict:
		return "CONFLICT"
	case DatabaseError:
		return "DATABASE_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// AllocStatus is the closed set of allocation outcomes.
type AllocStatus int

const (
	AllocSuccess AllocStatus = iota + 1
	AllocInvalidAmount
	AllocUnknownClaim
	AllocNotOwner
	AllocInsufficientPool
	AllocCeilingReached
	AllocDatabaseError
)

func (s AllocStatus) String() string {
	switch s {
	case AllocSuccess:
		return "SUCCESS"
	case AllocInvalidAmount:
		return "INVALID_AMOUNT"
	case AllocUnknownClaim:
		return "UNKNOWN_CLAIM"
	case AllocNotOwner:
		return "NOT_OWNER"
	case AllocInsufficientPool:
		return "INSUFFICIENT_POOL"
	case AllocCeilingReached:
		return "CEILING_REACHED"
	case AllocDatabaseError:
		return "DATABASE_ERROR"
	default:
		return fmt.Sprintf("AllocStatus(%d)", int(s))
	}
}

type Kind string

const (
	KindDirect Kind = "direct"
	KindPool   Kind = "pool"
)
