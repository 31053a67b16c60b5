package ownership

import "fmt"

// ClaimStatus is the closed set of outcomes for claim, unclaim, merge and delete.
type ClaimStatus int

const (
	Claimed ClaimStatus = iota + 1
	Unclaimed
	Merged
	Deleted
	InvalidRequest
	WorldNotAllowed
	AlreadyOwned
	OwnedByOther
	// NoChunksLeft means the claim is full and the owner's pool has nothing to allocate.
	NoChunksLeft
	TooManyClaims
	ClaimTooLarge
	NotClaimed
	UnknownClaim
	NotOwner
	// NotMergeable means the claims differ in owner or world, or do not touch.
	NotMergeable
	DatabaseError
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "CLAIMED"
	case Unclaimed:
		return "UNCLAIMED"
	case Merged:
		return "MERGED"
	case Deleted:
		return "DELETED"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case WorldNotAllowed:
		return "WORLD_NOT_ALLOWED"
	case AlreadyOwned:
		return "ALREADY_OWNED"
	case OwnedByOther:
		return "OWNED_BY_OTHER"
	case NoChunksLeft:
		return "NO_CHUNKS_LEFT"
	case TooManyClaims:
		return "TOO_MANY_CLAIMS"
	case ClaimTooLarge:
		return "CLAIM_TOO_LARGE"
	case NotClaimed:
		return "NOT_CLAIMED"
	case UnknownClaim:
		return "UNKNOWN_CLAIM"
	case NotOwner:
		return "NOT_OWNER"
	case NotMergeable:
		return "NOT_MERGEABLE"
	case DatabaseError:
		return "DATABASE_ERROR"
	default:
		return fmt.Sprintf("ClaimStatus(%d)", int(s))
	}
}

// Ok reports whether s is a successful outcome.
func (s ClaimStatus) Ok() bool {
	return s == Claimed || s == Unclaimed || s == Merged || s == Deleted
}
