package observerproto

import "chunkclaims.ai/internal/notify"

// Version is the event stream protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
	TypeLagged    = "LAGGED"
)

// Client -> Server. First message on the connection; can be re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Kinds limits the stream to these event kinds. Empty means every kind.
	Kinds []string `json:"kinds,omitempty"`
	// Player and ClaimID, when set, keep only events about that player or claim.
	Player  string `json:"player,omitempty"`
	ClaimID int64  `json:"claim_id,omitempty"`
}

// Server -> Client.
type EventMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Seq             uint64       `json:"seq"`
	Event           notify.Event `json:"event"`
}

// LaggedMsg tells a slow client how many events it missed.
type LaggedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Dropped         uint64 `json:"dropped"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Kinds           []string `json:"kinds"`
	Sessions        int      `json:"sessions"`
	Seq             uint64   `json:"seq"`
}

// AllKinds lists every event kind a subscriber can ask for.
func AllKinds() []string {
	kinds := []notify.Kind{
		notify.KindChunkClaimed,
		notify.KindChunkUnclaimed,
		notify.KindClaimsMerged,
		notify.KindClaimDeleted,
		notify.KindCapacityIncreased,
		notify.KindUpkeepCharged,
		notify.KindGraceEntered,
		notify.KindGraceRecovered,
		notify.KindAtRisk,
		notify.KindChunksRevoked,
		notify.KindBankDeposit,
		notify.KindBankWithdraw,
		notify.KindRefundFailed,
	}
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}
