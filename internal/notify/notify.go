// Package notify carries fire-and-forget events to optional observers (chat, maps, the websocket stream).
// Observers never affect the operation that produced the event.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/model"
)

type Kind string

const (
	KindChunkClaimed      Kind = "CHUNK_CLAIMED"
	KindChunkUnclaimed    Kind = "CHUNK_UNCLAIMED"
	KindClaimsMerged      Kind = "CLAIMS_MERGED"
	KindClaimDeleted      Kind = "CLAIM_DELETED"
	KindCapacityIncreased Kind = "CAPACITY_INCREASED"
	KindUpkeepCharged     Kind = "UPKEEP_CHARGED"
	KindGraceEntered      Kind = "GRACE_ENTERED"
	KindGraceRecovered    Kind = "GRACE_RECOVERED"
	KindAtRisk            Kind = "AT_RISK"
	KindChunksRevoked     Kind = "CHUNKS_REVOKED"
	KindBankDeposit       Kind = "BANK_DEPOSIT"
	KindBankWithdraw      Kind = "BANK_WITHDRAW"
	KindRefundFailed      Kind = "REFUND_FAILED"
)

type Event struct {
	Kind    Kind             `json:"kind"`
	ClaimID int64            `json:"claim_id,omitempty"`
	Player  string           `json:"player,omitempty"`
	Amount  model.Money      `json:"amount_cents,omitempty"`
	Chunks  []model.ChunkPos `json:"chunks,omitempty"`
	// Deadline is set on AT_RISK events: when revocation may start.
	Deadline *time.Time `json:"deadline,omitempty"`
	Message  string     `json:"message,omitempty"`
	At       time.Time  `json:"at"`
}

type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Nop is the observer used when nothing is listening.
type Nop struct{}

func (Nop) Notify(Event) {}

func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// Multi fans an event out to every observer; a panicking observer is logged and skipped.
type Multi struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *zap.Logger
}

func NewMulti(logger *zap.Logger, observers ...Observer) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multi{logger: logger}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	return m
}

func (m *Multi) Add(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Multi) Notify(e Event) {
	m.mu.RLock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range obs {
		Safe(m.logger, o, e)
	}
}

// Safe delivers e to o, recovering from observer panics.
func Safe(logger *zap.Logger, o Observer, e Event) {
	if o == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Warn("observer panicked",
				zap.String("kind", string(e.Kind)),
				zap.Int64("claim_id", e.ClaimID),
				zap.Any("panic", r))
		}
	}()
	o.Notify(e)
}

// Recorder keeps every event it sees. Tests use it to assert on notifications.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
