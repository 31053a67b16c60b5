// Package bank holds per-claim balances and their append-only ledger.
//
// Every balance change and its ledger entry commit in one store transaction. The balance cache
// is dropped after the commit and refilled from the store on the next read.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/economy"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
	"chunkclaims.ai/internal/runtime/tick"
)

type Status int

const (
	Success Status = iota + 1
	InvalidAmount
	UnknownClaim
	NotOwner
	InsufficientFunds
	EconomyUnavailable
	NotReady
	DatabaseError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case InvalidAmount:
		return "INVALID_AMOUNT"
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
	case DatabaseError:
		return "DATABASE_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Config struct {
	// UpkeepInterval schedules the first charge of a bank created lazily here.
	UpkeepInterval time.Duration
	CacheSize      int
	RefundAttempts int
	RefundBackoff  time.Duration
}

type Deps struct {
	Store    store.Backend
	Index    *index.Index
	Economy  economy.Provider
	Ledger   ledgerlog.Sink
	Observer notify.Observer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
	// Recover is called after a deposit lands in a claim that is in grace.
	Recover func(ctx context.Context, claimID int64)
}

type Service struct {
	store    store.Backend
	index    *index.Index
	econ     economy.Provider
	ledger   ledgerlog.Sink
	observer notify.Observer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    clock.Clock
	cfg      Config

	recoverMu sync.RWMutex
	recover   func(ctx context.Context, claimID int64)

	cacheMu sync.Mutex
	cache   *lru.Cache[int64, model.ClaimBank]
	gen     uint64
}

func New(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil || d.Index == nil {
		return nil, fmt.Errorf("bank: store and index are required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = ledgerlog.Nop{}
	}
	cache, err := lru.New[int64, model.ClaimBank](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    d.Store,
		index:    d.Index,
		econ:     d.Economy,
		ledger:   d.Ledger,
		observer: notify.OrNop(d.Observer),
		metrics:  d.Metrics,
		logger:   d.Logger,
		clock:    clock.OrSystem(d.Clock),
		cfg:      cfg,
		recover:  d.Recover,
		cache:    cache,
	}, nil
}

// SetRecover installs the grace recovery hook once the upkeep engine exists.
func (s *Service) SetRecover(fn func(ctx context.Context, claimID int64)) {
	s.recoverMu.Lock()
	s.recover = fn
	s.recoverMu.Unlock()
}

type Input struct {
	ClaimID int64
	// Actor is the player (or operator) moving the money.
	Actor  string
	Amount model.Money
	Memo   string
	// Admin skips the ownership check on withdrawals.
	Admin bool
}

type Result struct {
	Status        Status      `json:"-"`
	StatusName    string      `json:"status"`
	ClaimID       int64       `json:"claim_id"`
	Amount        model.Money `json:"amount_cents"`
	Balance       model.Money `json:"balance_cents"`
	TransactionID string      `json:"transaction_id,omitempty"`
	// Recovered is set when a deposit let the claim leave grace.
	Recovered bool  `json:"recovered,omitempty"`
	Refunded  bool  `json:"refunded,omitempty"`
	Err       error `json:"-"`
}

// Balance returns the claim's bank, from cache when possible. It blocks on a miss.
func (s *Service) Balance(ctx context.Context, claimID int64) (model.ClaimBank, error) {
	if b, ok := s.Peek(claimID); ok {
		return b, nil
	}
	if tick.OnLoop(ctx) {
		return model.ClaimBank{}, fmt.Errorf("bank %d: %w", claimID, ErrNotCached)
	}
	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	b, err := s.store.Bank(ctx, claimID)
	if err != nil {
		return b, err
	}
	s.cacheMu.Lock()
	if s.gen == gen {
		s.cache.Add(claimID, b)
	}
	s.cacheMu.Unlock()
	return b, nil
}

// ErrNotCached is returned on the tick loop when a read would have to block on the store.
var ErrNotCached = errors.New("bank not cached")

// Peek is the non-blocking cache read.
func (s *Service) Peek(claimID int64) (model.ClaimBank, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache.Get(claimID)
}

// Invalidate drops the cached bank; anything that commits a balance change calls it.
func (s *Service) Invalidate(claimID int64) {
	s.cacheMu.Lock()
	s.cache.Remove(claimID)
	s.gen++
	s.cacheMu.Unlock()
}

// History pages the claim's ledger, newest first.
func (s *Service) History(ctx context.Context, claimID int64, offset, limit int) ([]model.BankTransaction, error) {
	return s.store.Transactions(ctx, claimID, offset, limit)
}

var errRejected = errors.New("bank operation rejected")

type mutation struct {
	kind   model.TxKind
	in     Input
	credit bool
}

func (s *Service) fields(m mutation) []zap.Field {
	return []zap.Field{
		zap.String("kind", string(m.kind)),
		zap.Int64("claim_id", m.in.ClaimID),
		zap.String("player", m.in.Actor),
		zap.Int64("amount_cents", int64(m.in.Amount)),
	}
}

// apply runs one balance mutation with its ledger entry in a single transaction.
func (s *Service) apply(ctx context.Context, m mutation) Result {
	res := Result{ClaimID: m.in.ClaimID, Amount: m.in.Amount}
	finish := func(st Status) Result {
		res.Status = st
		res.StatusName = st.String()
		s.metrics.BankOp(string(m.kind), res.StatusName)
		return res
	}
	if m.in.Amount <= 0 {
		return finish(InvalidAmount)
	}
	c, st, err := s.index.ClaimByID(ctx, m.in.ClaimID)
	switch {
	case err != nil:
		res.Err = err
		s.logger.Error("bank claim lookup failed", append(s.fields(m), zap.Error(err))...)
		return finish(DatabaseError)
	case st == index.Unknown:
		return finish(NotReady)
	case st == index.Absent:
		return finish(UnknownClaim)
	}
	if m.kind == model.TxWithdraw && !m.in.Admin && c.Owner != m.in.Actor {
		return finish(NotOwner)
	}

	now := s.clock.Now()
	entry := model.BankTransaction{
		ID:        uuid.NewString(),
		ClaimID:   m.in.ClaimID,
		Kind:      m.kind,
		Actor:     m.in.Actor,
		Memo:      m.in.Memo,
		CreatedAt: now,
	}
	var inGrace bool
	outcome := Success
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockClaim(ctx, m.in.ClaimID); err != nil {
			return err
		}
		if err := tx.EnsureBank(ctx, m.in.ClaimID, s.firstDue(now)); err != nil {
			return err
		}
		var bal model.Money
		if m.credit {
			b, err := tx.Credit(ctx, m.in.ClaimID, m.in.Amount)
			if err != nil {
				return err
			}
			bal = b
			entry.Amount = m.in.Amount
		} else {
			b, ok, err := tx.Debit(ctx, m.in.ClaimID, m.in.Amount)
			if err != nil {
				return err
			}
			if !ok {
				outcome = InsufficientFunds
				return errRejected
			}
			bal = b
			entry.Amount = -m.in.Amount
		}
		entry.Balance = bal
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		if m.credit {
			bank, err := tx.Bank(ctx, m.in.ClaimID)
			if err != nil {
				return err
			}
			inGrace = bank.InGrace()
		}
		return nil
	})
	switch {
	case errors.Is(err, errRejected):
		return finish(outcome)
	case errors.Is(err, store.ErrNotFound):
		s.index.InvalidateClaim(m.in.ClaimID)
		return finish(UnknownClaim)
	case err != nil:
		res.Err = err
		s.logger.Error("bank transaction failed", append(s.fields(m), zap.Error(err))...)
		return finish(DatabaseError)
	}

	s.Invalidate(m.in.ClaimID)
	if err := s.ledger.Append(entry); err != nil {
		s.logger.Warn("ledger mirror write failed", append(s.fields(m), zap.String("transaction_id", entry.ID), zap.Error(err))...)
	}
	res.Balance = entry.Balance
	res.TransactionID = entry.ID

	kind := notify.KindBankWithdraw
	if m.credit {
		kind = notify.KindBankDeposit
	}
	notify.Safe(s.logger, s.observer, notify.Event{
		Kind:    kind,
		ClaimID: m.in.ClaimID,
		Player:  m.in.Actor,
		Amount:  m.in.Amount,
		Message: m.in.Memo,
		At:      now,
	})

	if inGrace {
		s.recoverMu.RLock()
		recoverFn := s.recover
		s.recoverMu.RUnlock()
		if recoverFn != nil {
			recoverFn(ctx, m.in.ClaimID)
			if b, err := s.store.Bank(ctx, m.in.ClaimID); err == nil {
				res.Recovered = !b.InGrace()
				res.Balance = b.Balance
			}
		}
	}
	return finish(Success)
}

func (s *Service) firstDue(now time.Time) *time.Time {
	if s.cfg.UpkeepInterval <= 0 {
		return nil
	}
	due := now.Add(s.cfg.UpkeepInterval)
	return &due
}

// Deposit credits the claim. Anybody may deposit.
func (s *Service) Deposit(ctx context.Context, in Input) Result {
	return s.apply(ctx, mutation{kind: model.TxDeposit, in: in, credit: true})
}

// Withdraw debits the claim for its owner. It never drives the balance negative.
func (s *Service) Withdraw(ctx context.Context, in Input) Result {
	return s.apply(ctx, mutation{kind: model.TxWithdraw, in: in})
}

// Charge is a system debit such as a tax. It needs no owner and still cannot overdraw.
func (s *Service) Charge(ctx context.Context, kind model.TxKind, in Input) Result {
	if kind == "" || kind == model.TxDeposit {
		return Result{ClaimID: in.ClaimID, Amount: in.Amount, Status: InvalidAmount, StatusName: InvalidAmount.String()}
	}
	return s.apply(ctx, mutation{kind: kind, in: in})
}

// DepositFromPlayer moves money from the actor's wallet into the claim. If the bank write fails
// the wallet is refunded.
func (s *Service) DepositFromPlayer(ctx context.Context, in Input) Result {
	res := Result{ClaimID: in.ClaimID, Amount: in.Amount}
	reject := func(st Status, err error) Result {
		res.Status, res.StatusName, res.Err = st, st.String(), err
		s.metrics.BankOp("wallet_deposit", res.StatusName)
		return res
	}
	if in.Amount <= 0 {
		return reject(InvalidAmount, nil)
	}
	if s.econ == nil {
		return reject(EconomyUnavailable, economy.ErrUnavailable)
	}
	if _, st, err := s.index.ClaimByID(ctx, in.ClaimID); err != nil || st != index.Found {
		switch {
		case err != nil:
			return reject(DatabaseError, err)
		case st == index.Unknown:
			return reject(NotReady, nil)
		default:
			return reject(UnknownClaim, nil)
		}
	}
	ok, err := s.econ.Withdraw(ctx, in.Actor, in.Amount)
	if err != nil {
		return reject(EconomyUnavailable, err)
	}
	if !ok {
		return reject(InsufficientFunds, nil)
	}

	res = s.Deposit(ctx, in)
	if res.Status == Success {
		return res
	}
	n, err := economy.RetryDeposit(context.WithoutCancel(ctx), s.econ, in.Actor, in.Amount, s.cfg.RefundAttempts, s.cfg.RefundBackoff)
	if err != nil {
		s.metrics.Refund("failed")
		s.logger.Error("bank deposit refund failed; wallet was charged without crediting the claim",
			zap.Int64("claim_id", in.ClaimID),
			zap.String("player", in.Actor),
			zap.Int64("amount_cents", int64(in.Amount)),
			zap.Bool("operator_action_required", true),
			zap.Int("attempts", n),
			zap.Error(err))
		notify.Safe(s.logger, s.observer, notify.Event{
			Kind:    notify.KindRefundFailed,
			ClaimID: in.ClaimID,
			Player:  in.Actor,
			Amount:  in.Amount,
			Message: "bank deposit refund failed after " + res.StatusName,
			At:      s.clock.Now(),
		})
		return res
	}
	s.metrics.Refund("ok")
	res.Refunded = true
	return res
}

// WithdrawToPlayer moves money from the claim into the actor's wallet. If the wallet refuses the
// money, the claim is credited back with a reversing ledger entry.
func (s *Service) WithdrawToPlayer(ctx context.Context, in Input) Result {
	if s.econ == nil {
		return Result{ClaimID: in.ClaimID, Amount: in.Amount, Status: EconomyUnavailable,
			StatusName: EconomyUnavailable.String(), Err: economy.ErrUnavailable}
	}
	res := s.Withdraw(ctx, in)
	if res.Status != Success {
		return res
	}
	_, err := economy.RetryDeposit(context.WithoutCancel(ctx), s.econ, in.Actor, in.Amount, s.cfg.RefundAttempts, s.cfg.RefundBackoff)
	if err == nil {
		return res
	}

	s.logger.Warn("wallet refused bank withdrawal; crediting the claim back",
		zap.Int64("claim_id", in.ClaimID), zap.String("player", in.Actor), zap.Error(err))
	rev := s.Deposit(context.WithoutCancel(ctx), Input{
		ClaimID: in.ClaimID,
		Actor:   in.Actor,
		Amount:  in.Amount,
		Memo:    "reversal of " + res.TransactionID,
	})
	out := Result{ClaimID: in.ClaimID, Amount: in.Amount, Status: EconomyUnavailable,
		StatusName: EconomyUnavailable.String(), Err: err, Balance: rev.Balance}
	if rev.Status != Success {
		s.metrics.Refund("failed")
		s.logger.Error("bank withdrawal reversal failed; money left the claim without reaching the wallet",
			zap.Int64("claim_id", in.ClaimID),
			zap.String("player", in.Actor),
			zap.Int64("amount_cents", int64(in.Amount)),
			zap.String("transaction_id", res.TransactionID),
			zap.Bool("operator_action_required", true),
			zap.Error(rev.Err))
		notify.Safe(s.logger, s.observer, notify.Event{
			Kind:    notify.KindRefundFailed,
			ClaimID: in.ClaimID,
			Player:  in.Actor,
			Amount:  in.Amount,
			Message: "bank withdrawal reversal failed",
			At:      s.clock.Now(),
		})
		return out
	}
	s.metrics.Refund("ok")
	out.Refunded = true
	return out
}
