// Package upkeep bills claims for their chunks and runs the grace period that follows a missed
// charge.
//
// Every state change is one conditional UPDATE against the bank row the sweep observed, so the
// periodic charge and a deposit-triggered recovery can race freely: the loser's update matches
// no row and changes nothing.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
)

// ErrSweepRunning is returned when a sweep is requested while another is in progress.
var ErrSweepRunning = errors.New("upkeep sweep already running")

type Config struct {
	Interval     time.Duration
	GracePeriod  time.Duration
	CostPerChunk model.Money
	AutoUnclaim  bool
	// KeepMinChunks is the floor revocation never goes below.
	KeepMinChunks int
	PageSize      int
	// WorldAllowed filters claims whose world is no longer hosted. Nil allows every world.
	WorldAllowed func(world string) bool
}

// LevelSource reads the discount a claim earns from its level.
type LevelSource interface {
	Discount(ctx context.Context, claimID int64) float64
}

type NoLevels struct{}

func (NoLevels) Discount(context.Context, int64) float64 { return 0 }

// BalanceCache is told about every committed balance change.
type BalanceCache interface {
	Invalidate(claimID int64)
}

type Deps struct {
	Store    store.Backend
	Index    *index.Index
	Balances BalanceCache
	Levels   LevelSource
	Ledger   ledgerlog.Sink
	Observer notify.Observer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
}

type Engine struct {
	store    store.Backend
	index    *index.Index
	balances BalanceCache
	levels   LevelSource
	ledger   ledgerlog.Sink
	observer notify.Observer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    clock.Clock
	cfg      Config

	running atomic.Bool
}

func New(d Deps, cfg Config) (*Engine, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("upkeep: store is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("upkeep: interval must be positive")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.KeepMinChunks < 0 {
		cfg.KeepMinChunks = 0
	}
	if d.Levels == nil {
		d.Levels = NoLevels{}
	}
	if d.Ledger == nil {
		d.Ledger = ledgerlog.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		store:    d.Store,
		index:    d.Index,
		balances: d.Balances,
		levels:   d.Levels,
		ledger:   d.Ledger,
		observer: notify.OrNop(d.Observer),
		metrics:  d.Metrics,
		logger:   d.Logger,
		clock:    clock.OrSystem(d.Clock),
		cfg:      cfg,
	}, nil
}

// Running reports whether a sweep is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// Sweep runs the due pass and then the grace pass. It returns ErrSweepRunning at once if another
// sweep holds the in-progress flag. Cancelling ctx does not interrupt a claim mid-charge; it
// stops the sweep between claims.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.SweepSkipped()
		e.logger.Info("upkeep sweep skipped; previous sweep still running")
		return SweepReport{}, ErrSweepRunning
	}
	defer e.running.Store(false)

	started := e.clock.Now()
	rep := newReport(started)

	t0 := time.Now()
	if err := e.duePass(ctx, &rep); err != nil {
		return rep, err
	}
	e.metrics.Sweep("due", time.Since(t0).Seconds())

	t0 = time.Now()
	if err := e.gracePass(ctx, &rep); err != nil {
		return rep, err
	}
	e.metrics.Sweep("grace", time.Since(t0).Seconds())

	rep.Duration = e.clock.Now().Sub(started)
	e.logger.Info("upkeep sweep finished",
		zap.Any("due", rep.Due),
		zap.Any("grace", rep.Grace),
		zap.Int("at_risk", rep.AtRisk),
		zap.Int("chunks_revoked", rep.Revoked))
	return rep, nil
}

// pages re-queries from the start of a shrinking result set. A row is handled once per sweep
// unless handle asks to see it again (a charge that still leaves the claim due); handled rows are
// skipped on later pages. The iteration cap comes from the count taken before the first page.
func (e *Engine) pages(ctx context.Context, total int, fetch func(limit int) ([]store.BillingRow, error),
	handle func(row store.BillingRow) (again bool)) error {
	if total <= 0 {
		return nil
	}
	page := e.cfg.PageSize
	limit := (total+page-1)/page + 1
	done := map[int64]struct{}{}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := fetch(page + len(done))
		if err != nil {
			return err
		}
		fresh := 0
		for _, row := range rows {
			if _, ok := done[row.Claim.ID]; ok {
				continue
			}
			fresh++
			if !handle(row) {
				done[row.Claim.ID] = struct{}{}
			}
		}
		if fresh == 0 {
			return nil
		}
	}
	e.logger.Warn("upkeep pass hit its iteration cap", zap.Int("total", total), zap.Int("page_size", page))
	return nil
}

func (e *Engine) eligible(c *model.Claim) bool {
	if strings.TrimSpace(c.Owner) == "" {
		return false
	}
	if e.cfg.WorldAllowed != nil && !e.cfg.WorldAllowed(c.World) {
		return false
	}
	return true
}

func (e *Engine) cost(ctx context.Context, c *model.Claim, chunks int) model.Money {
	d := EffectiveDiscount(c.UpkeepDiscount, e.levels.Discount(ctx, c.ID))
	return Cost(chunks, e.cfg.CostPerChunk, d)
}

func (e *Engine) fields(row store.BillingRow) []zap.Field {
	return []zap.Field{
		zap.Int64("claim_id", row.Claim.ID),
		zap.String("player", row.Claim.Owner),
		zap.String("world", row.Claim.World),
	}
}

func (e *Engine) record(rep map[string]int, o ChargeOutcome) {
	rep[o.String()]++
	e.metrics.Upkeep(o.String())
}

func (e *Engine) duePass(ctx context.Context, rep *SweepReport) error {
	now := e.clock.Now()
	total, err := e.store.CountDue(ctx, now)
	if err != nil {
		return fmt.Errorf("count due claims: %w", err)
	}
	return e.pages(ctx, total,
		func(limit int) ([]store.BillingRow, error) { return e.store.DueClaims(ctx, now, limit) },
		func(row store.BillingRow) bool {
			o := e.charge(ctx, row, now)
			e.record(rep.Due, o)
			if o == EnteredGrace {
				rep.AtRisk++
			}
			// A charged claim can still be due when cycles were missed.
			return o == Charged
		})
}

// charge bills one due claim, or moves it into grace when the balance cannot cover the cost.
func (e *Engine) charge(ctx context.Context, row store.BillingRow, now time.Time) ChargeOutcome {
	if !e.eligible(row.Claim) {
		e.logger.Debug("upkeep skipped claim without owner or world", e.fields(row)...)
		return Skipped
	}
	if row.Bank.NextUpkeepDue == nil {
		return Skipped
	}
	due := *row.Bank.NextUpkeepDue
	cost := e.cost(ctx, row.Claim, row.ChunkCount)
	next := NextDue(now, due, e.cfg.Interval)

	outcome := Failed
	var entry model.BankTransaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		bal, ok, err := tx.ChargeUpkeep(ctx, store.ChargeInput{
			ClaimID: row.Claim.ID, Cost: cost, ExpectedDue: due, NextDue: next, Now: now,
		})
		if err != nil {
			return err
		}
		if ok {
			outcome = Charged
			entry = e.entry(row.Claim.ID, -cost, bal, fmt.Sprintf("upkeep for %d chunks", row.ChunkCount), now)
			return tx.AppendTransaction(ctx, entry)
		}
		entered, err := tx.EnterGrace(ctx, row.Claim.ID, due, now, cost)
		if err != nil {
			return err
		}
		if entered {
			outcome = EnteredGrace
		} else {
			outcome = Raced
		}
		return nil
	})
	if err != nil {
		e.logger.Error("upkeep charge failed", append(e.fields(row), zap.Error(err))...)
		return Failed
	}
	e.invalidate(row.Claim.ID)

	switch outcome {
	case Charged:
		e.mirror(entry)
		notify.Safe(e.logger, e.observer, notify.Event{
			Kind: notify.KindUpkeepCharged, ClaimID: row.Claim.ID, Player: row.Claim.Owner,
			Amount: cost, At: now,
		})
	case EnteredGrace:
		e.logger.Info("claim entered grace", append(e.fields(row),
			zap.Int64("amount_cents", int64(cost)), zap.Int64("balance_cents", int64(row.Bank.Balance)))...)
		notify.Safe(e.logger, e.observer, notify.Event{
			Kind: notify.KindGraceEntered, ClaimID: row.Claim.ID, Player: row.Claim.Owner,
			Amount: cost, At: now,
		})
		e.atRisk(row.Claim, cost, now, now)
	}
	return outcome
}

func (e *Engine) gracePass(ctx context.Context, rep *SweepReport) error {
	now := e.clock.Now()
	q := store.GraceQuery{ExpiredBefore: now.Add(-e.cfg.GracePeriod), IncludeExpired: e.cfg.AutoUnclaim}
	total, err := e.store.CountGraceCandidates(ctx, q)
	if err != nil {
		return fmt.Errorf("count grace candidates: %w", err)
	}
	err = e.pages(ctx, total,
		func(limit int) ([]store.BillingRow, error) { return e.store.GraceCandidates(ctx, q, limit) },
		func(row store.BillingRow) bool {
			o, revoked := e.settle(ctx, row, now)
			e.record(rep.Grace, o)
			rep.Revoked += revoked
			return false
		})
	if err != nil {
		return err
	}
	n, err := e.reportAtRisk(ctx, now)
	rep.AtRisk += n
	return err
}

// settle recovers a funded claim, revokes chunks from an expired one, or records the current
// cost so an underfunded claim leaves the candidate set until its balance changes.
func (e *Engine) settle(ctx context.Context, row store.BillingRow, now time.Time) (ChargeOutcome, int) {
	if !e.eligible(row.Claim) || row.Bank.GracePeriodStart == nil {
		return Skipped, 0
	}
	start := *row.Bank.GracePeriodStart
	cost := e.cost(ctx, row.Claim, row.ChunkCount)

	o, err := e.recoverGrace(ctx, row.Claim, start, cost, row.ChunkCount, now)
	if err != nil {
		e.logger.Error("grace recovery failed", append(e.fields(row), zap.Error(err))...)
		return Failed, 0
	}
	if o == Recovered || o == Raced {
		return o, 0
	}

	expired := !now.Before(start.Add(e.cfg.GracePeriod))
	if expired && e.cfg.AutoUnclaim {
		n, err := e.revoke(ctx, row, start, now)
		if err != nil {
			e.logger.Error("revocation failed", append(e.fields(row), zap.Int("revoked", n), zap.Error(err))...)
			return Failed, n
		}
		return Revoked, n
	}

	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.RefreshGraceDue(ctx, row.Claim.ID, start, cost)
	})
	if err != nil {
		e.logger.Error("grace refresh failed", append(e.fields(row), zap.Error(err))...)
		return Failed, 0
	}
	return StillInGrace, 0
}

// recoverGrace charges cost and clears grace if the claim is still in the grace period that started
// at start. It reports StillInGrace when the balance is short and Raced when grace already ended.
func (e *Engine) recoverGrace(ctx context.Context, c *model.Claim, start time.Time, cost model.Money, chunks int, now time.Time) (ChargeOutcome, error) {
	outcome := StillInGrace
	var entry model.BankTransaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		bal, ok, err := tx.Recover(ctx, store.RecoverInput{
			ClaimID: c.ID, GraceStart: start, Cost: cost, Now: now, NextDue: now.Add(e.cfg.Interval),
		})
		if err != nil {
			return err
		}
		if ok {
			outcome = Recovered
			entry = e.entry(c.ID, -cost, bal, fmt.Sprintf("grace recovery for %d chunks", chunks), now)
			return tx.AppendTransaction(ctx, entry)
		}
		b, err := tx.Bank(ctx, c.ID)
		if err != nil {
			return err
		}
		if b.GracePeriodStart == nil || !b.GracePeriodStart.Equal(start) {
			outcome = Raced
		}
		return nil
	})
	if err != nil {
		return Failed, err
	}
	if outcome == Recovered {
		e.invalidate(c.ID)
		e.mirror(entry)
		e.logger.Info("claim recovered from grace",
			zap.Int64("claim_id", c.ID), zap.String("player", c.Owner), zap.Int64("amount_cents", int64(cost)))
		notify.Safe(e.logger, e.observer, notify.Event{
			Kind: notify.KindGraceRecovered, ClaimID: c.ID, Player: c.Owner, Amount: cost, At: now,
		})
	}
	return outcome, nil
}

// TryRecover is the deposit path into grace recovery. It uses the same guarded write as the
// sweep, so at most one of them charges for a grace period.
func (e *Engine) TryRecover(ctx context.Context, claimID int64) (ChargeOutcome, error) {
	b, err := e.store.Bank(ctx, claimID)
	if err != nil {
		return Failed, err
	}
	if !b.InGrace() {
		return NotInGrace, nil
	}
	c, err := e.store.ClaimByID(ctx, claimID)
	if err != nil {
		return Failed, err
	}
	if !e.eligible(c) {
		return Skipped, nil
	}
	now := e.clock.Now()
	o, err := e.recoverGrace(ctx, c, *b.GracePeriodStart, e.cost(ctx, c, c.ChunkCount()), c.ChunkCount(), now)
	if err != nil {
		e.logger.Error("deposit recovery failed", zap.Int64("claim_id", claimID), zap.Error(err))
		return Failed, err
	}
	e.metrics.Upkeep("deposit_" + o.String())
	return o, nil
}

func (e *Engine) reportAtRisk(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for offset := 0; ; offset += e.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rows, err := e.store.InGrace(ctx, offset, e.cfg.PageSize)
		if err != nil {
			return n, fmt.Errorf("list claims in grace: %w", err)
		}
		for _, row := range rows {
			if row.Bank.GracePeriodStart == nil || !e.eligible(row.Claim) {
				continue
			}
			e.atRisk(row.Claim, row.Bank.GraceAmountDue, *row.Bank.GracePeriodStart, now)
			n++
		}
		if len(rows) < e.cfg.PageSize {
			return n, nil
		}
	}
}

func (e *Engine) atRisk(c *model.Claim, due model.Money, start, now time.Time) {
	deadline := start.Add(e.cfg.GracePeriod)
	msg := fmt.Sprintf("upkeep of %s unpaid", due)
	if e.cfg.AutoUnclaim {
		msg += "; chunks may be revoked after " + deadline.Format(time.RFC3339)
	}
	notify.Safe(e.logger, e.observer, notify.Event{
		Kind:     notify.KindAtRisk,
		ClaimID:  c.ID,
		Player:   c.Owner,
		Amount:   due,
		Deadline: &deadline,
		Message:  msg,
		At:       now,
	})
}

func (e *Engine) entry(claimID int64, amount, balance model.Money, memo string, now time.Time) model.BankTransaction {
	return model.BankTransaction{
		ID:        uuid.NewString(),
		ClaimID:   claimID,
		Kind:      model.TxUpkeep,
		Actor:     "upkeep",
		Amount:    amount,
		Balance:   balance,
		Memo:      memo,
		CreatedAt: now,
	}
}

func (e *Engine) invalidate(claimID int64) {
	if e.balances != nil {
		e.balances.Invalidate(claimID)
	}
}

func (e *Engine) mirror(tx model.BankTransaction) {
	if err := e.ledger.Append(tx); err != nil {
		e.logger.Warn("ledger mirror write failed", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}
