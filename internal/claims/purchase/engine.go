// Package purchase sells chunk capacity and moves pool capacity into claims.
//
// A paid purchase is a pipeline: validate, collect the payment, persist. Validation and payment
// run in the caller's goroutine (the economy is not safe to call elsewhere); persisting runs on
// the worker pool. If persisting fails after the payment was collected, the payment is refunded.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/claims/pricing"
	"chunkclaims.ai/internal/economy"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
	"chunkclaims.ai/internal/runtime/tick"
	"chunkclaims.ai/internal/util/workerpool"
)

type Config struct {
	Pricing        pricing.Table
	RefundAttempts int
	RefundBackoff  time.Duration
	// Ceiling returns the allocation ceiling for a capacity profile.
	Ceiling func(profile string) int
}

type Deps struct {
	Store    store.Backend
	Index    *index.Index
	Economy  economy.Provider
	Loop     *tick.Loop
	Pool     *workerpool.Pool
	Observer notify.Observer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
}

type Engine struct {
	store    store.Backend
	index    *index.Index
	econ     economy.Provider
	loop     *tick.Loop
	pool     *workerpool.Pool
	observer notify.Observer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    clock.Clock
	cfg      Config
	pools    *poolCache
}

func New(d Deps, cfg Config) (*Engine, error) {
	if d.Store == nil || d.Index == nil || d.Economy == nil {
		return nil, fmt.Errorf("purchase: store, index and economy are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.RefundAttempts <= 0 {
		cfg.RefundAttempts = 1
	}
	if cfg.Ceiling == nil {
		cfg.Ceiling = func(string) int { return 0 }
	}
	return &Engine{
		store:    d.Store,
		index:    d.Index,
		econ:     d.Economy,
		loop:     d.Loop,
		pool:     d.Pool,
		observer: notify.OrNop(d.Observer),
		metrics:  d.Metrics,
		logger:   d.Logger,
		clock:    clock.OrSystem(d.Clock),
		cfg:      cfg,
		pools:    newPoolCache(),
	}, nil
}

type Request struct {
	RequestID string
	// Player pays for the purchase.
	Player string
	// ClaimID is ignored for pool purchases.
	ClaimID int64
	Amount  int
	// Admin skips the ownership check.
	Admin bool
}

type Result struct {
	RequestID    string       `json:"request_id"`
	Kind         Kind         `json:"kind"`
	Status       Status       `json:"-"`
	StatusName   string       `json:"status"`
	ClaimID      int64        `json:"claim_id,omitempty"`
	Amount       int          `json:"amount"`
	Price        model.Money  `json:"price_cents"`
	Claim        *model.Claim `json:"-"`
	Pool         PoolView     `json:"pool"`
	Refunded     bool         `json:"refunded,omitempty"`
	RefundFailed bool         `json:"refund_failed,omitempty"`
	Err          error        `json:"-"`
}

type attempt struct {
	kind  Kind
	req   Request
	claim *model.Claim
	view  PoolView
	price model.Money
	paid  bool
	res   Result
}

type stage func(ctx context.Context, a *attempt) Status

func (e *Engine) newAttempt(kind Kind, req Request) *attempt {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return &attempt{
		kind: kind,
		req:  req,
		res:  Result{RequestID: req.RequestID, Kind: kind, ClaimID: req.ClaimID, Amount: req.Amount},
	}
}

// run executes stages in order. The first failing stage ends the attempt and, if money was
// already collected, triggers the refund.
func (e *Engine) run(ctx context.Context, a *attempt, stages ...stage) Status {
	for _, s := range stages {
		if st := s(ctx, a); st != Success {
			e.fail(ctx, a, st)
			return st
		}
	}
	a.res.Status = Success
	return Success
}

func (e *Engine) fail(ctx context.Context, a *attempt, st Status) {
	a.res.Status = st
	if a.paid {
		e.compensate(ctx, a)
	}
}

func (e *Engine) finish(a *attempt) Result {
	a.res.Price = a.price
	a.res.StatusName = a.res.Status.String()
	e.metrics.Purchase(string(a.kind), a.res.StatusName)
	return a.res
}

func (e *Engine) fields(a *attempt) []zap.Field {
	return []zap.Field{
		zap.String("request_id", a.req.RequestID),
		zap.String("kind", string(a.kind)),
		zap.String("player", a.req.Player),
		zap.Int64("claim_id", a.req.ClaimID),
		zap.Int("amount", a.req.Amount),
		zap.Int64("amount_cents", int64(a.price)),
	}
}

// Purchase buys chunks directly into one claim, running every stage in the calling goroutine.
func (e *Engine) Purchase(ctx context.Context, req Request) Result {
	a := e.newAttempt(KindDirect, req)
	e.run(ctx, a, e.validateDirect, e.collect, e.persistDirect)
	return e.finish(a)
}

// BuyPool buys chunks into the player's global pool.
func (e *Engine) BuyPool(ctx context.Context, req Request) Result {
	a := e.newAttempt(KindPool, req)
	e.run(ctx, a, e.validatePool, e.collect, e.persistPool)
	return e.finish(a)
}

// Submit validates and collects payment in the caller's goroutine, persists on the worker pool,
// and hands the result to done on the tick loop.
func (e *Engine) Submit(ctx context.Context, kind Kind, req Request, done func(context.Context, Result)) {
	a := e.newAttempt(kind, req)
	validate, persist := e.validateDirect, e.persistDirect
	if kind == KindPool {
		validate, persist = e.validatePool, e.persistPool
	}
	if e.run(ctx, a, validate, e.collect) != Success {
		e.deliver(ctx, e.finish(a), done)
		return
	}
	if e.pool == nil {
		e.run(ctx, a, persist)
		e.deliver(ctx, e.finish(a), done)
		return
	}
	task := workerpool.Task{ID: "purchase:" + a.req.RequestID, Fn: func(wctx context.Context) error {
		e.run(wctx, a, persist)
		e.deliver(wctx, e.finish(a), done)
		return nil
	}}
	if err := e.pool.Submit(task); err != nil {
		e.logger.Error("purchase not scheduled", append(e.fields(a), zap.Error(err))...)
		a.res.Err = err
		e.fail(ctx, a, DatabaseError)
		e.deliver(ctx, e.finish(a), done)
	}
}

func (e *Engine) deliver(ctx context.Context, res Result, done func(context.Context, Result)) {
	if done == nil {
		return
	}
	if e.loop != nil && !tick.OnLoop(ctx) {
		if e.loop.Post(func(lctx context.Context) { done(lctx, res) }) {
			return
		}
		e.logger.Warn("tick loop unavailable; delivering purchase result off loop",
			zap.String("request_id", res.RequestID))
	}
	done(ctx, res)
}

// Quote prices amount chunks for a claim without side effects.
func (e *Engine) Quote(ctx context.Context, claimID int64, amount int) (model.Money, Status) {
	c, st, err := e.index.ClaimByID(ctx, claimID)
	switch {
	case err != nil:
		return pricing.Unavailable, DatabaseError
	case st == index.Unknown:
		return pricing.Unavailable, NotReady
	case st == index.Absent:
		return pricing.Unavailable, UnknownClaim
	}
	if !e.cfg.Pricing.AllowedSize(amount) {
		return pricing.Unavailable, InvalidAmount
	}
	p := e.cfg.Pricing.Range(c.PurchasedChunks, amount, c.ClaimOrder)
	if p == pricing.Unavailable {
		return p, MaxReached
	}
	return p, Success
}

func (e *Engine) validateDirect(ctx context.Context, a *attempt) Status {
	if !e.cfg.Pricing.AllowedSize(a.req.Amount) {
		return InvalidAmount
	}
	c, st, err := e.index.ClaimByID(ctx, a.req.ClaimID)
	switch {
	case err != nil:
		a.res.Err = err
		e.logger.Error("purchase claim lookup failed", append(e.fields(a), zap.Error(err))...)
		return DatabaseError
	case st == index.Unknown:
		return NotReady
	case st == index.Absent:
		return UnknownClaim
	}
	if !a.req.Admin && c.Owner != a.req.Player {
		return NotOwner
	}
	limit := e.cfg.Pricing.MaxPerClaim
	if limit > 0 && c.PurchasedChunks+a.req.Amount > limit {
		return MaxReached
	}
	price := e.cfg.Pricing.Range(c.PurchasedChunks, a.req.Amount, c.ClaimOrder)
	if price == pricing.Unavailable {
		return MaxReached
	}
	a.claim = c
	a.price = price
	return Success
}

func (e *Engine) poolTable() pricing.Table {
	t := e.cfg.Pricing
	t.MaxPerClaim = 0
	return t
}

func (e *Engine) validatePool(ctx context.Context, a *attempt) Status {
	if !e.cfg.Pricing.AllowedSize(a.req.Amount) || a.req.Player == "" {
		return InvalidAmount
	}
	view, ok := e.pools.get(a.req.Player)
	if !ok {
		if tick.OnLoop(ctx) {
			e.fillPool(a.req.Player)
			return NotReady
		}
		var err error
		view, err = e.pools.load(ctx, e, a.req.Player)
		if err != nil {
			a.res.Err = err
			e.logger.Error("pool lookup failed", append(e.fields(a), zap.Error(err))...)
			return DatabaseError
		}
	}
	a.view = view
	a.price = e.poolTable().Range(view.Purchased, a.req.Amount, 1)
	if a.price == pricing.Unavailable {
		return MaxReached
	}
	return Success
}

func (e *Engine) collect(ctx context.Context, a *attempt) Status {
	ok, err := e.econ.Has(ctx, a.req.Player, a.price)
	if err != nil {
		a.res.Err = err
		e.logger.Warn("economy unavailable", append(e.fields(a), zap.Error(err))...)
		return EconomyUnavailable
	}
	if !ok {
		return InsufficientFunds
	}
	ok, err = e.econ.Withdraw(ctx, a.req.Player, a.price)
	if err != nil {
		a.res.Err = err
		e.logger.Warn("withdraw failed", append(e.fields(a), zap.Error(err))...)
		return EconomyUnavailable
	}
	if !ok {
		return InsufficientFunds
	}
	a.paid = true
	return Success
}

var (
	errPriceMoved = errors.New("price moved since quote")
	errGone       = errors.New("claim disappeared")
)

func (e *Engine) persistDirect(ctx context.Context, a *attempt) Status {
	var committed *model.Claim
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockClaim(ctx, a.req.ClaimID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errGone
			}
			return err
		}
		c, err := tx.ClaimByID(ctx, a.req.ClaimID)
		if errors.Is(err, store.ErrNotFound) {
			return errGone
		}
		if err != nil {
			return err
		}
		if e.cfg.Pricing.Range(c.PurchasedChunks, a.req.Amount, c.ClaimOrder) != a.price {
			return errPriceMoved
		}
		if err := tx.AddCapacity(ctx, c.ID, a.req.Amount, a.req.Amount, 0); err != nil {
			return err
		}
		if err := tx.AddPoolPurchased(ctx, c.Owner, a.req.Amount); err != nil {
			return err
		}
		c.TotalChunks += a.req.Amount
		c.PurchasedChunks += a.req.Amount
		committed = c
		return nil
	})
	switch {
	case errors.Is(err, errGone):
		return UnknownClaim
	case errors.Is(err, errPriceMoved):
		return Conflict
	case err != nil:
		a.res.Err = err
		e.logger.Error("purchase transaction failed", append(e.fields(a), zap.Error(err))...)
		return DatabaseError
	}
	e.index.PutMeta(committed)
	e.pools.invalidate(committed.Owner)
	a.paid = false
	a.res.Claim = committed.Clone()
	notify.Safe(e.logger, e.observer, notify.Event{
		Kind:    notify.KindCapacityIncreased,
		ClaimID: committed.ID,
		Player:  committed.Owner,
		Amount:  a.price,
		Message: fmt.Sprintf("+%d chunks", a.req.Amount),
		At:      e.clock.Now(),
	})
	return Success
}

func (e *Engine) persistPool(ctx context.Context, a *attempt) Status {
	var view PoolView
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockPool(ctx, a.req.Player); err != nil {
			return err
		}
		p, err := tx.Pool(ctx, a.req.Player)
		if err != nil {
			return err
		}
		if e.poolTable().Range(p.PurchasedChunks, a.req.Amount, 1) != a.price {
			return errPriceMoved
		}
		if err := tx.AddPoolPurchased(ctx, a.req.Player, a.req.Amount); err != nil {
			return err
		}
		assigned, err := tx.AssignedChunks(ctx, a.req.Player)
		if err != nil {
			return err
		}
		view = PoolView{Purchased: p.PurchasedChunks + a.req.Amount, Assigned: assigned}
		return nil
	})
	switch {
	case errors.Is(err, errPriceMoved):
		return Conflict
	case err != nil:
		a.res.Err = err
		e.logger.Error("pool purchase transaction failed", append(e.fields(a), zap.Error(err))...)
		return DatabaseError
	}
	e.pools.invalidate(a.req.Player)
	a.paid = false
	a.res.Pool = view
	return Success
}

// compensate refunds a collected payment. Exhausting every attempt is an accounting discrepancy
// that an operator has to resolve by hand.
func (e *Engine) compensate(ctx context.Context, a *attempt) {
	n, err := economy.RetryDeposit(context.WithoutCancel(ctx), e.econ, a.req.Player, a.price,
		e.cfg.RefundAttempts, e.cfg.RefundBackoff)
	if err == nil {
		a.paid = false
		a.res.Refunded = true
		e.metrics.Refund("ok")
		e.logger.Warn("payment refunded", append(e.fields(a), zap.Int("attempt", n))...)
		return
	}
	a.res.RefundFailed = true
	e.metrics.Refund("failed")
	e.logger.Error("refund failed; player was charged without receiving chunks",
		append(e.fields(a),
			zap.Bool("operator_action_required", true),
			zap.Int("attempts", n),
			zap.Error(err))...)
	notify.Safe(e.logger, e.observer, notify.Event{
		Kind:    notify.KindRefundFailed,
		ClaimID: a.req.ClaimID,
		Player:  a.req.Player,
		Amount:  a.price,
		Message: "refund failed after " + a.res.Status.String(),
		At:      e.clock.Now(),
	})
}

func (e *Engine) poolView(ctx context.Context, player string) (PoolView, error) {
	p, err := e.store.Pool(ctx, player)
	if err != nil {
		return PoolView{}, err
	}
	assigned, err := e.store.AssignedChunks(ctx, player)
	if err != nil {
		return PoolView{}, err
	}
	return PoolView{Purchased: p.PurchasedChunks, Assigned: assigned}, nil
}

// PoolView returns the player's pool, loading it from the store when off the loop.
func (e *Engine) PoolView(ctx context.Context, player string) (PoolView, bool, error) {
	if v, ok := e.pools.get(player); ok {
		return v, true, nil
	}
	if tick.OnLoop(ctx) {
		e.fillPool(player)
		return PoolView{}, false, nil
	}
	v, err := e.pools.load(ctx, e, player)
	return v, err == nil, err
}

func (e *Engine) fillPool(player string) {
	if e.pool == nil {
		return
	}
	_ = e.pool.Submit(workerpool.Task{ID: "pool-fill", Fn: func(ctx context.Context) error {
		_, err := e.pools.load(ctx, e, player)
		return err
	}})
}

// InvalidatePool drops the cached pool view after a change committed elsewhere.
func (e *Engine) InvalidatePool(player string) { e.pools.invalidate(player) }
