package purchase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/store"
)

type AllocRequest struct {
	Player  string
	ClaimID int64
	Amount  int
	// Admin allocates from the claim owner's pool without being the owner.
	Admin bool
}

type AllocResult struct {
	Status     AllocStatus  `json:"-"`
	StatusName string       `json:"status"`
	ClaimID    int64        `json:"claim_id"`
	Amount     int          `json:"amount"`
	Claim      *model.Claim `json:"-"`
	Available  int          `json:"available"`
	Err        error        `json:"-"`
}

var errAllocRejected = errors.New("allocation rejected")

// Allocate moves capacity from the owner's pool into a claim. No money moves. It blocks on the
// store and must not run on the tick loop.
func (e *Engine) Allocate(ctx context.Context, req AllocRequest) AllocResult {
	res := AllocResult{ClaimID: req.ClaimID, Amount: req.Amount}
	finish := func(st AllocStatus) AllocResult {
		res.Status = st
		res.StatusName = st.String()
		e.metrics.Purchase("allocate", res.StatusName)
		return res
	}
	if req.Amount <= 0 {
		return finish(AllocInvalidAmount)
	}

	var committed *model.Claim
	var outcome AllocStatus
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		c, err := tx.ClaimByID(ctx, req.ClaimID)
		if errors.Is(err, store.ErrNotFound) {
			outcome = AllocUnknownClaim
			return errAllocRejected
		}
		if err != nil {
			return err
		}
		if !req.Admin && c.Owner != req.Player {
			outcome = AllocNotOwner
			return errAllocRejected
		}
		st, available, err := e.AllocateInTx(ctx, tx, c, req.Amount)
		res.Available = available
		if err != nil {
			return err
		}
		if st != AllocSuccess {
			outcome = st
			return errAllocRejected
		}
		committed = c
		return nil
	})
	switch {
	case errors.Is(err, errAllocRejected):
		return finish(outcome)
	case err != nil:
		res.Err = err
		e.logger.Error("allocation transaction failed",
			zap.String("player", req.Player),
			zap.Int64("claim_id", req.ClaimID),
			zap.Int("amount", req.Amount),
			zap.Error(err))
		return finish(AllocDatabaseError)
	}

	e.index.PutMeta(committed)
	e.pools.invalidate(committed.Owner)
	res.Claim = committed.Clone()
	res.Available -= req.Amount
	notify.Safe(e.logger, e.observer, notify.Event{
		Kind:    notify.KindCapacityIncreased,
		ClaimID: committed.ID,
		Player:  committed.Owner,
		Message: fmt.Sprintf("+%d chunks from pool", req.Amount),
		At:      e.clock.Now(),
	})
	return finish(AllocSuccess)
}

// AllocateInTx allocates amount pool chunks into c inside tx and updates c's counters on success.
// It also returns the pool balance that was available before the allocation.
// Callers must drop their cached view of the owner's pool after tx commits.
func (e *Engine) AllocateInTx(ctx context.Context, tx *store.Tx, c *model.Claim, amount int) (AllocStatus, int, error) {
	if amount <= 0 {
		return AllocInvalidAmount, 0, nil
	}
	if err := tx.LockPool(ctx, c.Owner); err != nil {
		return AllocDatabaseError, 0, err
	}
	pool, err := tx.Pool(ctx, c.Owner)
	if err != nil {
		return AllocDatabaseError, 0, err
	}
	assigned, err := tx.AssignedChunks(ctx, c.Owner)
	if err != nil {
		return AllocDatabaseError, 0, err
	}
	available := pool.Available(assigned)
	if available < amount {
		return AllocInsufficientPool, available, nil
	}
	if c.AllocatedChunks+amount > e.cfg.Ceiling(c.CapacityProfile) {
		return AllocCeilingReached, available, nil
	}
	if err := tx.AddCapacity(ctx, c.ID, amount, 0, amount); err != nil {
		return AllocDatabaseError, available, err
	}
	c.TotalChunks += amount
	c.AllocatedChunks += amount
	return AllocSuccess, available, nil
}
