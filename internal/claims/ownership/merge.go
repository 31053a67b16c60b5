package ownership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/chunkgeo"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/archive"
	"chunkclaims.ai/internal/persistence/store"
)

const ledgerPage = 500

type MergeRequest struct {
	Player   string
	TargetID int64
	SourceID int64
	Admin    bool
}

// Merge folds the source claim into the target: chunks move, capacity counters add up, the bank
// balance moves with a ledger entry on each side, and the source claim is deleted.
func (s *Service) Merge(ctx context.Context, req MergeRequest) ClaimResult {
	res := ClaimResult{ClaimID: req.TargetID}
	finish := func(st ClaimStatus) ClaimResult {
		res.Status = st
		res.StatusName = st.String()
		s.metrics.ClaimAction("merge", res.StatusName)
		return res
	}
	if req.TargetID == req.SourceID || req.TargetID <= 0 || req.SourceID <= 0 {
		return finish(InvalidRequest)
	}

	now := s.clock.Now()
	var (
		target, source *model.Claim
		moved          model.Money
		entries        []model.BankTransaction
		outcome        ClaimStatus
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		entries, moved = nil, 0
		// Lock in id order so two opposite merges cannot deadlock.
		first, second := req.TargetID, req.SourceID
		if first > second {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if err := tx.LockClaim(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					outcome = UnknownClaim
					return errRejected
				}
				return err
			}
		}
		var err error
		if target, err = tx.ClaimByID(ctx, req.TargetID); err != nil {
			return err
		}
		if source, err = tx.ClaimByID(ctx, req.SourceID); err != nil {
			return err
		}
		if !req.Admin && (target.Owner != req.Player || source.Owner != req.Player) {
			outcome = NotOwner
			return errRejected
		}
		if target.Owner != source.Owner || target.World != source.World {
			outcome = NotMergeable
			return errRejected
		}
		if _, _, ok := chunkgeo.AdjacentPair(chunkgeo.Set(target.Chunks), chunkgeo.Set(source.Chunks)); !ok {
			outcome = NotMergeable
			return errRejected
		}
		if s.cfg.MaxChunksPerClaim > 0 && target.ChunkCount()+source.ChunkCount() > s.cfg.MaxChunksPerClaim {
			outcome = ClaimTooLarge
			return errRejected
		}

		if _, err := tx.MoveChunks(ctx, source.ID, target.ID); err != nil {
			return err
		}
		if err := tx.AddCapacity(ctx, target.ID, source.TotalChunks, source.PurchasedChunks, source.AllocatedChunks); err != nil {
			return err
		}

		bank, err := s.bankOf(ctx, tx, source.ID)
		if err != nil {
			return err
		}
		if bank.Balance > 0 {
			if entries, err = s.moveBalance(ctx, tx, req.Player, source, target, bank.Balance, now); err != nil {
				return err
			}
			moved = bank.Balance
			bank.Balance = 0
		}
		if err := s.archive(ctx, tx, source, bank, fmt.Sprintf("merged into claim %d", target.ID), now); err != nil {
			return err
		}
		return tx.DeleteClaim(ctx, source.ID)
	})
	switch {
	case errors.Is(err, errRejected):
		return finish(outcome)
	case err != nil:
		res.Err = err
		s.logger.Error("merge transaction failed",
			zap.String("player", req.Player),
			zap.Int64("claim_id", req.TargetID),
			zap.Int64("source_claim_id", req.SourceID),
			zap.Error(err))
		return finish(DatabaseError)
	}

	for p := range source.Chunks {
		target.Chunks[p] = struct{}{}
	}
	target.TotalChunks += source.TotalChunks
	target.PurchasedChunks += source.PurchasedChunks
	target.AllocatedChunks += source.AllocatedChunks

	s.index.RemoveClaim(source.ID)
	s.index.Put(target)
	s.invalidate(source.ID, target.ID)
	s.mirror(entries)

	res.Claim = target.Clone()
	notify.Safe(s.logger, s.observer, notify.Event{
		Kind:    notify.KindClaimsMerged,
		ClaimID: target.ID,
		Player:  target.Owner,
		Amount:  moved,
		Message: fmt.Sprintf("claim %d merged into %d", source.ID, target.ID),
		At:      now,
	})
	s.logger.Info("claims merged",
		zap.Int64("claim_id", target.ID),
		zap.Int64("source_claim_id", source.ID),
		zap.Int("chunks", target.ChunkCount()),
		zap.Int64("amount_cents", int64(moved)))
	return finish(Merged)
}

func (s *Service) bankOf(ctx context.Context, tx *store.Tx, claimID int64) (model.ClaimBank, error) {
	b, err := tx.Bank(ctx, claimID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ClaimBank{ClaimID: claimID}, nil
	}
	return b, err
}

func (s *Service) moveBalance(ctx context.Context, tx *store.Tx, actor string, from, to *model.Claim, amount model.Money, now time.Time) ([]model.BankTransaction, error) {
	if _, ok, err := tx.Debit(ctx, from.ID, amount); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("claim %d balance changed during merge", from.ID)
	}
	out := model.BankTransaction{
		ID:        uuid.NewString(),
		ClaimID:   from.ID,
		Kind:      model.TxWithdraw,
		Actor:     actor,
		Amount:    -amount,
		Balance:   0,
		Memo:      fmt.Sprintf("merged into claim %d", to.ID),
		CreatedAt: now,
	}
	if err := tx.AppendTransaction(ctx, out); err != nil {
		return nil, err
	}
	if err := tx.EnsureBank(ctx, to.ID, s.nextDue(now)); err != nil {
		return nil, err
	}
	bal, err := tx.Credit(ctx, to.ID, amount)
	if err != nil {
		return nil, err
	}
	in := model.BankTransaction{
		ID:        uuid.NewString(),
		ClaimID:   to.ID,
		Kind:      model.TxDeposit,
		Actor:     actor,
		Amount:    amount,
		Balance:   bal,
		Memo:      fmt.Sprintf("merged from claim %d", from.ID),
		CreatedAt: now,
	}
	if err := tx.AppendTransaction(ctx, in); err != nil {
		return nil, err
	}
	return []model.BankTransaction{out, in}, nil
}

// archive writes the claim's full ledger to the archive dir before the store drops it.
func (s *Service) archive(ctx context.Context, tx *store.Tx, c *model.Claim, bank model.ClaimBank, reason string, now time.Time) error {
	if s.cfg.ArchiveDir == "" {
		return nil
	}
	var ledger []model.BankTransaction
	for offset := 0; ; offset += ledgerPage {
		page, err := tx.Transactions(ctx, c.ID, offset, ledgerPage)
		if err != nil {
			return err
		}
		ledger = append(ledger, page...)
		if len(page) < ledgerPage {
			break
		}
	}
	path, err := archive.ArchiveClaimLedger(s.cfg.ArchiveDir, archive.Input{
		Claim: c, Bank: bank, Ledger: ledger, Reason: reason, Now: now,
	})
	if err != nil {
		return fmt.Errorf("archive claim %d ledger: %w", c.ID, err)
	}
	s.logger.Info("claim ledger archived", zap.Int64("claim_id", c.ID), zap.String("path", path), zap.Int("transactions", len(ledger)))
	return nil
}

func (s *Service) invalidate(ids ...int64) {
	if s.balances == nil {
		return
	}
	for _, id := range ids {
		s.balances.Invalidate(id)
	}
}

func (s *Service) mirror(entries []model.BankTransaction) {
	for _, e := range entries {
		if err := s.ledger.Append(e); err != nil {
			s.logger.Warn("ledger mirror append failed", zap.Int64("claim_id", e.ClaimID), zap.String("tx_id", e.ID), zap.Error(err))
		}
	}
}

type DeleteRequest struct {
	Player  string
	ClaimID int64
	Admin   bool
	Reason  string
}

// DeleteClaim archives the claim's ledger and removes the claim with its chunks, bank and ledger.
// Capacity the claim held is returned to the owner's pool.
func (s *Service) DeleteClaim(ctx context.Context, req DeleteRequest) ClaimResult {
	res := ClaimResult{ClaimID: req.ClaimID}
	finish := func(st ClaimStatus) ClaimResult {
		res.Status = st
		res.StatusName = st.String()
		s.metrics.ClaimAction("delete", res.StatusName)
		return res
	}
	if req.ClaimID <= 0 {
		return finish(InvalidRequest)
	}
	reason := req.Reason
	if reason == "" {
		reason = "deleted"
	}

	now := s.clock.Now()
	var c *model.Claim
	var outcome ClaimStatus
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockClaim(ctx, req.ClaimID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				outcome = UnknownClaim
				return errRejected
			}
			return err
		}
		var err error
		if c, err = tx.ClaimByID(ctx, req.ClaimID); err != nil {
			return err
		}
		if !req.Admin && c.Owner != req.Player {
			outcome = NotOwner
			return errRejected
		}
		bank, err := s.bankOf(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if err := s.archive(ctx, tx, c, bank, reason, now); err != nil {
			return err
		}
		return tx.DeleteClaim(ctx, c.ID)
	})
	switch {
	case errors.Is(err, errRejected):
		return finish(outcome)
	case err != nil:
		res.Err = err
		s.logger.Error("delete claim transaction failed",
			zap.String("player", req.Player),
			zap.Int64("claim_id", req.ClaimID),
			zap.Error(err))
		return finish(DatabaseError)
	}

	s.index.RemoveClaim(c.ID)
	s.invalidate(c.ID)
	if s.alloc != nil {
		s.alloc.InvalidatePool(c.Owner)
	}
	res.Claim = c
	notify.Safe(s.logger, s.observer, notify.Event{
		Kind:    notify.KindClaimDeleted,
		ClaimID: c.ID,
		Player:  c.Owner,
		Chunks:  c.SortedChunks(),
		Message: reason,
		At:      now,
	})
	return finish(Deleted)
}

// MergeCandidates lists the owner's other claims in the same world that touch claimID.
func (s *Service) MergeCandidates(ctx context.Context, claimID int64) ([]int64, error) {
	c, err := s.store.ClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	owned, err := s.store.ClaimsByOwner(ctx, c.Owner)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, o := range owned {
		if o.ID == c.ID || o.World != c.World {
			continue
		}
		if _, _, ok := chunkgeo.AdjacentPair(chunkgeo.Set(c.Chunks), chunkgeo.Set(o.Chunks)); ok {
			out = append(out, o.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
