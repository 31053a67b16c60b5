package upkeep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/chunkgeo"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/store"
)

// revoke removes the claim's chunks farthest from its centroid first until what is left is
// affordable or the floor is reached, then ends grace with the next charge due immediately.
// Each removal commits on its own and is mirrored into the index.
func (e *Engine) revoke(ctx context.Context, row store.BillingRow, start, now time.Time) (int, error) {
	c := row.Claim
	chunks, err := e.store.ClaimChunks(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("load chunks: %w", err)
	}
	set := make(chunkgeo.Set, len(chunks))
	for _, p := range chunks {
		set[p] = struct{}{}
	}
	ranked := chunkgeo.RankFarthest(set)
	remaining := len(ranked)

	var removed []model.ChunkPos
	defer func() {
		if len(removed) == 0 {
			return
		}
		e.metrics.Revoked(len(removed))
		e.logger.Info("chunks revoked for unpaid upkeep", append(e.fields(row),
			zap.Int("revoked", len(removed)), zap.Int("remaining", remaining))...)
		notify.Safe(e.logger, e.observer, notify.Event{
			Kind:    notify.KindChunksRevoked,
			ClaimID: c.ID,
			Player:  c.Owner,
			Chunks:  removed,
			Message: fmt.Sprintf("%d chunks revoked, %d remain", len(removed), remaining),
			At:      now,
		})
	}()

	for _, pos := range ranked {
		if remaining <= e.cfg.KeepMinChunks {
			break
		}
		b, err := e.store.Bank(ctx, c.ID)
		if err != nil {
			return len(removed), err
		}
		if b.GracePeriodStart == nil || !b.GracePeriodStart.Equal(start) {
			// A deposit recovered the claim while chunks were being removed.
			return len(removed), nil
		}
		if e.cost(ctx, c, remaining) <= b.Balance {
			break
		}
		var gone bool
		err = e.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			gone, err = tx.DeleteChunk(ctx, pos, c.ID)
			return err
		})
		if err != nil {
			return len(removed), fmt.Errorf("revoke %v: %w", pos, err)
		}
		remaining--
		if gone {
			removed = append(removed, pos)
			if e.index != nil {
				e.index.RemoveChunk(c.ID, pos)
			}
		}
	}

	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ExitGrace(ctx, c.ID, start, now)
		return err
	})
	if err != nil {
		return len(removed), fmt.Errorf("exit grace: %w", err)
	}
	e.invalidate(c.ID)
	return len(removed), nil
}
