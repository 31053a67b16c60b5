// Package claimstest holds fixtures shared by the claim service tests.
package claimstest

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/persistence/store"
)

const World = "world"

var ErrForced = errors.New("forced transaction failure")

func Pos(x, z int) model.ChunkPos { return model.ChunkPos{World: World, X: x, Z: z} }

func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "claims.sqlite"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type ClaimSeed struct {
	Owner     string
	World     string
	Total     int
	Purchased int
	Allocated int
	Order     int
	Profile   string
	Balance   model.Money
	NextDue   *time.Time
	Chunks    []model.ChunkPos
}

// SeedClaim inserts a claim with its chunks and bank directly through the store.
func SeedClaim(t testing.TB, s *store.Store, seed ClaimSeed) int64 {
	t.Helper()
	ctx := context.Background()
	if seed.World == "" {
		seed.World = World
	}
	if seed.Total == 0 {
		seed.Total = 10
	}
	if seed.Order == 0 {
		seed.Order = 1
	}
	var id int64
	err := s.InTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.InsertClaim(ctx, &model.Claim{
			Owner:           seed.Owner,
			World:           seed.World,
			TotalChunks:     seed.Total,
			PurchasedChunks: seed.Purchased,
			AllocatedChunks: seed.Allocated,
			ClaimOrder:      seed.Order,
			CapacityProfile: seed.Profile,
			Settings:        model.DefaultSettings(),
			CreatedAt:       time.Unix(100, 0).UTC(),
		})
		if err != nil {
			return err
		}
		for _, p := range seed.Chunks {
			if err := tx.InsertChunk(ctx, p, id); err != nil {
				return err
			}
		}
		if err := tx.EnsureBank(ctx, id, seed.NextDue); err != nil {
			return err
		}
		if seed.Balance > 0 {
			_, err = tx.Credit(ctx, id, seed.Balance)
		}
		return err
	})
	if err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	return id
}

func GrantPool(t testing.TB, s *store.Store, player string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.InTx(ctx, func(tx *store.Tx) error { return tx.AddPoolPurchased(ctx, player, n) }); err != nil {
		t.Fatalf("grant pool: %v", err)
	}
}

// FailingStore runs transactions normally but rolls them back with ErrForced while Fail is set.
type FailingStore struct {
	*store.Store
	Fail  atomic.Bool
	Calls atomic.Int32
}

func NewFailingStore(s *store.Store) *FailingStore { return &FailingStore{Store: s} }

func (f *FailingStore) InTx(ctx context.Context, fn func(*store.Tx) error) error {
	f.Calls.Add(1)
	if !f.Fail.Load() {
		return f.Store.InTx(ctx, fn)
	}
	return f.Store.InTx(ctx, func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return ErrForced
	})
}

func MustClaim(t testing.TB, s store.Backend, id int64) *model.Claim {
	t.Helper()
	c, err := s.ClaimByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load claim %d: %v", id, err)
	}
	return c
}

func MustBank(t testing.TB, s store.Backend, id int64) model.ClaimBank {
	t.Helper()
	b, err := s.Bank(context.Background(), id)
	if err != nil {
		t.Fatalf("load bank %d: %v", id, err)
	}
	return b
}
