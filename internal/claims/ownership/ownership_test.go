package ownership

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkclaims.ai/internal/claims/claimstest"
	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/claims/purchase"
	"chunkclaims.ai/internal/economy"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
)

type memLedger struct {
	mu  sync.Mutex
	txs []model.BankTransaction
}

func (l *memLedger) Append(tx model.BankTransaction) error {
	l.mu.Lock()
	l.txs = append(l.txs, tx)
	l.mu.Unlock()
	return nil
}

type fixture struct {
	store   *claimstest.FailingStore
	index   *index.Index
	engine  *purchase.Engine
	ledger  *memLedger
	rec     *notify.Recorder
	clk     *clock.Manual
	archive string
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := claimstest.NewFailingStore(claimstest.OpenStore(t))
	ix, err := index.New(fs.Store, index.Config{})
	require.NoError(t, err)
	f := &fixture{
		store:   fs,
		index:   ix,
		ledger:  &memLedger{},
		rec:     &notify.Recorder{},
		clk:     clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		archive: t.TempDir(),
	}
	f.engine, err = purchase.New(purchase.Deps{Store: fs, Index: ix, Economy: economy.NewMemory(), Clock: f.clk},
		purchase.Config{Ceiling: func(string) int { return 10 }})
	require.NoError(t, err)
	f.svc, err = New(Deps{
		Store:     fs,
		Index:     ix,
		Allocator: f.engine,
		Ledger:    f.ledger,
		Observer:  f.rec,
		Clock:     f.clk,
	}, Config{
		StartingChunks:     2,
		MaxClaimsPerPlayer: 2,
		MaxChunksPerClaim:  8,
		UpkeepInterval:     24 * time.Hour,
		ArchiveDir:         f.archive,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) preload(t *testing.T) {
	t.Helper()
	require.NoError(t, f.index.Preload(context.Background()))
}

func (f *fixture) claim(t *testing.T, player string, x, z int) ClaimResult {
	t.Helper()
	return f.svc.ClaimChunk(context.Background(), ClaimRequest{Player: player, Pos: claimstest.Pos(x, z)})
}

func (f *fixture) ownerAt(t *testing.T, x, z int) (int64, index.LookupStatus) {
	t.Helper()
	c, st, err := f.index.ClaimAt(context.Background(), claimstest.Pos(x, z))
	require.NoError(t, err)
	if c == nil {
		return 0, st
	}
	return c.ID, st
}

func TestFirstChunkCreatesClaim(t *testing.T) {
	f := newFixture(t)
	f.preload(t)

	res := f.claim(t, "alice", 0, 0)
	require.Equal(t, Claimed, res.Status, "err=%v", res.Err)
	assert.True(t, res.Created)
	assert.Equal(t, "CLAIMED", res.StatusName)

	c := claimstest.MustClaim(t, f.store, res.ClaimID)
	assert.Equal(t, "alice", c.Owner)
	assert.Equal(t, 1, c.ClaimOrder)
	assert.Equal(t, 2, c.TotalChunks)
	assert.True(t, c.Has(claimstest.Pos(0, 0)))

	b := claimstest.MustBank(t, f.store, res.ClaimID)
	require.NotNil(t, b.NextUpkeepDue)
	assert.True(t, b.NextUpkeepDue.Equal(f.clk.Now().Add(24*time.Hour)))

	id, st := f.ownerAt(t, 0, 0)
	assert.Equal(t, index.Found, st)
	assert.Equal(t, res.ClaimID, id)
	assert.Equal(t, 1, f.rec.Count(notify.KindChunkClaimed))
}

func TestAdjacentChunkExtendsAndFullClaimDrawsFromPool(t *testing.T) {
	f := newFixture(t)
	f.preload(t)
	first := f.claim(t, "alice", 0, 0)
	require.Equal(t, Claimed, first.Status)

	res := f.claim(t, "alice", 1, 0)
	require.Equal(t, Claimed, res.Status)
	assert.False(t, res.Created)
	assert.Equal(t, first.ClaimID, res.ClaimID)

	res = f.claim(t, "alice", 2, 0)
	assert.Equal(t, NoChunksLeft, res.Status)
	_, st := f.ownerAt(t, 2, 0)
	assert.Equal(t, index.Absent, st)
	assert.Len(t, claimstest.MustClaim(t, f.store, first.ClaimID).Chunks, 2)

	claimstest.GrantPool(t, f.store.Store, "alice", 1)
	res = f.claim(t, "alice", 2, 0)
	require.Equal(t, Claimed, res.Status, "err=%v", res.Err)
	assert.True(t, res.AutoAllocated)

	c := claimstest.MustClaim(t, f.store, first.ClaimID)
	assert.Equal(t, 3, c.TotalChunks)
	assert.Equal(t, 1, c.AllocatedChunks)
	assert.Len(t, c.Chunks, 3)

	view, ok, err := f.engine.PoolView(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, view.Available())

	cached, st, err := f.index.ClaimByID(context.Background(), first.ClaimID)
	require.NoError(t, err)
	require.Equal(t, index.Found, st)
	assert.Equal(t, 3, cached.TotalChunks)
}

func TestClaimRejections(t *testing.T) {
	f := newFixture(t)
	f.preload(t)
	require.Equal(t, Claimed, f.claim(t, "alice", 0, 0).Status)

	assert.Equal(t, AlreadyOwned, f.claim(t, "alice", 0, 0).Status)
	assert.Equal(t, OwnedByOther, f.claim(t, "bob", 0, 0).Status)
	assert.Equal(t, InvalidRequest, f.claim(t, "", 5, 5).Status)

	diag := f.claim(t, "alice", 1, 1)
	require.Equal(t, Claimed, diag.Status)
	assert.True(t, diag.Created, "diagonal chunks do not touch")
	assert.Equal(t, 2, claimstest.MustClaim(t, f.store, diag.ClaimID).ClaimOrder)

	assert.Equal(t, TooManyClaims, f.claim(t, "alice", 9, 9).Status)
	assert.Equal(t, Claimed, f.claim(t, "bob", 1, 0).Status, "another player's claim is not extended")
}

func TestWorldFilter(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.WorldAllowed = func(w string) bool { return w == claimstest.World }
	res := f.svc.ClaimChunk(context.Background(), ClaimRequest{Player: "alice", Pos: model.ChunkPos{World: "nether"}})
	assert.Equal(t, WorldNotAllowed, res.Status)
}

func TestClaimTooLarge(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.MaxChunksPerClaim = 2
	claimstest.GrantPool(t, f.store.Store, "alice", 5)
	require.Equal(t, Claimed, f.claim(t, "alice", 0, 0).Status)
	require.Equal(t, Claimed, f.claim(t, "alice", 1, 0).Status)
	assert.Equal(t, ClaimTooLarge, f.claim(t, "alice", 2, 0).Status)
}

func TestFailedClaimLeavesIndexUntouched(t *testing.T) {
	f := newFixture(t)
	f.preload(t)
	f.store.Fail.Store(true)

	res := f.claim(t, "alice", 0, 0)
	assert.Equal(t, DatabaseError, res.Status)
	assert.ErrorIs(t, res.Err, claimstest.ErrForced)

	f.store.Fail.Store(false)
	_, st := f.ownerAt(t, 0, 0)
	assert.Equal(t, index.Absent, st)
	n, err := f.store.CountClaims(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.rec.Count(notify.KindChunkClaimed))
}

func TestClaimReportsMergeCandidates(t *testing.T) {
	f := newFixture(t)
	f.preload(t)
	a := f.claim(t, "alice", 0, 0)
	b := f.claim(t, "alice", 2, 0)
	require.True(t, a.Created && b.Created)

	res := f.svc.ClaimChunk(context.Background(), ClaimRequest{Player: "alice", Pos: claimstest.Pos(1, 0), ClaimID: b.ClaimID})
	require.Equal(t, Claimed, res.Status)
	assert.Equal(t, b.ClaimID, res.ClaimID)
	assert.Equal(t, []int64{a.ClaimID}, res.MergeCandidates)

	got, err := f.svc.MergeCandidates(context.Background(), a.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ClaimID}, got)
}

func TestUnclaimKeepsCapacity(t *testing.T) {
	f := newFixture(t)
	f.preload(t)
	res := f.claim(t, "alice", 0, 0)
	require.Equal(t, Claimed, res.Status)
	ctx := context.Background()

	assert.Equal(t, NotOwner, f.svc.Unclaim(ctx, UnclaimRequest{Player: "bob", Pos: claimstest.Pos(0, 0)}).Status)
	assert.Equal(t, NotClaimed, f.svc.Unclaim(ctx, UnclaimRequest{Player: "alice", Pos: claimstest.Pos(3, 3)}).Status)

	out := f.svc.Unclaim(ctx, UnclaimRequest{Player: "alice", Pos: claimstest.Pos(0, 0)})
	require.Equal(t, Unclaimed, out.Status)

	c := claimstest.MustClaim(t, f.store, res.ClaimID)
	assert.Empty(t, c.Chunks, "an empty claim is preserved")
	assert.Equal(t, 2, c.TotalChunks)
	_, st := f.ownerAt(t, 0, 0)
	assert.Equal(t, index.Absent, st)
	assert.Equal(t, 1, f.rec.Count(notify.KindChunkUnclaimed))

	require.Equal(t, Claimed, f.claim(t, "bob", 0, 0).Status)
	assert.Equal(t, Unclaimed, f.svc.Unclaim(ctx, UnclaimRequest{Player: "op", Pos: claimstest.Pos(0, 0), Admin: true}).Status)
}

func seedLine(t *testing.T, f *fixture, from, n, total, purchased int, balance model.Money) int64 {
	t.Helper()
	var chunks []model.ChunkPos
	for x := from; x < from+n; x++ {
		chunks = append(chunks, claimstest.Pos(x, 0))
	}
	return claimstest.SeedClaim(t, f.store.Store, claimstest.ClaimSeed{
		Owner: "alice", Total: total, Purchased: purchased, Balance: balance, Chunks: chunks,
	})
}

func TestMergeMovesChunksCapacityAndBalance(t *testing.T) {
	f := newFixture(t)
	claimstest.GrantPool(t, f.store.Store, "alice", 3)
	a := seedLine(t, f, 0, 3, 5, 1, model.Dollars(1))
	b := seedLine(t, f, 3, 2, 4, 2, model.Dollars(7))
	f.preload(t)
	ctx := context.Background()

	res := f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: b})
	require.Equal(t, Merged, res.Status, "err=%v", res.Err)

	c := claimstest.MustClaim(t, f.store, a)
	assert.Len(t, c.Chunks, 5)
	assert.Equal(t, 9, c.TotalChunks)
	assert.Equal(t, 3, c.PurchasedChunks)
	assert.LessOrEqual(t, c.ChunkCount(), c.TotalChunks)

	_, err := f.store.ClaimByID(ctx, b)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, st, err := f.index.ClaimByID(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, index.Absent, st)
	for x := 0; x < 5; x++ {
		id, st := f.ownerAt(t, x, 0)
		require.Equal(t, index.Found, st)
		assert.Equal(t, a, id)
	}

	assert.Equal(t, model.Dollars(8), claimstest.MustBank(t, f.store, a).Balance)
	hist, err := f.store.Transactions(ctx, a, 0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.TxDeposit, hist[0].Kind)
	assert.Equal(t, model.Dollars(7), hist[0].Amount)
	assert.Len(t, f.ledger.txs, 2)

	view, _, err := f.engine.PoolView(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, view.Available(), "merging moves capacity without creating any")

	files, err := os.ReadDir(filepath.Join(f.archive, fmt.Sprintf("claim_%06d", b)))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, 1, f.rec.Count(notify.KindClaimsMerged))
}

func TestMergeRejections(t *testing.T) {
	f := newFixture(t)
	a := seedLine(t, f, 0, 2, 5, 0, 0)
	far := seedLine(t, f, 10, 2, 5, 0, 0)
	bob := claimstest.SeedClaim(t, f.store.Store, claimstest.ClaimSeed{Owner: "bob", Chunks: []model.ChunkPos{claimstest.Pos(2, 0)}})
	other := claimstest.SeedClaim(t, f.store.Store, claimstest.ClaimSeed{Owner: "alice", World: "nether",
		Chunks: []model.ChunkPos{{World: "nether", X: 2, Z: 0}}})
	ctx := context.Background()

	assert.Equal(t, InvalidRequest, f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: a}).Status)
	assert.Equal(t, NotMergeable, f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: far}).Status)
	assert.Equal(t, NotOwner, f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: bob}).Status)
	assert.Equal(t, NotMergeable, f.svc.Merge(ctx, MergeRequest{Player: "op", TargetID: a, SourceID: bob, Admin: true}).Status)
	assert.Equal(t, NotMergeable, f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: other}).Status)
	assert.Equal(t, UnknownClaim, f.svc.Merge(ctx, MergeRequest{Player: "alice", TargetID: a, SourceID: 999}).Status)
}

func TestFailedMergeChangesNothing(t *testing.T) {
	f := newFixture(t)
	a := seedLine(t, f, 0, 3, 5, 0, model.Dollars(1))
	b := seedLine(t, f, 3, 2, 4, 0, model.Dollars(2))
	f.preload(t)
	f.store.Fail.Store(true)

	res := f.svc.Merge(context.Background(), MergeRequest{Player: "alice", TargetID: a, SourceID: b})
	assert.Equal(t, DatabaseError, res.Status)
	f.store.Fail.Store(false)

	assert.Len(t, claimstest.MustClaim(t, f.store, a).Chunks, 3)
	assert.Len(t, claimstest.MustClaim(t, f.store, b).Chunks, 2)
	assert.Equal(t, model.Dollars(2), claimstest.MustBank(t, f.store, b).Balance)
	id, st := f.ownerAt(t, 3, 0)
	require.Equal(t, index.Found, st)
	assert.Equal(t, b, id)
	assert.Empty(t, f.ledger.txs)
	assert.Zero(t, f.rec.Count(notify.KindClaimsMerged))
}

func TestDeleteClaimArchivesAndReturnsCapacity(t *testing.T) {
	f := newFixture(t)
	claimstest.GrantPool(t, f.store.Store, "alice", 4)
	id := seedLine(t, f, 0, 2, 6, 4, model.Dollars(3))
	f.preload(t)
	ctx := context.Background()

	assert.Equal(t, NotOwner, f.svc.DeleteClaim(ctx, DeleteRequest{Player: "bob", ClaimID: id}).Status)
	res := f.svc.DeleteClaim(ctx, DeleteRequest{Player: "alice", ClaimID: id})
	require.Equal(t, Deleted, res.Status, "err=%v", res.Err)

	_, err := f.store.ClaimByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, st := f.ownerAt(t, 0, 0)
	assert.Equal(t, index.Absent, st)

	view, _, err := f.engine.PoolView(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, view.Available())

	files, err := os.ReadDir(filepath.Join(f.archive, fmt.Sprintf("claim_%06d", id)))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, UnknownClaim, f.svc.DeleteClaim(ctx, DeleteRequest{Player: "alice", ClaimID: id}).Status)
}

func TestCapacityHoldsUnderRandomOperations(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.MaxClaimsPerPlayer = 0
	f.svc.cfg.MaxChunksPerClaim = 0
	for _, p := range []string{"alice", "bob"} {
		claimstest.GrantPool(t, f.store.Store, p, 6)
	}
	f.preload(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	players := []string{"alice", "bob"}

	for i := 0; i < 300; i++ {
		player := players[rng.Intn(len(players))]
		pos := claimstest.Pos(rng.Intn(6), rng.Intn(6))
		switch rng.Intn(5) {
		case 0, 1, 2:
			res := f.svc.ClaimChunk(ctx, ClaimRequest{Player: player, Pos: pos})
			for _, other := range res.MergeCandidates {
				f.svc.Merge(ctx, MergeRequest{Player: player, TargetID: res.ClaimID, SourceID: other})
			}
		case 3:
			f.svc.Unclaim(ctx, UnclaimRequest{Player: player, Pos: pos})
		case 4:
			f.engine.Allocate(ctx, purchase.AllocRequest{Player: player, ClaimID: int64(rng.Intn(10) + 1), Amount: 1})
		}

		claims, err := f.store.LoadAllClaims(ctx)
		require.NoError(t, err)
		for _, c := range claims {
			full := claimstest.MustClaim(t, f.store, c.ID)
			require.LessOrEqual(t, full.ChunkCount(), full.TotalChunks, "claim %d after op %d", c.ID, i)
		}
		for _, p := range players {
			pool, err := f.store.Pool(ctx, p)
			require.NoError(t, err)
			assigned, err := f.store.AssignedChunks(ctx, p)
			require.NoError(t, err)
			require.GreaterOrEqual(t, pool.PurchasedChunks, assigned, "pool %s overdrawn after op %d", p, i)
		}
	}
}
