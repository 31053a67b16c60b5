package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
	"chunkclaims.ai/internal/runtime/tick"
	"chunkclaims.ai/internal/util/workerpool"
)

type fakeSource struct {
	mu     sync.Mutex
	claims map[int64]*model.Claim

	failLoad   bool
	chunksGate chan struct{}

	pointQueries atomic.Int32
}

func newFakeSource(claims ...*model.Claim) *fakeSource {
	f := &fakeSource{claims: map[int64]*model.Claim{}}
	for _, c := range claims {
		f.claims[c.ID] = c
	}
	return f
}

func (f *fakeSource) LoadAllClaims(context.Context) ([]*model.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad {
		return nil, errors.New("db down")
	}
	var out []*model.Claim
	for _, c := range f.claims {
		meta := c.Clone()
		meta.Chunks = map[model.ChunkPos]struct{}{}
		out = append(out, meta)
	}
	return out, nil
}

func (f *fakeSource) LoadAllChunks(context.Context) ([]model.ClaimedChunk, error) {
	if f.chunksGate != nil {
		<-f.chunksGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ClaimedChunk
	for _, c := range f.claims {
		for p := range c.Chunks {
			out = append(out, model.ClaimedChunk{Pos: p, ClaimID: c.ID})
		}
	}
	return out, nil
}

func (f *fakeSource) ClaimByID(_ context.Context, id int64) (*model.Claim, error) {
	f.pointQueries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeSource) ClaimAt(_ context.Context, pos model.ChunkPos) (int64, error) {
	f.pointQueries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.claims {
		if c.Has(pos) {
			return c.ID, nil
		}
	}
	return 0, store.ErrNotFound
}

func (f *fakeSource) ClaimsByOwner(_ context.Context, owner string) ([]*model.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Claim
	for _, c := range f.claims {
		if c.Owner == owner {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func pos(x, z int) model.ChunkPos { return model.ChunkPos{World: "world", X: x, Z: z} }

func claimWith(id int64, owner string, chunks ...model.ChunkPos) *model.Claim {
	c := &model.Claim{ID: id, Owner: owner, World: "world", TotalChunks: 10, ClaimOrder: 1, Chunks: map[model.ChunkPos]struct{}{}}
	for _, p := range chunks {
		c.Chunks[p] = struct{}{}
	}
	return c
}

func newTestIndex(t *testing.T, src Source, cfg Config) *Index {
	t.Helper()
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(workerpool.Config{Name: "index-test", MaxWorkers: 2, QueueSize: 64})
		t.Cleanup(func() { _ = cfg.Pool.Stop(time.Second) })
	}
	ix, err := New(src, cfg)
	require.NoError(t, err)
	return ix
}

func TestColdLookupOnLoopIsUnknownAndFills(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0), pos(1, 0)))
	ix := newTestIndex(t, src, Config{})
	loopCtx := tick.WithLoop(context.Background())

	c, st, err := ix.ClaimAt(loopCtx, pos(1, 0))
	require.NoError(t, err)
	assert.Equal(t, Unknown, st)
	assert.Nil(t, c)

	require.Eventually(t, func() bool {
		_, st, _ := ix.ClaimAt(loopCtx, pos(1, 0))
		return st == Found
	}, time.Second, 5*time.Millisecond)

	c, st, _ = ix.ClaimAt(loopCtx, pos(1, 0))
	require.Equal(t, Found, st)
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, 2, c.ChunkCount())
}

func TestColdLookupOffLoopQueriesStore(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0)))
	ix := newTestIndex(t, src, Config{})

	c, st, err := ix.ClaimAt(context.Background(), pos(0, 0))
	require.NoError(t, err)
	require.Equal(t, Found, st)
	assert.Equal(t, "alice", c.Owner)

	_, st, err = ix.ClaimAt(context.Background(), pos(5, 5))
	require.NoError(t, err)
	assert.Equal(t, Absent, st)
}

func TestLoadedAbsenceIsAuthoritative(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0)))
	ix := newTestIndex(t, src, Config{})
	require.NoError(t, ix.Preload(context.Background()))

	before := src.pointQueries.Load()
	for x := -3; x <= 3; x++ {
		for z := -3; z <= 3; z++ {
			if x == 0 && z == 0 {
				continue
			}
			_, st, err := ix.ClaimAt(context.Background(), pos(x, z))
			require.NoError(t, err)
			require.Equal(t, Absent, st)
		}
	}
	assert.Equal(t, before, src.pointQueries.Load(), "a loaded index must not fall back to point queries")
}

func TestPreloadIsIdempotent(t *testing.T) {
	src := newFakeSource(
		claimWith(1, "alice", pos(0, 0), pos(0, 1), pos(1, 1)),
		claimWith(2, "bob", pos(5, 5)),
		claimWith(3, "alice"),
	)
	a := newTestIndex(t, src, Config{})
	b := newTestIndex(t, src, Config{})
	require.NoError(t, a.Preload(context.Background()))
	require.NoError(t, b.Preload(context.Background()))
	require.NoError(t, b.Preload(context.Background()))

	for x := -2; x <= 6; x++ {
		for z := -2; z <= 6; z++ {
			ca, sa, _ := a.ClaimAt(context.Background(), pos(x, z))
			cb, sb, _ := b.ClaimAt(context.Background(), pos(x, z))
			require.Equal(t, sa, sb, "status at %d,%d", x, z)
			if sa == Found {
				require.Equal(t, ca.ID, cb.ID)
			}
		}
	}
	claims, st, err := b.ClaimsByOwner(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, Found, st)
	assert.Len(t, claims, 2)
}

func TestFailedPreloadIsNotAuthoritativeDuringGrace(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0)))
	src.failLoad = true
	clk := clock.NewManual(time.Unix(1_000, 0))
	ix := newTestIndex(t, src, Config{StaleGrace: time.Minute, Clock: clk})

	require.Error(t, ix.Preload(context.Background()))
	assert.True(t, ix.Loaded())

	c, st, err := ix.ClaimAt(context.Background(), pos(0, 0))
	require.NoError(t, err)
	require.Equal(t, Found, st, "during the grace window lookups must go to the store")
	assert.Equal(t, int64(1), c.ID)

	_, st, _ = ix.ClaimAt(tick.WithLoop(context.Background()), pos(9, 9))
	assert.Equal(t, Unknown, st)
	require.Eventually(t, func() bool { return ix.PendingFills() == 0 }, time.Second, 5*time.Millisecond)

	clk.Advance(2 * time.Minute)
	before := src.pointQueries.Load()
	_, st, _ = ix.ClaimAt(context.Background(), pos(8, 8))
	assert.Equal(t, Absent, st)
	assert.Equal(t, before, src.pointQueries.Load())
}

func TestRemoveClaimDropsEveryChunk(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0), pos(0, 1)))
	ix := newTestIndex(t, src, Config{})
	require.NoError(t, ix.Preload(context.Background()))

	ix.RemoveClaim(1)
	ix.RemoveClaim(1)
	for _, p := range []model.ChunkPos{pos(0, 0), pos(0, 1)} {
		_, st, _ := ix.ClaimAt(context.Background(), p)
		assert.Equal(t, Absent, st)
	}
	claims, _, _ := ix.ClaimsByOwner(context.Background(), "alice")
	assert.Empty(t, claims)
	assert.Equal(t, 0, ix.Stats().Chunks)
}

func TestChunkMutationsAreIdempotent(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0)))
	ix := newTestIndex(t, src, Config{})
	require.NoError(t, ix.Preload(context.Background()))

	ix.AddChunk(1, pos(0, 1))
	ix.AddChunk(1, pos(0, 1))
	c, _, _ := ix.ClaimByID(context.Background(), 1)
	assert.Equal(t, 2, c.ChunkCount())

	ix.RemoveChunk(1, pos(0, 1))
	ix.RemoveChunk(1, pos(0, 1))
	c, _, _ = ix.ClaimByID(context.Background(), 1)
	assert.Equal(t, 1, c.ChunkCount())
	assert.Equal(t, []int64{1}, ix.NeighborClaims(pos(1, 0)))
}

func TestMutationDuringPreloadSurvivesSwap(t *testing.T) {
	src := newFakeSource(claimWith(1, "alice", pos(0, 0)))
	src.chunksGate = make(chan struct{})
	ix := newTestIndex(t, src, Config{})

	done := make(chan error, 1)
	go func() { done <- ix.Preload(context.Background()) }()

	require.Eventually(t, func() bool {
		ix.jmu.Lock()
		defer ix.jmu.Unlock()
		return ix.jopen
	}, time.Second, time.Millisecond)
	ix.AddChunk(1, pos(0, 1))
	close(src.chunksGate)
	require.NoError(t, <-done)

	c, st, _ := ix.ClaimAt(context.Background(), pos(0, 1))
	require.Equal(t, Found, st)
	assert.Equal(t, int64(1), c.ID)
}
