// Package index is the in-memory ownership index: chunk -> claim and owner -> claims.
//
// The index is a derived cache over the store. Writers update it only after a commit.
// Lookups made on the tick loop never touch the store; when the index cannot answer
// they report Unknown and queue a background fill on the worker pool.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
	"chunkclaims.ai/internal/runtime/tick"
	"chunkclaims.ai/internal/util/workerpool"
)

type LookupStatus int

const (
	Found LookupStatus = iota + 1
	Absent
	// Unknown means the index could not answer without blocking; retry off the loop.
	Unknown
)

func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "FOUND"
	case Absent:
		return "ABSENT"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("LookupStatus(%d)", int(s))
	}
}

// Source is the slice of the store the index reads from.
type Source interface {
	LoadAllClaims(ctx context.Context) ([]*model.Claim, error)
	LoadAllChunks(ctx context.Context) ([]model.ClaimedChunk, error)
	ClaimByID(ctx context.Context, id int64) (*model.Claim, error)
	ClaimAt(ctx context.Context, pos model.ChunkPos) (int64, error)
	ClaimsByOwner(ctx context.Context, owner string) ([]*model.Claim, error)
}

type Config struct {
	CacheSize int
	// StaleGrace is how long absences stay non-authoritative after a failed preload.
	StaleGrace time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// Pool runs background fills. Without one, fills are skipped.
	Pool *workerpool.Pool
}

type Index struct {
	src     Source
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool
	grace   time.Duration

	mu   sync.RWMutex
	g    *graph
	meta *lru.Cache[int64, *model.Claim]
	size int

	preloadMu sync.Mutex
	jmu       sync.Mutex
	jlog      []op
	jopen     bool

	loaded        atomic.Bool
	preloadFailed atomic.Int64 // unix nanos of the last failed preload, 0 if none

	fillMu        sync.Mutex
	pendingPos    map[model.ChunkPos]struct{}
	pendingClaims map[int64]struct{}
	pendingOwners map[string]struct{}
}

func New(src Source, cfg Config) (*Index, error) {
	if src == nil {
		return nil, fmt.Errorf("index: nil source")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	meta, err := lru.New[int64, *model.Claim](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{
		src:           src,
		clock:         clock.OrSystem(cfg.Clock),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		pool:          cfg.Pool,
		grace:         cfg.StaleGrace,
		g:             newGraph(),
		meta:          meta,
		size:          cfg.CacheSize,
		pendingPos:    map[model.ChunkPos]struct{}{},
		pendingClaims: map[int64]struct{}{},
		pendingOwners: map[string]struct{}{},
	}, nil
}

func (ix *Index) Loaded() bool { return ix.loaded.Load() }

// authoritative reports whether an absence in the maps means the chunk is unclaimed.
func (ix *Index) authoritative() bool {
	if !ix.loaded.Load() {
		return false
	}
	failed := ix.preloadFailed.Load()
	if failed == 0 {
		return true
	}
	return ix.clock.Now().Sub(time.Unix(0, failed)) >= ix.grace
}

// Preload replaces the index with the store's contents: one query for claims, one for all chunks.
// The new graph becomes visible in one swap. A failed preload still marks the index loaded.
func (ix *Index) Preload(ctx context.Context) error {
	ix.preloadMu.Lock()
	defer ix.preloadMu.Unlock()

	ix.jmu.Lock()
	ix.jopen = true
	ix.jlog = nil
	ix.jmu.Unlock()

	err := ix.preload(ctx)

	if err != nil {
		ix.jmu.Lock()
		ix.jopen = false
		ix.jlog = nil
		ix.jmu.Unlock()
		ix.preloadFailed.Store(ix.clock.Now().UnixNano())
		ix.loaded.Store(true)
		ix.metrics.Preloaded(true)
		ix.logger.Error("ownership index preload failed; absences are not authoritative",
			zap.Duration("stale_grace", ix.grace), zap.Error(err))
		return err
	}
	ix.preloadFailed.Store(0)
	ix.loaded.Store(true)
	ix.metrics.Preloaded(false)
	return nil
}

func (ix *Index) preload(ctx context.Context) error {
	claims, err := ix.src.LoadAllClaims(ctx)
	if err != nil {
		return fmt.Errorf("load claims: %w", err)
	}
	chunks, err := ix.src.LoadAllChunks(ctx)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}

	g := newGraph()
	meta, err := lru.New[int64, *model.Claim](ix.size)
	if err != nil {
		return err
	}
	for _, c := range claims {
		g.putClaim(c.ID, c.Owner, nil)
		meta.Add(c.ID, stripChunks(c))
	}
	orphans := 0
	for _, cc := range chunks {
		if _, ok := g.claimChunks[cc.ClaimID]; !ok {
			orphans++
			continue
		}
		g.addChunk(cc.ClaimID, cc.Pos)
	}
	if orphans > 0 {
		ix.logger.Warn("chunks reference unknown claims", zap.Int("count", orphans))
	}

	ix.mu.Lock()
	ix.jmu.Lock()
	for _, apply := range ix.jlog {
		apply(g, meta)
	}
	ix.jlog = nil
	ix.jopen = false
	ix.jmu.Unlock()
	ix.g = g
	ix.meta = meta
	n := len(g.chunks)
	ix.mu.Unlock()

	ix.metrics.IndexSize(n)
	ix.logger.Info("ownership index loaded", zap.Int("claims", len(claims)), zap.Int("chunks", n))
	return nil
}

type op func(g *graph, meta *lru.Cache[int64, *model.Claim])

// mutate applies fn to the live state and, while a preload is running, journals it so the
// freshly loaded state gets it too. Every op is idempotent. Caller holds ix.mu.
func (ix *Index) mutate(fn op) {
	fn(ix.g, ix.meta)
	ix.jmu.Lock()
	if ix.jopen {
		ix.jlog = append(ix.jlog, fn)
	}
	ix.jmu.Unlock()
}

func stripChunks(c *model.Claim) *model.Claim {
	out := c.Clone()
	out.Chunks = nil
	return out
}

// assemble builds a caller-owned claim from cached metadata and the chunk map. Caller holds ix.mu.
func (ix *Index) assemble(id int64) (*model.Claim, bool) {
	m, ok := ix.meta.Get(id)
	if !ok {
		return nil, false
	}
	out := m.Clone()
	set := ix.g.claimChunks[id]
	out.Chunks = make(map[model.ChunkPos]struct{}, len(set))
	for p := range set {
		out.Chunks[p] = struct{}{}
	}
	return out, true
}

// ClaimAt answers which claim owns pos.
func (ix *Index) ClaimAt(ctx context.Context, pos model.ChunkPos) (*model.Claim, LookupStatus, error) {
	ix.mu.RLock()
	id, mapped := ix.g.chunks[pos]
	var c *model.Claim
	var cached bool
	if mapped {
		c, cached = ix.assemble(id)
	}
	ix.mu.RUnlock()

	switch {
	case mapped && cached:
		ix.metrics.IndexLookup("hit")
		return c, Found, nil
	case !mapped && ix.authoritative():
		ix.metrics.IndexLookup("absent")
		return nil, Absent, nil
	}

	if tick.OnLoop(ctx) {
		ix.metrics.IndexLookup("unknown")
		if mapped {
			ix.fillClaim(id)
		} else {
			ix.fillPos(pos)
		}
		return nil, Unknown, nil
	}

	ix.metrics.IndexLookup("store")
	if !mapped {
		var err error
		id, err = ix.src.ClaimAt(ctx, pos)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Absent, nil
		}
		if err != nil {
			return nil, Unknown, err
		}
	}
	c, err := ix.fetch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Absent, nil
	}
	if err != nil {
		return nil, Unknown, err
	}
	if !c.Has(pos) {
		return nil, Absent, nil
	}
	return c, Found, nil
}

// ClaimByID returns a claim from the cache, or from the store when off the loop.
func (ix *Index) ClaimByID(ctx context.Context, id int64) (*model.Claim, LookupStatus, error) {
	ix.mu.RLock()
	c, ok := ix.assemble(id)
	_, known := ix.g.claimChunks[id]
	ix.mu.RUnlock()
	if ok {
		return c, Found, nil
	}
	if !known && ix.authoritative() {
		return nil, Absent, nil
	}
	if tick.OnLoop(ctx) {
		ix.fillClaim(id)
		return nil, Unknown, nil
	}
	c, err := ix.fetch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Absent, nil
	}
	if err != nil {
		return nil, Unknown, err
	}
	return c, Found, nil
}

// ClaimsByOwner is cache-first. Off the loop a cache miss falls back to the store.
func (ix *Index) ClaimsByOwner(ctx context.Context, owner string) ([]*model.Claim, LookupStatus, error) {
	if ix.authoritative() {
		ix.mu.RLock()
		ids := ix.g.ownerClaims(owner)
		out := make([]*model.Claim, 0, len(ids))
		complete := true
		for _, id := range ids {
			c, ok := ix.assemble(id)
			if !ok {
				complete = false
				break
			}
			out = append(out, c)
		}
		ix.mu.RUnlock()
		if complete {
			return out, Found, nil
		}
	}
	if tick.OnLoop(ctx) {
		ix.fillOwner(owner)
		return nil, Unknown, nil
	}
	claims, err := ix.src.ClaimsByOwner(ctx, owner)
	if err != nil {
		return nil, Unknown, err
	}
	for _, c := range claims {
		ix.Put(c)
	}
	out := make([]*model.Claim, 0, len(claims))
	for _, c := range claims {
		out = append(out, c.Clone())
	}
	return out, Found, nil
}

func (ix *Index) fetch(ctx context.Context, id int64) (*model.Claim, error) {
	c, err := ix.src.ClaimByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		ix.RemoveClaim(id)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	ix.Put(c)
	return c.Clone(), nil
}

// Put installs an authoritative copy of c, replacing its metadata and chunk set.
func (ix *Index) Put(c *model.Claim) {
	if c == nil {
		return
	}
	m := stripChunks(c)
	chunks := make([]model.ChunkPos, 0, len(c.Chunks))
	for p := range c.Chunks {
		chunks = append(chunks, p)
	}
	ix.mu.Lock()
	ix.mutate(func(g *graph, meta *lru.Cache[int64, *model.Claim]) {
		meta.Add(c.ID, m)
		g.putClaim(c.ID, c.Owner, chunks)
	})
	n := len(ix.g.chunks)
	ix.mu.Unlock()
	ix.metrics.IndexSize(n)
}

// PutMeta refreshes a claim's counters and settings without touching its chunk set.
func (ix *Index) PutMeta(c *model.Claim) {
	if c == nil {
		return
	}
	m := stripChunks(c)
	ix.mu.Lock()
	ix.mutate(func(g *graph, meta *lru.Cache[int64, *model.Claim]) {
		meta.Add(c.ID, m)
		g.ensureClaim(c.ID, c.Owner)
	})
	ix.mu.Unlock()
}

func (ix *Index) AddChunk(claimID int64, pos model.ChunkPos) {
	ix.mu.Lock()
	ix.mutate(func(g *graph, _ *lru.Cache[int64, *model.Claim]) { g.addChunk(claimID, pos) })
	n := len(ix.g.chunks)
	ix.mu.Unlock()
	ix.metrics.IndexSize(n)
}

func (ix *Index) RemoveChunk(claimID int64, pos model.ChunkPos) {
	ix.mu.Lock()
	ix.mutate(func(g *graph, _ *lru.Cache[int64, *model.Claim]) { g.removeChunk(claimID, pos) })
	n := len(ix.g.chunks)
	ix.mu.Unlock()
	ix.metrics.IndexSize(n)
}

// RemoveClaim drops a claim together with every chunk mapped to it.
func (ix *Index) RemoveClaim(id int64) {
	ix.mu.Lock()
	ix.mutate(func(g *graph, meta *lru.Cache[int64, *model.Claim]) {
		meta.Remove(id)
		g.dropClaim(id)
	})
	n := len(ix.g.chunks)
	ix.mu.Unlock()
	ix.metrics.IndexSize(n)
}

// InvalidateClaim forgets a claim's cached metadata. Its chunk mappings stay, so loop lookups of
// those chunks report Unknown until the claim is fetched again.
func (ix *Index) InvalidateClaim(id int64) {
	ix.mu.Lock()
	ix.mutate(func(_ *graph, meta *lru.Cache[int64, *model.Claim]) { meta.Remove(id) })
	ix.mu.Unlock()
}

// Reload re-reads one claim from the store, for use after an uncertain outcome.
func (ix *Index) Reload(ctx context.Context, id int64) error {
	ix.InvalidateClaim(id)
	_, err := ix.fetch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// NeighborClaims returns the ids of claims owning the chunks 4-adjacent to pos, as far as the index knows.
func (ix *Index) NeighborClaims(pos model.ChunkPos) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.g.neighborClaims(pos)
}

func (ix *Index) fillPos(pos model.ChunkPos) {
	if !ix.reserve(func() bool {
		if _, ok := ix.pendingPos[pos]; ok {
			return false
		}
		ix.pendingPos[pos] = struct{}{}
		return true
	}) {
		return
	}
	ix.background("fill-chunk", func(ctx context.Context) error {
		defer ix.release(func() { delete(ix.pendingPos, pos) })
		_, _, err := ix.ClaimAt(ctx, pos)
		return err
	}, func() { delete(ix.pendingPos, pos) })
}

func (ix *Index) fillClaim(id int64) {
	if !ix.reserve(func() bool {
		if _, ok := ix.pendingClaims[id]; ok {
			return false
		}
		ix.pendingClaims[id] = struct{}{}
		return true
	}) {
		return
	}
	ix.background("fill-claim", func(ctx context.Context) error {
		defer ix.release(func() { delete(ix.pendingClaims, id) })
		_, err := ix.fetch(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}, func() { delete(ix.pendingClaims, id) })
}

func (ix *Index) fillOwner(owner string) {
	if !ix.reserve(func() bool {
		if _, ok := ix.pendingOwners[owner]; ok {
			return false
		}
		ix.pendingOwners[owner] = struct{}{}
		return true
	}) {
		return
	}
	ix.background("fill-owner", func(ctx context.Context) error {
		defer ix.release(func() { delete(ix.pendingOwners, owner) })
		claims, err := ix.src.ClaimsByOwner(ctx, owner)
		if err != nil {
			return err
		}
		for _, c := range claims {
			ix.Put(c)
		}
		return nil
	}, func() { delete(ix.pendingOwners, owner) })
}

func (ix *Index) reserve(fn func() bool) bool {
	ix.fillMu.Lock()
	defer ix.fillMu.Unlock()
	return fn()
}

func (ix *Index) release(fn func()) {
	ix.fillMu.Lock()
	fn()
	ix.fillMu.Unlock()
}

func (ix *Index) background(id string, fn func(context.Context) error, undo func()) {
	if ix.pool == nil {
		ix.release(undo)
		return
	}
	if err := ix.pool.Submit(workerpool.Task{ID: id, Fn: fn}); err != nil {
		ix.release(undo)
		ix.logger.Warn("index fill not scheduled", zap.String("task", id), zap.Error(err))
	}
}

// PendingFills reports queued background fills.
func (ix *Index) PendingFills() int {
	ix.fillMu.Lock()
	defer ix.fillMu.Unlock()
	return len(ix.pendingPos) + len(ix.pendingClaims) + len(ix.pendingOwners)
}

type Stats struct {
	Loaded        bool      `json:"loaded"`
	Authoritative bool      `json:"authoritative"`
	Claims        int       `json:"claims"`
	Chunks        int       `json:"chunks"`
	CachedClaims  int       `json:"cached_claims"`
	Owners        int       `json:"owners"`
	PendingFills  int       `json:"pending_fills"`
	PreloadFailed time.Time `json:"preload_failed,omitempty"`
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	s := Stats{
		Claims:       len(ix.g.claimChunks),
		Chunks:       len(ix.g.chunks),
		CachedClaims: ix.meta.Len(),
		Owners:       len(ix.g.owners),
	}
	ix.mu.RUnlock()
	s.Loaded = ix.Loaded()
	s.Authoritative = ix.authoritative()
	s.PendingFills = ix.PendingFills()
	if f := ix.preloadFailed.Load(); f != 0 {
		s.PreloadFailed = time.Unix(0, f).UTC()
	}
	return s
}
