// Package ownership claims and releases chunks, and merges or deletes whole claims.
//
// Every operation is one store transaction. The index and caches are updated only after the
// transaction commits, so a failed operation leaves no trace outside the store's rollback.
// All operations block on the store and must not run on the tick loop.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/chunkgeo"
	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/claims/purchase"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/persistence/store"
	"chunkclaims.ai/internal/runtime/clock"
)

type Config struct {
	StartingChunks     int
	MaxClaimsPerPlayer int
	MaxChunksPerClaim  int
	// UpkeepInterval schedules the first charge of a new claim. Zero leaves new claims unscheduled.
	UpkeepInterval time.Duration
	// ArchiveDir receives the ledger of merged and deleted claims. Empty disables archiving.
	ArchiveDir   string
	WorldAllowed func(world string) bool
}

// Allocator moves pool capacity into a claim inside an open transaction.
type Allocator interface {
	AllocateInTx(ctx context.Context, tx *store.Tx, c *model.Claim, amount int) (purchase.AllocStatus, int, error)
	InvalidatePool(player string)
}

// BalanceCache is told when a claim's bank changes or disappears.
type BalanceCache interface {
	Invalidate(claimID int64)
}

type Deps struct {
	Store     store.Backend
	Index     *index.Index
	Allocator Allocator
	Balances  BalanceCache
	Ledger    ledgerlog.Sink
	Observer  notify.Observer
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     clock.Clock
}

type Service struct {
	store    store.Backend
	index    *index.Index
	alloc    Allocator
	balances BalanceCache
	ledger   ledgerlog.Sink
	observer notify.Observer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    clock.Clock
	cfg      Config
}

func New(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil || d.Index == nil {
		return nil, fmt.Errorf("ownership: store and index are required")
	}
	if cfg.StartingChunks < 0 {
		return nil, fmt.Errorf("ownership: negative starting chunks")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = ledgerlog.Nop{}
	}
	return &Service{
		store:    d.Store,
		index:    d.Index,
		alloc:    d.Allocator,
		balances: d.Balances,
		ledger:   d.Ledger,
		observer: notify.OrNop(d.Observer),
		metrics:  d.Metrics,
		logger:   d.Logger,
		clock:    clock.OrSystem(d.Clock),
		cfg:      cfg,
	}, nil
}

type ClaimRequest struct {
	Player string
	Pos    model.ChunkPos
	// ClaimID picks which adjacent claim to extend when several touch Pos. It is a preference:
	// a claim that does not touch Pos is ignored.
	ClaimID int64
	// Name labels a newly created claim.
	Name string
}

type ClaimResult struct {
	Status     ClaimStatus  `json:"-"`
	StatusName string       `json:"status"`
	Claim      *model.Claim `json:"-"`
	ClaimID    int64        `json:"claim_id,omitempty"`
	Created    bool         `json:"created,omitempty"`
	// AutoAllocated is set when a full claim drew one chunk from the owner's pool.
	AutoAllocated bool `json:"auto_allocated,omitempty"`
	// MergeCandidates are the owner's other claims touching the new chunk.
	MergeCandidates []int64 `json:"merge_candidates,omitempty"`
	Err             error   `json:"-"`
}

var errRejected = errors.New("claim action rejected")

func (s *Service) worldAllowed(world string) bool {
	return s.cfg.WorldAllowed == nil || s.cfg.WorldAllowed(world)
}

func (s *Service) nextDue(now time.Time) *time.Time {
	if s.cfg.UpkeepInterval <= 0 {
		return nil
	}
	due := now.Add(s.cfg.UpkeepInterval)
	return &due
}

// ClaimChunk gives Pos to the player. The chunk extends a touching claim the player already owns,
// or starts a new claim with the starting allotment. A full claim takes one chunk from the
// owner's pool; with an empty pool the result is NoChunksLeft and nothing is bought.
func (s *Service) ClaimChunk(ctx context.Context, req ClaimRequest) ClaimResult {
	res := ClaimResult{}
	finish := func(st ClaimStatus) ClaimResult {
		res.Status = st
		res.StatusName = st.String()
		s.metrics.ClaimAction("claim", res.StatusName)
		return res
	}
	if strings.TrimSpace(req.Player) == "" || req.Pos.World == "" {
		return finish(InvalidRequest)
	}
	if !s.worldAllowed(req.Pos.World) {
		return finish(WorldNotAllowed)
	}

	now := s.clock.Now()
	var (
		c       *model.Claim
		others  []int64
		outcome ClaimStatus
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		c, others, res.Created, res.AutoAllocated = nil, nil, false, false
		if id, err := tx.ClaimAt(ctx, req.Pos); err == nil {
			owner, err := tx.ClaimByID(ctx, id)
			if err != nil {
				return err
			}
			outcome = OwnedByOther
			if owner.Owner == req.Player {
				outcome = AlreadyOwned
				res.ClaimID = id
			}
			return errRejected
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		adjacent, err := s.ownedNeighbors(ctx, tx, req.Player, req.Pos)
		if err != nil {
			return err
		}
		target := int64(0)
		for _, id := range adjacent {
			if id == req.ClaimID {
				target = id
			}
		}
		if target == 0 && len(adjacent) > 0 {
			target = adjacent[0]
		}
		for _, id := range adjacent {
			if id != target {
				others = append(others, id)
			}
		}

		if target != 0 {
			if err := tx.LockClaim(ctx, target); err != nil {
				return err
			}
			if c, err = tx.ClaimByID(ctx, target); err != nil {
				return err
			}
			if s.cfg.MaxChunksPerClaim > 0 && c.ChunkCount() >= s.cfg.MaxChunksPerClaim {
				outcome = ClaimTooLarge
				return errRejected
			}
		} else {
			if c, err = s.createClaim(ctx, tx, req, now); err != nil {
				if errors.Is(err, errTooManyClaims) {
					outcome = TooManyClaims
					return errRejected
				}
				return err
			}
			res.Created = true
		}

		if c.FreeCapacity() <= 0 {
			st, err := s.allocateOne(ctx, tx, c)
			if err != nil {
				return err
			}
			if st != Claimed {
				outcome = st
				return errRejected
			}
			res.AutoAllocated = true
		}

		if err := tx.InsertChunk(ctx, req.Pos, c.ID); err != nil {
			if errors.Is(err, store.ErrChunkTaken) {
				outcome = OwnedByOther
				return errRejected
			}
			return err
		}
		c.Chunks[req.Pos] = struct{}{}
		return nil
	})
	switch {
	case errors.Is(err, errRejected):
		return finish(outcome)
	case err != nil:
		res.Err = err
		s.logger.Error("claim chunk transaction failed",
			zap.String("player", req.Player),
			zap.String("world", req.Pos.World),
			zap.Int("x", req.Pos.X),
			zap.Int("z", req.Pos.Z),
			zap.Error(err))
		return finish(DatabaseError)
	}

	if res.Created {
		s.index.Put(c)
	} else {
		s.index.AddChunk(c.ID, req.Pos)
		if res.AutoAllocated {
			s.index.PutMeta(c)
		}
	}
	if res.AutoAllocated && s.alloc != nil {
		s.alloc.InvalidatePool(c.Owner)
	}
	res.Claim = c.Clone()
	res.ClaimID = c.ID
	res.MergeCandidates = others

	msg := fmt.Sprintf("%s claimed %d,%d", req.Player, req.Pos.X, req.Pos.Z)
	if res.AutoAllocated {
		msg += " using 1 chunk from pool"
	}
	notify.Safe(s.logger, s.observer, notify.Event{
		Kind:    notify.KindChunkClaimed,
		ClaimID: c.ID,
		Player:  req.Player,
		Chunks:  []model.ChunkPos{req.Pos},
		Message: msg,
		At:      now,
	})
	return finish(Claimed)
}

var errTooManyClaims = errors.New("claim limit reached")

func (s *Service) createClaim(ctx context.Context, tx *store.Tx, req ClaimRequest, now time.Time) (*model.Claim, error) {
	count, err := tx.CountClaimsByOwner(ctx, req.Player)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxClaimsPerPlayer > 0 && count >= s.cfg.MaxClaimsPerPlayer {
		return nil, errTooManyClaims
	}
	c := &model.Claim{
		Owner:           req.Player,
		World:           req.Pos.World,
		Name:            req.Name,
		Chunks:          map[model.ChunkPos]struct{}{},
		TotalChunks:     s.cfg.StartingChunks,
		ClaimOrder:      count + 1,
		CapacityProfile: model.DefaultProfile,
		Settings:        model.DefaultSettings(),
		CreatedAt:       now,
	}
	id, err := tx.InsertClaim(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	if err := tx.EnsureBank(ctx, id, s.nextDue(now)); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) allocateOne(ctx context.Context, tx *store.Tx, c *model.Claim) (ClaimStatus, error) {
	if s.alloc == nil {
		return NoChunksLeft, nil
	}
	st, _, err := s.alloc.AllocateInTx(ctx, tx, c, 1)
	if err != nil {
		return DatabaseError, err
	}
	switch st {
	case purchase.AllocSuccess:
		return Claimed, nil
	case purchase.AllocInsufficientPool, purchase.AllocCeilingReached:
		return NoChunksLeft, nil
	default:
		return DatabaseError, fmt.Errorf("auto allocation: %s", st)
	}
}

// ownedNeighbors returns, lowest id first, the player's claims owning a chunk 4-adjacent to pos.
func (s *Service) ownedNeighbors(ctx context.Context, tx *store.Tx, player string, pos model.ChunkPos) ([]int64, error) {
	seen := map[int64]bool{}
	var out []int64
	for _, n := range chunkgeo.Neighbors(pos) {
		id, err := tx.ClaimAt(ctx, n)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		c, err := tx.ClaimByID(ctx, id)
		if err != nil {
			return nil, err
		}
		seen[id] = c.Owner == player
		if seen[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type UnclaimRequest struct {
	Player string
	Pos    model.ChunkPos
	// Admin releases the chunk regardless of its owner.
	Admin bool
}

// Unclaim releases one chunk. The claim keeps its capacity, even when its last chunk goes.
func (s *Service) Unclaim(ctx context.Context, req UnclaimRequest) ClaimResult {
	res := ClaimResult{}
	finish := func(st ClaimStatus) ClaimResult {
		res.Status = st
		res.StatusName = st.String()
		s.metrics.ClaimAction("unclaim", res.StatusName)
		return res
	}
	if req.Pos.World == "" {
		return finish(InvalidRequest)
	}

	var c *model.Claim
	var outcome ClaimStatus
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		id, err := tx.ClaimAt(ctx, req.Pos)
		if errors.Is(err, store.ErrNotFound) {
			outcome = NotClaimed
			return errRejected
		}
		if err != nil {
			return err
		}
		if c, err = tx.ClaimByID(ctx, id); err != nil {
			return err
		}
		if !req.Admin && c.Owner != req.Player {
			outcome = NotOwner
			return errRejected
		}
		ok, err := tx.DeleteChunk(ctx, req.Pos, id)
		if err != nil {
			return err
		}
		if !ok {
			outcome = NotClaimed
			return errRejected
		}
		delete(c.Chunks, req.Pos)
		return nil
	})
	switch {
	case errors.Is(err, errRejected):
		return finish(outcome)
	case err != nil:
		res.Err = err
		s.logger.Error("unclaim transaction failed",
			zap.String("player", req.Player),
			zap.String("world", req.Pos.World),
			zap.Int("x", req.Pos.X),
			zap.Int("z", req.Pos.Z),
			zap.Error(err))
		return finish(DatabaseError)
	}

	s.index.RemoveChunk(c.ID, req.Pos)
	res.Claim = c.Clone()
	res.ClaimID = c.ID
	notify.Safe(s.logger, s.observer, notify.Event{
		Kind:    notify.KindChunkUnclaimed,
		ClaimID: c.ID,
		Player:  c.Owner,
		Chunks:  []model.ChunkPos{req.Pos},
		At:      s.clock.Now(),
	})
	return finish(Unclaimed)
}
