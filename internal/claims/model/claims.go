package model

import (
	"sort"
	"time"
)

// Settings is the ruleset attached to a claim (or to one of its profiles).
type Settings struct {
	AllowBuild  bool `json:"allow_build"`
	AllowBreak  bool `json:"allow_break"`
	AllowDamage bool `json:"allow_damage"`
	AllowTrade  bool `json:"allow_trade"`
	PublicEntry bool `json:"public_entry"`
}

func DefaultSettings() Settings {
	return Settings{AllowTrade: true, PublicEntry: true}
}

const DefaultProfile = "default"

type ChunkPos struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Z     int    `json:"z"`
}

type ClaimedChunk struct {
	Pos     ChunkPos `json:"pos"`
	ClaimID int64    `json:"claim_id"`
}

type Claim struct {
	ID    int64
	Owner string // player id
	World string
	Name  string

	Chunks map[ChunkPos]struct{}

	// TotalChunks = starting allotment + PurchasedChunks + AllocatedChunks.
	TotalChunks     int
	PurchasedChunks int
	AllocatedChunks int
	ClaimOrder      int

	// CapacityProfile selects the allocation ceiling from configuration.
	CapacityProfile string
	Settings        Settings
	Profiles        map[string]Settings

	// UpkeepDiscount is a claim specific 0..1 rate reduction.
	UpkeepDiscount float64

	CreatedAt time.Time
}

func (c *Claim) ChunkCount() int {
	if c == nil {
		return 0
	}
	return len(c.Chunks)
}

func (c *Claim) FreeCapacity() int {
	if c == nil {
		return 0
	}
	n := c.TotalChunks - len(c.Chunks)
	if n < 0 {
		return 0
	}
	return n
}

func (c *Claim) Has(pos ChunkPos) bool {
	if c == nil {
		return false
	}
	_, ok := c.Chunks[pos]
	return ok
}

// Assigned is the capacity this claim draws from its owner's pool.
func (c *Claim) Assigned() int {
	if c == nil {
		return 0
	}
	return c.PurchasedChunks + c.AllocatedChunks
}

// Clone returns a deep copy safe to hand out of a cache.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	out.Chunks = make(map[ChunkPos]struct{}, len(c.Chunks))
	for p := range c.Chunks {
		out.Chunks[p] = struct{}{}
	}
	if c.Profiles != nil {
		out.Profiles = make(map[string]Settings, len(c.Profiles))
		for k, v := range c.Profiles {
			out.Profiles[k] = v
		}
	}
	return &out
}

// SortedChunks returns the claim's chunks ordered by (x, z).
func (c *Claim) SortedChunks() []ChunkPos {
	if c == nil {
		return nil
	}
	out := make([]ChunkPos, 0, len(c.Chunks))
	for p := range c.Chunks {
		out = append(out, p)
	}
	SortChunks(out)
	return out
}

func SortChunks(ps []ChunkPos) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].World != ps[j].World {
			return ps[i].World < ps[j].World
		}
		if ps[i].X != ps[j].X {
			return ps[i].X < ps[j].X
		}
		return ps[i].Z < ps[j].Z
	})
}

// PlayerChunkPool is a player's global purchase balance.
type PlayerChunkPool struct {
	Player          string
	PurchasedChunks int
}

// Available is the unallocated pool balance given the capacity already assigned to claims.
func (p PlayerChunkPool) Available(assigned int) int {
	n := p.PurchasedChunks - assigned
	if n < 0 {
		return 0
	}
	return n
}
