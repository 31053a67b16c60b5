package index

import (
	"sort"

	"chunkclaims.ai/internal/claims/chunkgeo"
	"chunkclaims.ai/internal/claims/model"
)

// graph holds the unbounded hot maps. chunks and claimChunks always agree.
type graph struct {
	chunks      map[model.ChunkPos]int64
	claimChunks map[int64]map[model.ChunkPos]struct{}
	claimOwner  map[int64]string
	owners      map[string]map[int64]struct{}
}

func newGraph() *graph {
	return &graph{
		chunks:      map[model.ChunkPos]int64{},
		claimChunks: map[int64]map[model.ChunkPos]struct{}{},
		claimOwner:  map[int64]string{},
		owners:      map[string]map[int64]struct{}{},
	}
}

func (g *graph) ensureClaim(id int64, owner string) {
	if _, ok := g.claimChunks[id]; !ok {
		g.claimChunks[id] = map[model.ChunkPos]struct{}{}
	}
	if prev, ok := g.claimOwner[id]; ok && prev != owner {
		if set := g.owners[prev]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(g.owners, prev)
			}
		}
	}
	g.claimOwner[id] = owner
	set := g.owners[owner]
	if set == nil {
		set = map[int64]struct{}{}
		g.owners[owner] = set
	}
	set[id] = struct{}{}
}

// putClaim replaces the claim's chunk set with chunks.
func (g *graph) putClaim(id int64, owner string, chunks []model.ChunkPos) {
	g.ensureClaim(id, owner)
	keep := make(map[model.ChunkPos]struct{}, len(chunks))
	for _, p := range chunks {
		keep[p] = struct{}{}
	}
	for p := range g.claimChunks[id] {
		if _, ok := keep[p]; !ok {
			g.removeChunk(id, p)
		}
	}
	for _, p := range chunks {
		g.addChunk(id, p)
	}
}

func (g *graph) addChunk(id int64, pos model.ChunkPos) {
	if prev, ok := g.chunks[pos]; ok {
		if prev == id {
			return
		}
		delete(g.claimChunks[prev], pos)
	}
	set := g.claimChunks[id]
	if set == nil {
		set = map[model.ChunkPos]struct{}{}
		g.claimChunks[id] = set
	}
	set[pos] = struct{}{}
	g.chunks[pos] = id
}

func (g *graph) removeChunk(id int64, pos model.ChunkPos) {
	if cur, ok := g.chunks[pos]; ok && cur == id {
		delete(g.chunks, pos)
	}
	if set := g.claimChunks[id]; set != nil {
		delete(set, pos)
	}
}

func (g *graph) dropClaim(id int64) {
	for p := range g.claimChunks[id] {
		if cur, ok := g.chunks[p]; ok && cur == id {
			delete(g.chunks, p)
		}
	}
	delete(g.claimChunks, id)
	if owner, ok := g.claimOwner[id]; ok {
		if set := g.owners[owner]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(g.owners, owner)
			}
		}
		delete(g.claimOwner, id)
	}
}

func (g *graph) ownerClaims(owner string) []int64 {
	set := g.owners[owner]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *graph) neighborClaims(pos model.ChunkPos) []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, n := range chunkgeo.Neighbors(pos) {
		id, ok := g.chunks[n]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
