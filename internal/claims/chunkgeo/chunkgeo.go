package chunkgeo

import (
	"sort"

	"chunkclaims.ai/internal/claims/model"
)

type Set = map[model.ChunkPos]struct{}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Adjacent reports whether a and b share an edge (4-directional, same world).
func Adjacent(a, b model.ChunkPos) bool {
	if a.World != b.World {
		return false
	}
	dx := AbsInt(a.X - b.X)
	dz := AbsInt(a.Z - b.Z)
	return dx+dz == 1
}

func Neighbors(p model.ChunkPos) [4]model.ChunkPos {
	return [4]model.ChunkPos{
		{World: p.World, X: p.X + 1, Z: p.Z},
		{World: p.World, X: p.X - 1, Z: p.Z},
		{World: p.World, X: p.X, Z: p.Z + 1},
		{World: p.World, X: p.X, Z: p.Z - 1},
	}
}

// Touches reports whether p is adjacent to any chunk of set.
func Touches(set Set, p model.ChunkPos) bool {
	for _, n := range Neighbors(p) {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// FloodFill returns every chunk of set reachable from start through adjacent chunks.
func FloodFill(set Set, start model.ChunkPos) Set {
	out := Set{}
	if _, ok := set[start]; !ok {
		return out
	}
	queue := []model.ChunkPos{start}
	out[start] = struct{}{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range Neighbors(cur) {
			if _, ok := set[n]; !ok {
				continue
			}
			if _, seen := out[n]; seen {
				continue
			}
			out[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return out
}

// Connected reports whether set forms one 4-connected region. Empty sets are connected.
func Connected(set Set) bool {
	for p := range set {
		return len(FloodFill(set, p)) == len(set)
	}
	return true
}

// Components splits set into its 4-connected regions, largest first.
func Components(set Set) []Set {
	seen := Set{}
	var out []Set
	for _, p := range sorted(set) {
		if _, ok := seen[p]; ok {
			continue
		}
		comp := FloodFill(set, p)
		for q := range comp {
			seen[q] = struct{}{}
		}
		out = append(out, comp)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// AdjacentPair returns one pair (a in x, b in y) of adjacent chunks, if any.
func AdjacentPair(x, y Set) (a, b model.ChunkPos, ok bool) {
	small, large, swapped := x, y, false
	if len(y) < len(x) {
		small, large, swapped = y, x, true
	}
	for _, p := range sorted(small) {
		for _, n := range Neighbors(p) {
			if _, hit := large[n]; hit {
				if swapped {
					return n, p, true
				}
				return p, n, true
			}
		}
	}
	return model.ChunkPos{}, model.ChunkPos{}, false
}

// Centroid is the mean chunk coordinate of set.
func Centroid(set Set) (cx, cz float64) {
	if len(set) == 0 {
		return 0, 0
	}
	var sx, sz float64
	for p := range set {
		sx += float64(p.X)
		sz += float64(p.Z)
	}
	n := float64(len(set))
	return sx / n, sz / n
}

// RankFarthest orders the chunks of set by squared distance from the centroid, farthest first.
// Ties break on (x, z) so the order is deterministic.
func RankFarthest(set Set) []model.ChunkPos {
	cx, cz := Centroid(set)
	out := sorted(set)
	dist := func(p model.ChunkPos) float64 {
		dx := float64(p.X) - cx
		dz := float64(p.Z) - cz
		return dx*dx + dz*dz
	}
	sort.SliceStable(out, func(i, j int) bool {
		return dist(out[i]) > dist(out[j])
	})
	return out
}

func sorted(set Set) []model.ChunkPos {
	out := make([]model.ChunkPos, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	model.SortChunks(out)
	return out
}
