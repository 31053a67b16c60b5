package chunkgeo

import (
	"testing"

	"chunkclaims.ai/internal/claims/model"
)

func pos(x, z int) model.ChunkPos { return model.ChunkPos{World: "w", X: x, Z: z} }

func set(ps ...model.ChunkPos) Set {
	s := Set{}
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

func TestAdjacent(t *testing.T) {
	if !Adjacent(pos(0, 0), pos(1, 0)) || !Adjacent(pos(0, 0), pos(0, -1)) {
		t.Fatalf("expected edge neighbours to be adjacent")
	}
	if Adjacent(pos(0, 0), pos(1, 1)) {
		t.Fatalf("diagonal must not be adjacent")
	}
	if Adjacent(pos(0, 0), pos(0, 0)) {
		t.Fatalf("same chunk must not be adjacent")
	}
	if Adjacent(pos(0, 0), model.ChunkPos{World: "nether", X: 1}) {
		t.Fatalf("different worlds must not be adjacent")
	}
}

func TestFloodFillAndComponents(t *testing.T) {
	s := set(pos(0, 0), pos(1, 0), pos(2, 0), pos(5, 5), pos(5, 6))
	if got := len(FloodFill(s, pos(0, 0))); got != 3 {
		t.Fatalf("expected 3 reachable, got %d", got)
	}
	if Connected(s) {
		t.Fatalf("expected disconnected set")
	}
	comps := Components(s)
	if len(comps) != 2 || len(comps[0]) != 3 || len(comps[1]) != 2 {
		t.Fatalf("unexpected components: %v", comps)
	}
	if len(FloodFill(s, pos(9, 9))) != 0 {
		t.Fatalf("start outside set must yield empty fill")
	}
}

func TestAdjacentPair(t *testing.T) {
	a := set(pos(0, 0), pos(1, 0), pos(2, 0))
	b := set(pos(3, 0), pos(3, 1))
	x, y, ok := AdjacentPair(a, b)
	if !ok || x != pos(2, 0) || y != pos(3, 0) {
		t.Fatalf("expected (2,0)-(3,0), got %v %v %v", x, y, ok)
	}
	if _, _, ok := AdjacentPair(a, set(pos(10, 10))); ok {
		t.Fatalf("expected no pair")
	}
}

func TestRankFarthest(t *testing.T) {
	// Plus shape with a long arm to the east.
	s := set(pos(0, 0), pos(1, 0), pos(-1, 0), pos(0, 1), pos(2, 0))
	ranked := RankFarthest(s)
	if ranked[0] != pos(2, 0) {
		t.Fatalf("expected (2,0) farthest, got %v", ranked[0])
	}
	if ranked[1] != pos(-1, 0) {
		t.Fatalf("expected (-1,0) second, got %v", ranked[1])
	}
	if len(ranked) != 5 {
		t.Fatalf("expected all chunks ranked")
	}
}
