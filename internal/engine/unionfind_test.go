package engine

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/dupekit/dupekit/internal/types"
)

func TestUnionFindBasics(t *testing.T) {
	a, b, c, d := types.NewFileID(), types.NewFileID(), types.NewFileID(), types.NewFileID()

	uf := newUnionFind()
	uf.union(a, b)
	uf.union(c, d)

	if uf.find(a) != uf.find(b) {
		t.Error("a and b not joined")
	}
	if uf.find(a) == uf.find(c) {
		t.Error("disjoint sets share a root")
	}

	uf.union(b, c)
	if uf.find(a) != uf.find(d) {
		t.Error("transitive union failed")
	}

	comps := uf.components()
	if len(comps) != 1 || len(comps[0]) != 4 {
		t.Fatalf("components = %v", comps)
	}
}

func TestUnionFindSingletonsExcluded(t *testing.T) {
	uf := newUnionFind()
	uf.add(types.NewFileID())
	uf.union(types.NewFileID(), types.NewFileID())

	comps := uf.components()
	if len(comps) != 1 || len(comps[0]) != 2 {
		t.Fatalf("components = %v", comps)
	}
}

// TestUnionFindOrderIndependence: any union order yields the same
// components with the same member ordering.
func TestUnionFindOrderIndependence(t *testing.T) {
	ids := make([]types.FileID, 12)
	for i := range ids {
		ids[i] = types.NewFileID()
	}
	pairs := [][2]types.FileID{
		{ids[0], ids[1]}, {ids[1], ids[2]}, {ids[3], ids[4]},
		{ids[5], ids[6]}, {ids[6], ids[7]}, {ids[7], ids[5]},
		{ids[2], ids[0]}, {ids[8], ids[9]},
	}

	var want [][]types.FileID
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([][2]types.FileID, len(pairs))
		copy(shuffled, pairs)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		uf := newUnionFind()
		for _, p := range shuffled {
			uf.union(p[0], p[1])
		}
		got := uf.components()
		if want == nil {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: components differ:\n got %v\nwant %v", trial, got, want)
		}
	}
}

func TestUnionFindMembersSorted(t *testing.T) {
	uf := newUnionFind()
	ids := make([]types.FileID, 6)
	for i := range ids {
		ids[i] = types.NewFileID()
	}
	for i := 1; i < len(ids); i++ {
		uf.union(ids[i-1], ids[i])
	}
	comps := uf.components()
	if len(comps) != 1 {
		t.Fatalf("components = %v", comps)
	}
	for i := 1; i < len(comps[0]); i++ {
		if comps[0][i].String() < comps[0][i-1].String() {
			t.Fatal("members not sorted by id")
		}
	}
}
