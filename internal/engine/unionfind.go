package engine

import "github.com/dupekit/dupekit/internal/types"

// unionFind is a disjoint-set over file ids with path compression.
//
// Determinism: every set tracks its canonical member (the id sorting
// first); on union the root owning the smaller canonical member becomes
// the parent. Component identity therefore never depends on union order.
type unionFind struct {
	parent    map[types.FileID]types.FileID
	canonical map[types.FileID]types.FileID // root → smallest member id
	rank      map[types.FileID]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent:    make(map[types.FileID]types.FileID),
		canonical: make(map[types.FileID]types.FileID),
		rank:      make(map[types.FileID]int),
	}
}

func (u *unionFind) add(id types.FileID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
		u.canonical[id] = id
		u.rank[id] = 0
	}
}

// find returns the set root with path compression.
func (u *unionFind) find(id types.FileID) types.FileID {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		u.parent[id], id = root, u.parent[id]
	}
	return root
}

// union merges the sets of a and b. The surviving root is the one whose
// canonical member sorts first; rank only breaks exact canonical ties,
// which cannot occur for distinct sets.
func (u *unionFind) union(a, b types.FileID) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.canonical[rb].String() < u.canonical[ra].String() {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// components returns all sets of size ≥2, each sorted by member id, the
// list sorted by canonical member.
func (u *unionFind) components() [][]types.FileID {
	byRoot := make(map[types.FileID][]types.FileID)
	for id := range u.parent {
		byRoot[u.find(id)] = append(byRoot[u.find(id)], id)
	}
	var out [][]types.FileID
	for _, members := range byRoot {
		if len(members) >= 2 {
			out = append(out, types.SortFileIDs(members))
		}
	}
	// Sort components by their first (canonical) member.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j][0].String() < out[j-1][0].String(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
