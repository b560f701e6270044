// Package bktree provides a BK-tree over 64-bit perceptual hashes under
// Hamming distance.
//
// The tree answers range queries ("all stored hashes within distance d of
// h") without touching every node: a child at edge distance e can only
// contain matches when |e − dist(node, h)| ≤ d, so whole subtrees are
// pruned. Query results are exactly the linear-scan result set for every
// (h, d) pair; the engine's linear fallback and this index are
// interchangeable.
package bktree

import (
	"sort"

	"github.com/dupekit/dupekit/internal/imagehash"
)

// node is one stored hash with children keyed by their edge distance.
// Distances are in [0, 64], so a fixed array avoids map nondeterminism.
type node struct {
	hash     uint64
	children [65]*node
}

// Tree is a BK-tree over 64-bit hashes. A single writer builds or extends
// the tree; readers must not query concurrently with Add. The zero value
// is an empty tree ready for use.
type Tree struct {
	root *node
	size int
}

// New builds a tree from hashes. Duplicate hash values are stored once.
func New(hashes []uint64) *Tree {
	t := &Tree{}
	for _, h := range hashes {
		t.Add(h)
	}
	return t
}

// Len returns the number of distinct hashes stored.
func (t *Tree) Len() int { return t.size }

// Add inserts a hash. Expected O(log n) walk down distance edges.
func (t *Tree) Add(h uint64) {
	if t.root == nil {
		t.root = &node{hash: h}
		t.size++
		return
	}
	cur := t.root
	for {
		d := imagehash.Hamming(cur.hash, h)
		if d == 0 {
			return // already stored
		}
		if cur.children[d] == nil {
			cur.children[d] = &node{hash: h}
			t.size++
			return
		}
		cur = cur.children[d]
	}
}

// Match is one query result.
type Match struct {
	Hash     uint64
	Distance int
}

// QueryWithin returns all stored hashes within Hamming distance d of h,
// sorted by distance ascending, ties by hash value. d ≥ 64 returns every
// stored hash; an empty tree returns nil.
func (t *Tree) QueryWithin(h uint64, d int) []Match {
	if t.root == nil || d < 0 {
		return nil
	}
	var out []Match
	var walk func(n *node)
	walk = func(n *node) {
		dist := imagehash.Hamming(n.hash, h)
		if dist <= d {
			out = append(out, Match{Hash: n.hash, Distance: dist})
		}
		lo := dist - d
		if lo < 0 {
			lo = 0
		}
		hi := dist + d
		if hi > 64 {
			hi = 64
		}
		for e := lo; e <= hi; e++ {
			if c := n.children[e]; c != nil {
				walk(c)
			}
		}
	}
	walk(t.root)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// LinearQuery is the reference implementation: scan hashes and keep those
// within distance d of h, sorted like QueryWithin. Tests hold the two
// equal set-for-set.
func LinearQuery(hashes []uint64, h uint64, d int) []Match {
	if d < 0 {
		return nil
	}
	seen := make(map[uint64]bool, len(hashes))
	var out []Match
	for _, x := range hashes {
		if seen[x] {
			continue
		}
		seen[x] = true
		if dist := imagehash.Hamming(x, h); dist <= d {
			out = append(out, Match{Hash: x, Distance: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}
