// Package merkle implements the checkpoint tree: a pair-wise SHA-256 tree
// over event-hash hex strings. Nodes hash the ASCII text of their two child
// hex strings, not the decoded bytes, and an odd node at any level is paired
// with itself.
package merkle

import (
	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/hash"
)

// Side markers for proof siblings: "L" when the sibling sits to the left of
// the folding node, "R" when it sits to the right.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// Sibling is one step of an inclusion proof.
type Sibling struct {
	Side string `json:"side"`
	Hash string `json:"hash"`
}

// Proof is an inclusion path from a leaf to the root.
type Proof struct {
	Leaf     string    `json:"leaf"`
	Index    int       `json:"index"`
	Siblings []Sibling `json:"siblings"`
	Root     string    `json:"root"`
}

// EmptyRoot returns the defined root of an empty leaf set, sha256("").
// No checkpoint is ever issued over zero leaves; this exists so the empty
// case is still well defined.
func EmptyRoot() string {
	return hash.Hex(nil)
}

func hashPair(left, right string) string {
	return hash.Hex([]byte(left + right))
}

// Build constructs the full tree. layers[0] holds the leaves in order and
// the final layer holds the single root.
func Build(leaves []string) (root string, layers [][]string) {
	if len(leaves) == 0 {
		return EmptyRoot(), [][]string{{EmptyRoot()}}
	}
	level := append([]string(nil), leaves...)
	layers = [][]string{level}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
		layers = append(layers, level)
	}
	return layers[len(layers)-1][0], layers
}

// Prove extracts the inclusion path for the leaf at index from layers as
// produced by Build.
func Prove(layers [][]string, index int) (*Proof, error) {
	if len(layers) == 0 || len(layers[0]) == 0 {
		return nil, errors.New("no layers")
	}
	if index < 0 || index >= len(layers[0]) {
		return nil, errors.Errorf("leaf index %d out of range [0,%d)", index, len(layers[0]))
	}
	siblings := make([]Sibling, 0, len(layers)-1)
	idx := index
	for lvl := 0; lvl < len(layers)-1; lvl++ {
		layer := layers[lvl]
		isRight := idx%2 == 1
		sibIdx := idx + 1
		if isRight {
			sibIdx = idx - 1
		}
		sib := layer[idx] // odd tail pairs with itself
		if sibIdx < len(layer) {
			sib = layer[sibIdx]
		}
		if isRight {
			siblings = append(siblings, Sibling{Side: SideLeft, Hash: sib})
		} else {
			siblings = append(siblings, Sibling{Side: SideRight, Hash: sib})
		}
		idx /= 2
	}
	return &Proof{
		Leaf:     layers[0][index],
		Index:    index,
		Siblings: siblings,
		Root:     layers[len(layers)-1][0],
	}, nil
}

// Verify folds the proof's siblings over its leaf and compares the result
// with the recorded root.
func Verify(p *Proof) bool {
	if p == nil {
		return false
	}
	cur := p.Leaf
	for _, s := range p.Siblings {
		switch s.Side {
		case SideLeft:
			cur = hashPair(s.Hash, cur)
		case SideRight:
			cur = hashPair(cur, s.Hash)
		default:
			return false
		}
	}
	return cur == p.Root
}
