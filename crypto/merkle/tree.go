package merkle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Leaf is one recipient entitlement in an allocation round.
type Leaf struct {
	Index   uint64
	Account common.Address
	Amount  *big.Int
}

// Tree is the off-line companion to VerifyProof. Operators build it from the
// full recipient list before publishing a campaign; the service itself only
// ever sees the root and individual sibling paths.
type Tree struct {
	// layers[0] holds the (zero-padded) leaf digests, layers[last] the root.
	layers [][]common.Hash
}

// NewTree hashes the supplied leaves, pads the layer to the next power of two
// with zero digests, and folds it with the same sorted-pair combination rule
// VerifyProof applies.
func NewTree(leaves []Leaf) *Tree {
	width := 1
	for width < len(leaves) {
		width *= 2
	}
	current := make([]common.Hash, width)
	for i, leaf := range leaves {
		current[i] = LeafHash(leaf.Index, leaf.Account, leaf.Amount)
	}
	layers := [][]common.Hash{current}
	for len(current) > 1 {
		next := make([]common.Hash, len(current)/2)
		for i := range next {
			next[i] = hashPair(current[2*i], current[2*i+1])
		}
		layers = append(layers, next)
		current = next
	}
	return &Tree{layers: layers}
}

// Root returns the digest committing to the whole leaf set.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Proof returns the sibling path for the leaf at the given index.
func (t *Tree) Proof(index uint64) ([]common.Hash, error) {
	if index >= uint64(len(t.layers[0])) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range (width %d)", index, len(t.layers[0]))
	}
	proof := make([]common.Hash, 0, len(t.layers)-1)
	pos := index
	for _, layer := range t.layers[:len(t.layers)-1] {
		proof = append(proof, layer[pos^1])
		pos >>= 1
	}
	return proof, nil
}
