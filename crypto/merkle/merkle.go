package merkle

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// leafEncodingLen is the fixed width of an encoded leaf tuple:
// 8-byte big-endian index, 20-byte account, 32-byte big-endian amount.
const leafEncodingLen = 8 + common.AddressLength + 32

// LeafHash computes the digest committing to a single recipient entitlement.
// The encoding is fixed-width and order-sensitive so that no two distinct
// (index, account, amount) tuples share an encoding. A nil amount hashes as
// zero; amounts must fit in 256 bits.
func LeafHash(index uint64, account common.Address, amount *big.Int) common.Hash {
	var buf [leafEncodingLen]byte
	binary.BigEndian.PutUint64(buf[0:8], index)
	copy(buf[8:8+common.AddressLength], account.Bytes())
	if amount != nil && amount.Sign() > 0 && amount.BitLen() <= 256 {
		amount.FillBytes(buf[8+common.AddressLength:])
	}
	return crypto.Keccak256Hash(buf[:])
}

// VerifyProof recomputes a root from leaf and the supplied sibling path and
// reports whether it matches root. Each combination step orders the pair by
// byte value, so callers need not track left/right positions. The function is
// pure: malformed proofs simply fail to reproduce the root.
func VerifyProof(proof []common.Hash, root, leaf common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}
