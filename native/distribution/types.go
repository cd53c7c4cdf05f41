package distribution

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Campaign is one committed allocation round: a token, a Merkle root over the
// recipient set, and the running funded/claimed totals. Campaigns are never
// deleted; ids are dense and assigned from 1, with 0 reserved as the
// "does not exist" sentinel alongside the zero root.
type Campaign struct {
	ID              uint64
	Token           string
	Root            common.Hash
	PropertyID      string
	TotalAllocation *big.Int
	TotalFunded     *big.Int
	TotalClaimed    *big.Int
	Active          bool
	Expiry          int64
	CreatedAt       int64
}

// Clone creates a deep copy so callers cannot mutate engine-held state.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	out.TotalAllocation = newBigInt(c.TotalAllocation)
	out.TotalFunded = newBigInt(c.TotalFunded)
	out.TotalClaimed = newBigInt(c.TotalClaimed)
	return &out
}

// Unclaimed returns TotalFunded − TotalClaimed, the only amount ever eligible
// for admin withdrawal.
func (c *Campaign) Unclaimed() *big.Int {
	return new(big.Int).Sub(newBigInt(c.TotalFunded), newBigInt(c.TotalClaimed))
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
