package api

import (
	"math/big"

	"github.com/google/uuid"
)

// newNodeID mints a fresh identity for a created node.
func newNodeID() string {
	return uuid.NewString()
}

// decimalAccumulator sums decimal-string balances without floating-point
// error, for GetStats' total_balance figure.
type decimalAccumulator struct {
	sum *big.Int
}

func newDecimalAccumulator() *decimalAccumulator {
	return &decimalAccumulator{sum: big.NewInt(0)}
}

func (d *decimalAccumulator) add(decimal string) {
	if decimal == "" {
		return
	}
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return
	}
	d.sum.Add(d.sum, v)
}

func (d *decimalAccumulator) String() string {
	return d.sum.String()
}

// decimalMax tracks the largest of a set of decimal-string values. Each
// node independently estimates the network's total size from its own
// routing table view; the global stats figure takes the best (largest)
// estimate reported by any node rather than summing them.
type decimalMax struct {
	max *big.Int
}

func newDecimalMax() *decimalMax {
	return &decimalMax{max: big.NewInt(0)}
}

func (d *decimalMax) consider(decimal string) {
	if decimal == "" {
		return
	}
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return
	}
	if v.Cmp(d.max) > 0 {
		d.max = v
	}
}

func (d *decimalMax) String() string {
	return d.max.String()
}
