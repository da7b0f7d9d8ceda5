package oracle

import (
	"context"
	"math/big"

	"github.com/cuemby/formicaio/pkg/fleet"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// Poll queries balanceOf for every distinct address in addrToNodeIDs,
// updates each matching node's balance in Fleet State, and appends an
// earnings record to the Store for any strictly-increasing delta. Oracle
// failures are logged and skipped; a node's balance is left untouched on
// failure ("last known wins").
func Poll(ctx context.Context, client *Client, fleetState *fleet.State, store storage.Store, addrToNodeIDs map[string][]string, nowMs int64) {
	addresses := make([]string, 0, len(addrToNodeIDs))
	for addr := range addrToNodeIDs {
		addresses = append(addresses, addr)
	}

	balances, err := client.BalancesOf(ctx, addresses)
	if err != nil {
		log.WithComponent("oracle").Warn().Err(err).Msg("balanceOf batch failed, balances left unchanged")
		return
	}

	blockNum, err := client.CurrentBlockNumber(ctx)
	haveBlock := err == nil
	if err != nil {
		log.WithComponent("oracle").Warn().Err(err).Msg("eth_blockNumber failed, earnings deltas skipped this poll")
	}

	for addr, newBalance := range balances {
		nodeIDs, ok := addrToNodeIDs[addr]
		if !ok {
			continue
		}
		for _, nodeID := range nodeIDs {
			applyBalance(fleetState, store, nodeID, addr, newBalance, blockNum, haveBlock, nowMs)
		}
	}
}

func applyBalance(fleetState *fleet.State, store storage.Store, nodeID, addr string, newBalance *big.Int, blockNum uint64, haveBlock bool, nowMs int64) {
	node, err := fleetState.Get(nodeID)
	if err != nil {
		return
	}

	prev, ok := new(big.Int).SetString(node.Balance, 10)
	if !ok {
		prev = big.NewInt(0)
	}

	if err := fleetState.ApplyMetrics(nodeID, map[string]string{"balance": newBalance.String()}); err != nil {
		log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to persist updated balance")
		return
	}

	if haveBlock && newBalance.Cmp(prev) > 0 {
		delta := new(big.Int).Sub(newBalance, prev)
		earning := types.Earning{
			Address:     addr,
			Amount:      delta.String(),
			BlockNumber: blockNum,
			TimeMs:      nowMs,
		}
		if err := store.AppendEarning(earning); err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to append earning")
		}
	}
}
