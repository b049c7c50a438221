package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// info
	"status":          rpc.NewRPCFunc(Status, ""),
	"consensus_state": rpc.NewRPCFunc(ConsensusState, ""),
	"validators":      rpc.NewRPCFunc(Validators, ""),
	"block":           rpc.NewRPCFunc(Block, "height"),
	"block_latency":   rpc.NewRPCFunc(BlockLatency, ""),
	"metrics":         rpc.NewRPCFunc(JSONMetrics, "label"),

	// tx
	"broadcast_tx":    rpc.NewRPCFunc(BroadcastTx, "tx"),
	"num_unconfirmed": rpc.NewRPCFunc(NumUnconfirmedTxs, ""),
}
