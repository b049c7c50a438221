package rpc

import (
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/consensus"
	"dbft_demo/libs/metric"
	"dbft_demo/mempool"
	"dbft_demo/state"
)

var (
	env *Environment
)

func SetEnvironment(e *Environment) {
	env = e
}

// Environment rpc handler访问节点组件的入口，由node在启动rpc之前设置
type Environment struct {
	Ledger           *state.Ledger
	Mempool          mempool.Mempool
	Consensus        *consensus.ConsensusService
	ValidatorManager *state.ValidatorManager

	P2PPeers p2p.IPeerSet
	NodeInfo p2p.NodeInfo

	MetricSet *metric.MetricSet

	Logger log.Logger
}
