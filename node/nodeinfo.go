package node

import (
	"strings"

	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/version"

	cfg "dbft_demo/config"
	"dbft_demo/consensus"
	mempl "dbft_demo/mempool"
	"dbft_demo/types"
)

// Version dbft节点的版本
const Version = "0.1.0"

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol, // global
			uint64(types.BlockVersion),
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       Version,
		Channels: []byte{
			consensus.ConsensusChannel,
			mempl.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "on",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}

	nodeInfo.ListenAddr = removeProtocolIfDefined(lAddr)

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func removeProtocolIfDefined(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.Split(addr, "://")[1]
	}
	return addr
}
