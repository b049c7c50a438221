package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
)

// GenNodeKeyCmd 生成节点p2p连接使用的密钥，输出可以直接写入persistent_peers的地址
var GenNodeKeyCmd = &cobra.Command{
	Use:     "gen-node-key",
	Aliases: []string{"gen_node_key"},
	Short:   "Generate a node key for this node and print its peer address",
	PreRun:  deprecateSnakeCase,
	RunE:    genNodeKey,
}

func genNodeKey(cmd *cobra.Command, args []string) error {
	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		return fmt.Errorf("node key at %s already exists", nodeKeyFile)
	}

	nodeKey, err := p2p.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return err
	}
	logger.Info("Generated node key", "path", nodeKeyFile)
	fmt.Println(peerAddress(nodeKey.ID(), config.P2P.ExternalAddress, config.P2P.ListenAddress))
	return nil
}

// peerAddress 优先使用对外地址，形如 id@host:port
func peerAddress(id p2p.ID, external, listen string) string {
	addr := external
	if addr == "" {
		addr = listen
	}
	if addr == "" {
		return string(id)
	}
	return p2p.IDAddressString(id, addr)
}
