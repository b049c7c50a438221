package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "dbft_demo/config"
	"dbft_demo/privval"
	"dbft_demo/types"
)

var (
	chainID      string
	nValidators  int
	stake        int64
	outputDir    string
	hostnameBase string
	p2pPort      int
)

// GenGenesisCmd 为一个测试集群生成所有节点的配置目录和共同的创世文件
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis", "testnet"},
	Short:   "Generate keys, configs and a shared genesis file for a cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "链名")
	GenGenesisCmd.Flags().IntVar(&nValidators, "v", 4, "验证者数量")
	GenGenesisCmd.Flags().Int64Var(&stake, "stake", 10, "每个创世验证者的stake")
	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 0, "确定性生成验证者私钥的种子，0表示随机生成")
	GenGenesisCmd.Flags().StringVar(&keyType, "key", privval.KeyTypeEd25519, "validator key type: ed25519 | bls")
	GenGenesisCmd.Flags().StringVar(&outputDir, "o", "./mytestnet", "输出目录")
	GenGenesisCmd.Flags().StringVar(&hostnameBase, "hostname-prefix", "node", "persistent_peers中的主机名前缀")
	GenGenesisCmd.Flags().IntVar(&p2pPort, "p2p-port", 26656, "p2p端口")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	if nValidators < 1 {
		return errors.New("at least one validator is required")
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
	}
	peers := make([]string, nValidators)
	nodeConfigs := make([]*cfg.Config, nValidators)

	for i := 0; i < nValidators; i++ {
		nodeDir := filepath.Join(outputDir, fmt.Sprintf("%s%d", hostnameBase, i))
		conf := cfg.DefaultConfig()
		conf.SetRoot(nodeDir)
		conf.Moniker = fmt.Sprintf("%s%d", hostnameBase, i)
		if err := os.MkdirAll(filepath.Join(nodeDir, "config"), 0700); err != nil {
			return errors.Wrapf(err, "creating %s", nodeDir)
		}
		if err := os.MkdirAll(filepath.Join(nodeDir, "data"), 0700); err != nil {
			return errors.Wrapf(err, "creating %s", nodeDir)
		}

		var (
			pv  *privval.FilePV
			err error
		)
		if seed != 0 {
			pv, err = privval.GenFilePVWithSeed(conf.PrivValidatorKeyFile(), keyType, seed+int64(i))
		} else {
			pv, err = privval.GenFilePV(conf.PrivValidatorKeyFile(), keyType)
		}
		if err != nil {
			return err
		}
		pv.Save()

		nodeKey, err := p2p.LoadOrGenNodeKey(conf.NodeKeyFile())
		if err != nil {
			return err
		}
		peers[i] = p2p.IDAddressString(nodeKey.ID(), fmt.Sprintf("%s%d:%d", hostnameBase, i, p2pPort))

		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			Address: pv.Key.Address,
			PubKey:  pv.Key.PubKey,
			Stake:   stake,
			Name:    conf.Moniker,
		})
		nodeConfigs[i] = conf
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}

	for i, conf := range nodeConfigs {
		if err := genDoc.SaveAs(conf.GenesisFile()); err != nil {
			return err
		}

		var others []string
		for j, p := range peers {
			if j != i {
				others = append(others, p)
			}
		}
		conf.P2P.PersistentPeers = strings.Join(others, ",")
		if conf.DBFT.MinValidators > nValidators {
			conf.DBFT.MinValidators = nValidators
		}
		if err := cfg.WriteConfigFile(filepath.Join(conf.RootDir, "config", "config.toml"), conf); err != nil {
			return err
		}
	}

	logger.Info("Generated cluster", "validators", nValidators, "chain_id", chainID, "dir", outputDir)
	return nil
}
