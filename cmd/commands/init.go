package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "dbft_demo/config"
	"dbft_demo/privval"
	"dbft_demo/types"
)

var keyType string

// InitFilesCmd initialises a fresh dbft node with a single validator genesis.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a dbft node",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().StringVar(&keyType, "key", privval.KeyTypeEd25519,
		"validator key type: ed25519 | bls")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()

	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		var err error
		pv, err = privval.GenFilePV(privValKeyFile, keyType)
		if err != nil {
			return err
		}
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	genDoc := types.GenesisDoc{
		ChainID:     fmt.Sprintf("test-chain-%v", tmrand.Str(6)),
		GenesisTime: tmtime.Now(),
	}
	pubKey, err := pv.GetPubKey()
	if err != nil {
		return fmt.Errorf("can't get pubkey: %w", err)
	}
	genDoc.Validators = []types.GenesisValidator{{
		Address: pubKey.Address(),
		PubKey:  pubKey,
		Stake:   10,
		Name:    config.Moniker,
	}}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)

	// 单验证者的链需要放开min_validators
	if config.DBFT.MinValidators > len(genDoc.Validators) {
		config.DBFT.MinValidators = len(genDoc.Validators)
		configFile := filepath.Join(config.RootDir, "config", "config.toml")
		if err := cfg.WriteConfigFile(configFile, config); err != nil {
			return err
		}
		logger.Info("Lowered min_validators for a single validator chain", "path", configFile)
	}
	return nil
}
