package main

import (
	"os"
	"path/filepath"

	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"

	cmd "dbft_demo/cmd/commands"
	nm "dbft_demo/node"
)

func main() {
	tmcfg.DefaultTendermintDir = ".dbft"
	rootCmd := cmd.RootCmd

	// NOTE:
	// Users wishing to:
	//	* Use an external signer for their validators
	//	* Supply a genesis doc file from another source
	//	* Provide their own DB implementation
	// can copy this file and use something other than the
	// DefaultNewNode function
	nodeFunc := nm.DefaultNewNode

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenValidatorCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cmd.GenGenesisCmd,
		cmd.ResetStateCmd,
		cmd.VersionCmd,
		cmd.NewRunNodeCmd(nodeFunc),
		cli.NewCompletionCmd(rootCmd, true),
	)

	executor := cli.PrepareBaseCmd(rootCmd, "DBFT", os.ExpandEnv(filepath.Join("$HOME", tmcfg.DefaultTendermintDir)))
	if err := executor.Execute(); err != nil {
		panic(err)
	}
}
