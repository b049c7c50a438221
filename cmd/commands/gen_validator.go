package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"dbft_demo/privval"
)

var seed int64

// GenValidatorCmd 生成共识验证者的公私钥对
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Args:    cobra.NoArgs,
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&keyType, "key", privval.KeyTypeEd25519, "validator key type: ed25519 | bls")
	GenValidatorCmd.Flags().Int64Var(&seed, "seed", 0, "确定性生成私钥的种子，0表示随机生成")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		return fmt.Errorf("private validator at %s already exists", privValKeyFile)
	}

	var (
		pv  *privval.FilePV
		err error
	)
	if seed != 0 {
		pv, err = privval.GenFilePVWithSeed(privValKeyFile, keyType, seed)
	} else {
		pv, err = privval.GenFilePV(privValKeyFile, keyType)
	}
	if err != nil {
		return err
	}
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key.PubKey)
	if err != nil {
		return err
	}
	fmt.Printf(`%v
`, string(jsbz))
	return nil
}
