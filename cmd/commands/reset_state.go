package commands

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"dbft_demo/store"
)

// ResetStateCmd 删除保存的共识轮次状态，账本不受影响
var ResetStateCmd = &cobra.Command{
	Use:     "reset-state",
	Aliases: []string{"reset_state"},
	Short:   "Remove the persisted consensus round state",
	PreRun:  deprecateSnakeCase,
	RunE:    resetState,
}

func resetState(cmd *cobra.Command, args []string) error {
	bs, err := store.NewBlobStore(config.DBFT.DBBackend, "consensus", config.DBDir())
	if err != nil {
		return err
	}
	defer bs.Close()

	if err := bs.DeleteSync(store.ConsensusStateKey); err != nil {
		return errors.Wrap(err, "deleting consensus state")
	}
	logger.Info("Removed consensus state", "dir", config.DBDir(), "backend", config.DBFT.DBBackend)
	return nil
}
