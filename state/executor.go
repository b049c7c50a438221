package state

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"dbft_demo/mempool"
	"dbft_demo/types"
)

type BlockExecutor interface {
	// ValidateBlock 根据当前的state验证一个区块是否可以上链
	ValidateBlock(state State, block *types.Block) error

	// Apply一个指定的区块，提交成功后返回新的state
	ApplyBlock(state State, block *types.Block) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExecutor(store Store, mempool mempool.Mempool, valMgr *ValidatorManager) BlockExecutor {
	return &blockExecutor{
		store:   store,
		mempool: mempool,
		valMgr:  valMgr,
		logger:  log.NewNopLogger(),
	}
}

type blockExecutor struct {
	store   Store
	mempool mempool.Mempool
	valMgr  *ValidatorManager

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// ApplyBlock implements BlockExecutor
// 区块和新的state一起落盘以后，从mempool中删除区块中的交易
func (exec *blockExecutor) ApplyBlock(state State, block *types.Block) (State, error) {
	// 首先验证区块是否合法，不合法直接返回原状态
	if err := exec.ValidateBlock(state, block); err != nil {
		return state, ErrInvalidBlock{err}
	}

	nextVals, err := exec.valMgr.CreateValidatorSet(block.Index + 1)
	if err != nil {
		return state, err
	}

	newState := state.Copy()
	newState.LastBlockIndex = block.Index
	newState.LastBlockHash = block.Hash()
	newState.LastBlockTimestamp = block.Timestamp
	newState.LastBlockTime = time.Now()
	newState.Validators = nextVals
	newState.NextConsensus = block.NextConsensus

	if err := exec.store.CommitBlock(newState, block); err != nil {
		return state, fmt.Errorf("commit block %d: %w", block.Index, err)
	}

	// 提交成功后更新mempool，首先加锁
	exec.mempool.Lock()
	err = exec.mempool.Update(block.Index, block.Transactions)
	exec.mempool.Unlock()
	if err != nil {
		exec.logger.Error("failed to update mempool", "height", block.Index, "err", err)
	}

	exec.updatePerformance(state.Validators, block.Witness)

	exec.logger.Info("committed block", "height", block.Index, "hash", block.Hash(), "txs", len(block.Transactions))
	return newState, nil
}

// updatePerformance 见证中签名的验证者记为成功，其余记为失败
func (exec *blockExecutor) updatePerformance(vals *types.ValidatorSet, witness *types.Witness) {
	signed := make(map[int]struct{}, len(witness.Signatures))
	for _, sig := range witness.Signatures {
		signed[int(sig.ValidatorIndex)] = struct{}{}
	}
	vals.Iterate(func(index int, val *types.Validator) bool {
		_, ok := signed[index]
		if err := exec.valMgr.UpdatePerformance(val.Address, ok); err != nil {
			exec.logger.Debug("can't update validator performance", "validator", val.Address, "err", err)
		}
		return false
	})
}

// ValidateBlock implements BlockExecutor
func (exec *blockExecutor) ValidateBlock(state State, block *types.Block) error {
	// 先检验区块基本的信息是否正确
	if err := block.ValidateBasic(); err != nil {
		return err
	}

	if block.Index != state.LastBlockIndex+1 {
		return ErrWrongBlockIndex{Expected: state.LastBlockIndex + 1, Got: block.Index}
	}
	if !bytes.Equal(block.PrevHash, state.LastBlockHash) {
		return fmt.Errorf("wrong prev hash. expected %v, got %v", state.LastBlockHash, block.PrevHash)
	}
	if block.Timestamp <= state.LastBlockTimestamp {
		return fmt.Errorf("block timestamp %d not after previous %d", block.Timestamp, state.LastBlockTimestamp)
	}

	vals := state.Validators
	if !bytes.Equal(types.ConsensusAddress(vals), state.NextConsensus) {
		return errors.New("state validators don't match the previous block's next consensus")
	}
	if expected := vals.PrimaryIndex(block.Index, block.Witness.ViewNumber); block.PrimaryIndex != expected {
		return fmt.Errorf("wrong primary index. expected %d, got %d", expected, block.PrimaryIndex)
	}
	if err := block.Witness.Verify(state.ChainID, block.Hash(), vals); err != nil {
		return err
	}

	nextVals, err := exec.valMgr.CreateValidatorSet(block.Index + 1)
	if err != nil {
		return err
	}
	if !bytes.Equal(block.NextConsensus, types.ConsensusAddress(nextVals)) {
		return fmt.Errorf("wrong next consensus %v", block.NextConsensus)
	}

	for _, tx := range block.Transactions {
		onChain, err := exec.store.HasTransaction(tx.Hash())
		if err != nil {
			return err
		}
		if onChain {
			return fmt.Errorf("%w: %v already on chain", ErrDuplicateTransaction, tx.Hash())
		}
	}

	return nil
}
