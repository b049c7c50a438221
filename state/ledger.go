package state

import (
	"fmt"
	"sync"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"dbft_demo/types"
)

// Ledger 共识看到的账本，读取高度和hash，提交最终区块
type Ledger struct {
	mtx   sync.RWMutex
	state State

	store     Store
	blockExec BlockExecutor
	valMgr    *ValidatorManager

	logger log.Logger
}

func NewLedger(state State, store Store, blockExec BlockExecutor, valMgr *ValidatorManager) *Ledger {
	return &Ledger{
		state:     state,
		store:     store,
		blockExec: blockExec,
		valMgr:    valMgr,
		logger:    log.NewNopLogger(),
	}
}

func (l *Ledger) SetLogger(logger log.Logger) {
	l.logger = logger
	l.blockExec.SetLogger(logger)
}

// State 返回当前state的拷贝
func (l *Ledger) State() State {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.Copy()
}

func (l *Ledger) ChainID() string {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.ChainID
}

func (l *Ledger) CurrentIndex() uint32 {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.LastBlockIndex
}

func (l *Ledger) CurrentHash() tmbytes.HexBytes {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.LastBlockHash
}

// LastBlockTimestamp 最后一个区块头中的毫秒时间戳
func (l *Ledger) LastBlockTimestamp() uint64 {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.LastBlockTimestamp
}

// GetNextBlockValidators 负责index高度的验证者集合
func (l *Ledger) GetNextBlockValidators(index uint32) (*types.ValidatorSet, error) {
	l.mtx.RLock()
	if index == l.state.LastBlockIndex+1 {
		defer l.mtx.RUnlock()
		return l.state.Validators.Copy(), nil
	}
	l.mtx.RUnlock()

	return l.valMgr.CreateValidatorSet(index)
}

func (l *Ledger) ContainsTransaction(hash []byte) bool {
	ok, err := l.store.HasTransaction(hash)
	if err != nil {
		l.logger.Error("failed to query tx index", "tx", tmbytes.HexBytes(hash), "err", err)
		return false
	}
	return ok
}

func (l *Ledger) LoadBlock(index uint32) (*types.Block, error) {
	return l.store.LoadBlock(index)
}

// SubmitFinalizedBlock 执行并保存共识完成的区块
// 账本拒绝的区块返回ErrRejectedByLedger，账本的状态不变
func (l *Ledger) SubmitFinalizedBlock(block *types.Block) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if block.Index <= l.state.LastBlockIndex {
		return fmt.Errorf("%w: %v", ErrRejectedByLedger, ErrWrongBlockIndex{Expected: l.state.LastBlockIndex + 1, Got: block.Index})
	}

	newState, err := l.blockExec.ApplyBlock(l.state, block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejectedByLedger, err)
	}
	l.state = newState
	return nil
}
