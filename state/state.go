package state

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"dbft_demo/types"
)

// MakeGenesisState 注册创世验证者，生成创世区块和对应的state
func MakeGenesisState(genDoc *types.GenesisDoc, valMgr *ValidatorManager) (State, *types.Block, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, nil, fmt.Errorf("error in genesis doc: %w", err)
	}

	for _, gv := range genDoc.Validators {
		if err := valMgr.RegisterValidator(gv.PubKey, gv.Stake, 0); err != nil {
			return State{}, nil, fmt.Errorf("registering genesis validator %s: %w", gv.Name, err)
		}
	}

	vals, err := valMgr.CreateValidatorSet(1)
	if err != nil {
		return State{}, nil, err
	}

	genesis := types.MakeGenesisBlock(genDoc.GenesisTime, vals)
	return State{
		ChainID:            genDoc.ChainID,
		LastBlockIndex:     genesis.Index,
		LastBlockHash:      genesis.Hash(),
		LastBlockTimestamp: genesis.Timestamp,
		LastBlockTime:      genDoc.GenesisTime,
		Validators:         vals,
		NextConsensus:      genesis.NextConsensus,
	}, genesis, nil
}

// State 账本在最后一个区块之后的状态
// 共识只读取State，State的变更由BlockExecutor完成
type State struct {
	ChainID string `json:"chain_id"`

	// 最后提交的区块的信息
	LastBlockIndex     uint32           `json:"last_block_index"`
	LastBlockHash      tmbytes.HexBytes `json:"last_block_hash"`
	LastBlockTimestamp uint64           `json:"last_block_timestamp"` // 区块头中的时间戳，毫秒
	LastBlockTime      time.Time        `json:"last_block_time"`      // 本地提交的物理时间

	// Validators 负责LastBlockIndex+1的验证者集合
	Validators *types.ValidatorSet `json:"validators"`
	// NextConsensus 最后一个区块头中的共识地址，等于Validators的共识地址
	NextConsensus types.Address `json:"next_consensus"`
}

// Copy 返回当前state的深拷贝
func (state State) Copy() State {
	newState := state
	newState.LastBlockHash = append(tmbytes.HexBytes(nil), state.LastBlockHash...)
	newState.NextConsensus = append(types.Address(nil), state.NextConsensus...)
	if state.Validators != nil {
		newState.Validators = state.Validators.Copy()
	}
	return newState
}

// IsEmpty 存储中没有state时的零值
func (state State) IsEmpty() bool {
	return state.Validators == nil
}

func (state State) String() string {
	return fmt.Sprintf("State{%s #%d %v vals:%d}", state.ChainID, state.LastBlockIndex, state.LastBlockHash, state.Validators.Size())
}
