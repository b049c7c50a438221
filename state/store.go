package state

import "dbft_demo/types"

// Store 账本的持久化接口
type Store interface {
	// LoadState 存储中没有state时返回空State
	LoadState() (State, error)

	SaveState(State) error

	// CommitBlock 原子地保存区块、交易索引和区块之后的state
	CommitBlock(State, *types.Block) error

	LoadBlock(index uint32) (*types.Block, error)

	// HasTransaction 交易是否已经在链上
	HasTransaction(hash []byte) (bool, error)
}
