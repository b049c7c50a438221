package store

import (
	"sync"

	"dbft_demo/state"
	"dbft_demo/types"
)

// NewMockStore 只保存在内存中的账本存储，测试使用
func NewMockStore() *MockStore {
	return &MockStore{
		blocks: make(map[uint32]*types.Block),
		txs:    make(map[types.TxKey]uint32),
	}
}

type MockStore struct {
	mtx    sync.RWMutex
	state  state.State
	blocks map[uint32]*types.Block
	txs    map[types.TxKey]uint32
}

var _ state.Store = (*MockStore)(nil)

func (mock *MockStore) LoadState() (state.State, error) {
	mock.mtx.RLock()
	defer mock.mtx.RUnlock()
	return mock.state, nil
}

func (mock *MockStore) SaveState(s state.State) error {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	mock.state = s.Copy()
	return nil
}

func (mock *MockStore) CommitBlock(s state.State, block *types.Block) error {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	mock.blocks[block.Index] = block
	for _, tx := range block.Transactions {
		mock.txs[tx.Key()] = block.Index
	}
	mock.state = s.Copy()
	return nil
}

func (mock *MockStore) LoadBlock(index uint32) (*types.Block, error) {
	mock.mtx.RLock()
	defer mock.mtx.RUnlock()
	return mock.blocks[index], nil
}

func (mock *MockStore) HasTransaction(hash []byte) (bool, error) {
	var key types.TxKey
	copy(key[:], hash)

	mock.mtx.RLock()
	defer mock.mtx.RUnlock()
	_, ok := mock.txs[key]
	return ok, nil
}
