package store

import (
	"encoding/binary"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"dbft_demo/state"
	"dbft_demo/types"
)

// key定义
// state: stateKey => tmjson(State)
// block: block_{index(big endian)} => tmjson(Block)
// tx索引: tx_{hash} => index(big endian)
var (
	stateKey = []byte("state")
)

const (
	tableBlock = "block_"
	tableTx    = "tx_"
)

// NewKVStore 打开backend对应的tm-db保存账本
func NewKVStore(backend, name, dir string, logger log.Logger) (*KVStore, error) {
	db, err := tmdb.NewDB(name, tmdb.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "opening ledger store %s", name)
	}
	return NewKVStoreWithDB(db, logger), nil
}

func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{kvDB: kvdb, logger: logger}
}

// KVStore 基于tm-db的账本存储，实现state.Store
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

var _ state.Store = (*KVStore)(nil)

func (kv *KVStore) LoadState() (state.State, error) {
	var s state.State
	bz, err := kv.kvDB.Get(stateKey)
	if err != nil {
		return s, errors.Wrap(err, "loading state")
	}
	if len(bz) == 0 {
		return s, nil
	}
	if err := tmjson.Unmarshal(bz, &s); err != nil {
		return s, errors.Wrap(err, "decoding state")
	}
	return s, nil
}

func (kv *KVStore) SaveState(s state.State) error {
	bz, err := tmjson.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	return errors.Wrap(kv.kvDB.SetSync(stateKey, bz), "saving state")
}

// CommitBlock 在一个batch中写入区块、交易索引和新的state
func (kv *KVStore) CommitBlock(s state.State, block *types.Block) error {
	var batch tmdb.Batch = nil
	defer func() {
		if batch != nil {
			batch.Close()
		}
	}()

	blockBz, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "encoding block")
	}
	stateBz, err := tmjson.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}

	batch = kv.kvDB.NewBatch()
	if err := batch.Set(genKey(tableBlock, indexBytes(block.Index)), blockBz); err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		if err := batch.Set(genKey(tableTx, tx.Hash()), indexBytes(block.Index)); err != nil {
			return err
		}
	}
	if err := batch.Set(stateKey, stateBz); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "writing block %d", block.Index)
	}
	if err := batch.Close(); err != nil {
		return err
	}
	batch = nil

	kv.logger.Debug("saved block", "height", block.Index, "txs", len(block.Transactions))
	return nil
}

// LoadBlock 区块不存在时返回nil
func (kv *KVStore) LoadBlock(index uint32) (*types.Block, error) {
	bz, err := kv.kvDB.Get(genKey(tableBlock, indexBytes(index)))
	if err != nil {
		return nil, errors.Wrapf(err, "loading block %d", index)
	}
	if len(bz) == 0 {
		return nil, nil
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		return nil, errors.Wrapf(err, "decoding block %d", index)
	}
	return block, nil
}

func (kv *KVStore) HasTransaction(hash []byte) (bool, error) {
	return kv.kvDB.Has(genKey(tableTx, hash))
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

func genKey(table string, primaryKey []byte) []byte {
	key := make([]byte, 0, len(table)+len(primaryKey))
	key = append(key, table...)
	return append(key, primaryKey...)
}

func indexBytes(index uint32) []byte {
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, index)
	return bz
}
