package store

import (
	"path/filepath"

	"github.com/pkg/errors"
	tmdb "github.com/tendermint/tm-db"

	"dbft_demo/config"
)

// ConsensusStateKey 共识轮次状态在BlobStore中的固定key
var ConsensusStateKey = []byte{0xF4}

// BlobStore 按key存取字节块
// tm-db的DB直接满足该接口
type BlobStore interface {
	// Get 返回nil表示key不存在
	Get(key []byte) ([]byte, error)
	SetSync(key, value []byte) error
	DeleteSync(key []byte) error
	Close() error
}

var _ BlobStore = (tmdb.DB)(nil)

// NewBlobStore 根据backend创建存储，badger之外的后端交给tm-db
func NewBlobStore(backend, name, dir string) (BlobStore, error) {
	if backend == config.BadgerBackend {
		return NewBadgerStore(filepath.Join(dir, name+".badger"))
	}

	db, err := tmdb.NewDB(name, tmdb.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s store %s", backend, name)
	}
	return db, nil
}

// NewMemBlobStore 内存存储，测试使用
func NewMemBlobStore() BlobStore {
	return tmdb.NewMemDB()
}
