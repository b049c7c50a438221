package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore 基于badger的BlobStore实现
type BadgerStore struct {
	db *badger.DB
}

var _ BlobStore = (*BadgerStore)(nil)

// NewBadgerStore 在path打开badger，每次写入都落盘
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithSyncWrites(true).WithLogger(nil)
	return openBadger(opts)
}

// NewInMemoryBadgerStore 不落盘的badger，测试使用
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "badger get %X", key)
	}
	return value, nil
}

func (s *BadgerStore) SetSync(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return errors.Wrapf(err, "badger set %X", key)
}

func (s *BadgerStore) DeleteSync(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return errors.Wrapf(err, "badger delete %X", key)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
