package store

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbft_demo/config"
)

func testBlobStore(t *testing.T, s BlobStore) {
	v, err := s.Get(ConsensusStateKey)
	require.NoError(t, err)
	assert.Nil(t, v, "absent key must return nil")

	require.NoError(t, s.SetSync(ConsensusStateKey, []byte("round state")))
	v, err = s.Get(ConsensusStateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("round state"), v)

	require.NoError(t, s.SetSync(ConsensusStateKey, []byte("overwritten")))
	v, err = s.Get(ConsensusStateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("overwritten"), v)

	require.NoError(t, s.DeleteSync(ConsensusStateKey))
	v, err = s.Get(ConsensusStateKey)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemBlobStore(t *testing.T) {
	s := NewMemBlobStore()
	defer s.Close()
	testBlobStore(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewInMemoryBadgerStore()
	require.NoError(t, err)
	defer s.Close()
	testBlobStore(t, s)
}

func TestNewBlobStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "blob_store_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	for _, backend := range []string{"goleveldb", "memdb", config.BadgerBackend} {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			s, err := NewBlobStore(backend, "consensus", dir)
			require.NoError(t, err)
			defer s.Close()
			testBlobStore(t, s)
		})
	}

	_, err = NewBlobStore("nosuchdb", "consensus", dir)
	assert.Error(t, err)
}

// 重新打开之后记录仍然存在
func TestBlobStorePersists(t *testing.T) {
	dir, err := ioutil.TempDir("", "blob_store_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	for _, backend := range []string{"goleveldb", config.BadgerBackend} {
		s, err := NewBlobStore(backend, "persist", dir)
		require.NoError(t, err)
		require.NoError(t, s.SetSync(ConsensusStateKey, []byte{0x01, 0x02}))
		require.NoError(t, s.Close())

		s, err = NewBlobStore(backend, "persist", dir)
		require.NoError(t, err)
		v, err := s.Get(ConsensusStateKey)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, v, backend)
		require.NoError(t, s.Close())
	}
}
