package privval

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"

	"dbft_demo/crypto/bls"
)

func tempKeyFile(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "privval_test")
	require.NoError(t, err)
	return filepath.Join(dir, "priv_validator_key.json"), func() { os.RemoveAll(dir) }
}

func TestGenLoadFilePV(t *testing.T) {
	for _, keyType := range []string{KeyTypeEd25519, KeyTypeBLS} {
		keyFilePath, cleanup := tempKeyFile(t)

		filePV, err := GenFilePV(keyFilePath, keyType)
		require.NoError(t, err)
		filePV.Save()

		loaded := LoadFilePV(keyFilePath)
		assert.Equal(t, filePV.GetAddress(), loaded.GetAddress(), keyType)
		assert.True(t, filePV.Key.PubKey.Equals(loaded.Key.PubKey), keyType)
		assert.Equal(t, keyType, loaded.Key.PubKey.Type())

		cleanup()
	}

	_, err := GenFilePV("unused", "secp256k1")
	assert.Error(t, err)
}

func TestLoadOrGenFilePV(t *testing.T) {
	keyFilePath, cleanup := tempKeyFile(t)
	defer cleanup()

	first, err := LoadOrGenFilePV(keyFilePath, KeyTypeEd25519)
	require.NoError(t, err)
	second, err := LoadOrGenFilePV(keyFilePath, KeyTypeBLS)
	require.NoError(t, err)
	assert.Equal(t, first.GetAddress(), second.GetAddress(), "existing key file must be reused")
}

func TestGenFilePVWithSeed(t *testing.T) {
	for _, keyType := range []string{KeyTypeEd25519, KeyTypeBLS} {
		a, err := GenFilePVWithSeed("", keyType, 7)
		require.NoError(t, err)
		b, err := GenFilePVWithSeed("", keyType, 7)
		require.NoError(t, err)
		c, err := GenFilePVWithSeed("", keyType, 8)
		require.NoError(t, err)

		assert.Equal(t, a.GetAddress(), b.GetAddress(), keyType)
		assert.NotEqual(t, a.GetAddress(), c.GetAddress(), keyType)
	}
}

func TestSignAndContainsSignable(t *testing.T) {
	for _, privKey := range []interface{}{ed25519.GenPrivKey(), bls.GenPrivKey()} {
		var pv *FilePV
		switch k := privKey.(type) {
		case ed25519.PrivKey:
			pv = NewFilePV(k, "")
		case bls.PrivKey:
			pv = NewFilePV(k, "")
		}

		digest := []byte("consensus payload digest")
		sig, err := pv.Sign(digest)
		require.NoError(t, err)

		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		assert.True(t, pub.VerifySignature(digest, sig))
		assert.True(t, pv.ContainsSignable(pub))
		assert.False(t, pv.ContainsSignable(ed25519.GenPrivKey().PubKey()))
		assert.False(t, pv.ContainsSignable(nil))
	}
}
