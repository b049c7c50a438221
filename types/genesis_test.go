package types

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

func TestGenesisValidateAndComplete(t *testing.T) {
	pub := ed25519.GenPrivKey().PubKey()

	genDoc := GenesisDoc{ChainID: "genesis_test", Validators: []GenesisValidator{{PubKey: pub, Stake: 5}}}
	require.NoError(t, genDoc.ValidateAndComplete())
	assert.Equal(t, pub.Address(), genDoc.Validators[0].Address, "address is filled in")
	assert.False(t, genDoc.GenesisTime.IsZero())

	// 与公钥一致的地址可以直接写在genesis中
	explicit := GenesisDoc{ChainID: "genesis_test", Validators: []GenesisValidator{
		{PubKey: pub, Stake: 5, Address: pub.Address()},
	}}
	require.NoError(t, explicit.ValidateAndComplete())
	assert.Equal(t, pub.Address(), explicit.Validators[0].Address)

	testCases := []struct {
		name   string
		genDoc GenesisDoc
	}{
		{"no chain id", GenesisDoc{Validators: []GenesisValidator{{PubKey: pub, Stake: 5}}}},
		{"long chain id", GenesisDoc{ChainID: string(make([]byte, MaxChainIDLen+1))}},
		{"zero stake", GenesisDoc{ChainID: "c", Validators: []GenesisValidator{{PubKey: pub}}}},
		{"wrong address", GenesisDoc{ChainID: "c", Validators: []GenesisValidator{
			{PubKey: pub, Stake: 1, Address: ed25519.GenPrivKey().PubKey().Address()},
		}}},
	}
	for _, tc := range testCases {
		assert.Error(t, tc.genDoc.ValidateAndComplete(), tc.name)
	}
}

func TestGenesisSaveAndLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "genesis.json")
	genDoc := &GenesisDoc{
		ChainID: "genesis_test",
		Validators: []GenesisValidator{
			{PubKey: ed25519.GenPrivKey().PubKey(), Stake: 3, Name: "a"},
			{PubKey: ed25519.GenPrivKey().PubKey(), Stake: 2, Name: "b"},
		},
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	require.NoError(t, genDoc.SaveAs(file))

	loaded, err := GenesisDocFromFile(file)
	require.NoError(t, err)
	assert.Equal(t, genDoc.ChainID, loaded.ChainID)
	assert.True(t, genDoc.GenesisTime.Equal(loaded.GenesisTime))
	assert.True(t, genDoc.ValidatorSet().Equals(loaded.ValidatorSet()), "validator order is preserved")

	_, err = GenesisDocFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
