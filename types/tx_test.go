package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxValidateBasic(t *testing.T) {
	valid := Tx{Sender: make([]byte, 20), NetworkFee: 1, Script: []byte{0x51}}

	testCases := []struct {
		name     string
		malleate func(tx *Tx)
		expErr   bool
	}{
		{"valid", func(tx *Tx) {}, false},
		{"short sender", func(tx *Tx) { tx.Sender = make([]byte, 19) }, true},
		{"negative system fee", func(tx *Tx) { tx.SystemFee = -1 }, true},
		{"negative network fee", func(tx *Tx) { tx.NetworkFee = -1 }, true},
		{"empty script", func(tx *Tx) { tx.Script = nil }, true},
		{"script too large", func(tx *Tx) { tx.Script = make([]byte, MaxTxScriptSize+1) }, true},
	}
	for _, tc := range testCases {
		tx := valid
		tc.malleate(&tx)
		if tc.expErr {
			assert.Error(t, tx.ValidateBasic(), tc.name)
		} else {
			assert.NoError(t, tx.ValidateBasic(), tc.name)
		}
	}
}

func TestTxHashCoversAllFields(t *testing.T) {
	base := Tx{Sender: make([]byte, 20), Nonce: 1, SystemFee: 2, NetworkFee: 3, ValidUntilBlock: 4, Script: []byte{5}}
	seen := map[string]string{string(base.Hash()): "base"}

	variants := map[string]func(tx *Tx){
		"sender":      func(tx *Tx) { tx.Sender = append(make([]byte, 19), 1) },
		"nonce":       func(tx *Tx) { tx.Nonce++ },
		"system_fee":  func(tx *Tx) { tx.SystemFee++ },
		"network_fee": func(tx *Tx) { tx.NetworkFee++ },
		"valid_until": func(tx *Tx) { tx.ValidUntilBlock++ },
		"script":      func(tx *Tx) { tx.Script = []byte{6} },
	}
	for name, mutate := range variants {
		tx := base
		mutate(&tx)
		h := string(tx.Hash())
		_, dup := seen[h]
		assert.False(t, dup, "changing %s must change the hash", name)
		seen[h] = name
	}
}

func TestTxsMerkleRootAndSize(t *testing.T) {
	assert.Nil(t, Txs{}.Hash())

	a := Tx{Sender: make([]byte, 20), Script: []byte{1}}
	b := Tx{Sender: make([]byte, 20), Script: []byte{2, 3}}
	assert.NotEqual(t, Txs{a, b}.Hash(), Txs{b, a}.Hash(), "order matters")
	assert.EqualValues(t, 2*TxOverhead+3, Txs{a, b}.Size())
	assert.EqualValues(t, 10, Tx{NetworkFee: 10 * (TxOverhead + 2), Script: []byte{1, 2}}.FeePerByte())
}
