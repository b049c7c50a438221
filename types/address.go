package types

import (
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Address 验证者地址，公钥的SHA256-20
type Address = crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return key.Address()
}

// ConsensusAddress 由一组验证者计算出的共识地址，写入区块头的NextConsensus
func ConsensusAddress(vals *ValidatorSet) Address {
	if vals.IsNilOrEmpty() {
		return nil
	}
	return Address(tmhash.SumTruncated(vals.Hash()))
}
