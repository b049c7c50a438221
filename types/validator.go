// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Validator 共识验证者
// 在一个高度的ValidatorSet确定以后不再变化
type Validator struct {
	Address      Address       `json:"address"`
	PubKey       crypto.PubKey `json:"pub_key"`
	Stake        int64         `json:"stake"`
	RegisteredAt uint32        `json:"registered_at"` // 注册时的区块高度
}

// NewValidator returns a new validator with the given pubkey and stake.
func NewValidator(pubKey crypto.PubKey, stake int64) *Validator {
	return &Validator{
		Address: pubKey.Address(),
		PubKey:  pubKey,
		Stake:   stake,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}

	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}

	if v.Stake < 0 {
		return errors.New("validator has negative stake")
	}

	return nil
}

// Creates a new copy of the validator.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

// String returns a string representation of String.
//
// 1. address
// 2. public key
// 3. stake
func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v S:%v}",
		v.Address,
		v.PubKey,
		v.Stake)
}

// Bytes computes the unique encoding of a validator with a given stake.
// These are the bytes that gets hashed in consensus. It excludes address
// as its redundant with the pubkey.
func (v *Validator) Bytes() []byte {
	pk, err := tmjson.Marshal(v.PubKey)
	if err != nil {
		panic(err)
	}

	return append(pk, uint64Bytes(uint64(v.Stake))...)
}

//----------------------------------------
// RandValidator

// RandValidator returns a randomized validator, useful for testing.
// UNSTABLE
func RandValidator(stake int64) (*Validator, PrivValidator) {
	privVal := NewMockPV()

	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	val := NewValidator(pubKey, stake)
	return val, privVal
}
