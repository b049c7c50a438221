// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/merkle"
)

// ValidatorSet 某一个高度的共识验证者集合
//
// 验证者的顺序在ValidatorManager生成集合时确定（stake降序，注册顺序），
// 一个高度内index固定不变，所有payload数组都以该index寻址。
//
// NOTE: Not goroutine-safe.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))

	vals.Validators = append(vals.Validators, valz...)

	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	seen := make(map[string]struct{}, len(vals.Validators))
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		if _, ok := seen[string(val.Address)]; ok {
			return fmt.Errorf("duplicate validator %v", val.Address)
		}
		seen[string(val.Address)] = struct{}{}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators: validatorListCopy(vals.Validators),
	}
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	if vals == nil {
		return 0
	}
	return len(vals.Validators)
}

// F 可以容忍的拜占庭节点数 (N-1)/3
func (vals *ValidatorSet) F() int {
	return (vals.Size() - 1) / 3
}

// M 达成共识所需的节点数 N-F
func (vals *ValidatorSet) M() int {
	return vals.Size() - vals.F()
}

// PrimaryIndex 计算(blockIndex, view)对应的primary，round-robin
func (vals *ValidatorSet) PrimaryIndex(blockIndex uint32, view uint8) uint8 {
	n := vals.Size()
	if n == 0 {
		return 0
	}
	p := (int64(blockIndex) - int64(view)) % int64(n)
	if p < 0 {
		p += int64(n)
	}
	return uint8(p)
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	for _, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByPubKey 与GetByAddress相同，按公钥查找
func (vals *ValidatorSet) GetByPubKey(pubKey crypto.PubKey) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if val.PubKey.Equals(pubKey) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index.
// It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Equals 两个集合的验证者和顺序完全一致
func (vals *ValidatorSet) Equals(other *ValidatorSet) bool {
	if vals.Size() != other.Size() {
		return false
	}
	return bytes.Equal(vals.Hash(), other.Hash())
}

// Hash returns the Merkle root hash build using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

//-----------------

// IsErrNotEnoughSignatures returns true if err is ErrNotEnoughSignatures.
func IsErrNotEnoughSignatures(err error) bool {
	return errors.As(err, &ErrNotEnoughSignatures{})
}

// ErrNotEnoughSignatures is returned when not enough validators signed
// a block.
type ErrNotEnoughSignatures struct {
	Got    int
	Needed int
}

func (e ErrNotEnoughSignatures) Error() string {
	return fmt.Sprintf("invalid witness -- insufficient signatures: got %d, needed %d", e.Got, e.Needed)
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)

}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size: +numValidators+),
// where each validator has a stake of +stake+. The private validators are
// returned in the same order as the set.
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int, stake int64) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator(stake)
		valz[i] = val
		privValidators[i] = privValidator
	}

	return NewValidatorSet(valz), privValidators
}
