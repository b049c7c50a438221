package types

import (
	"fmt"
	"sort"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// CommitSig 一个验证者对区块hash的签名
type CommitSig struct {
	ValidatorIndex uint8            `json:"validator_index"`
	Signature      tmbytes.HexBytes `json:"signature"`
}

// Witness 区块的多签见证，包含M个验证者在同一个view的Commit签名
type Witness struct {
	ViewNumber uint8       `json:"view_number"`
	Signatures []CommitSig `json:"signatures"`
}

// NewWitness 按照验证者index排序
func NewWitness(view uint8, sigs []CommitSig) *Witness {
	sorted := make([]CommitSig, len(sigs))
	copy(sorted, sigs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ValidatorIndex < sorted[j].ValidatorIndex
	})
	return &Witness{ViewNumber: view, Signatures: sorted}
}

func (w *Witness) Size() int64 {
	var size int64 = 1
	for _, sig := range w.Signatures {
		size += int64(1 + len(sig.Signature))
	}
	return size
}

// Verify 检查见证中至少有M个不同验证者的有效签名
func (w *Witness) Verify(chainID string, blockHash []byte, vals *ValidatorSet) error {
	if w == nil {
		return ErrNotEnoughSignatures{Got: 0, Needed: vals.M()}
	}

	signBytes := BlockSignBytes(chainID, blockHash)
	signed := make(map[uint8]struct{}, len(w.Signatures))
	for _, sig := range w.Signatures {
		if _, ok := signed[sig.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate signature from validator %d", sig.ValidatorIndex)
		}
		_, val := vals.GetByIndex(int32(sig.ValidatorIndex))
		if val == nil {
			return fmt.Errorf("signature from unknown validator %d", sig.ValidatorIndex)
		}
		if !val.PubKey.VerifySignature(signBytes, sig.Signature) {
			return fmt.Errorf("wrong signature from validator %d", sig.ValidatorIndex)
		}
		signed[sig.ValidatorIndex] = struct{}{}
	}

	if len(signed) < vals.M() {
		return ErrNotEnoughSignatures{Got: len(signed), Needed: vals.M()}
	}
	return nil
}
