package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const (
	// TxOverhead 交易固定字段的编码长度 sender(20) nonce(4) fees(16) validUntil(4)
	TxOverhead = crypto.AddressSize + 4 + 8 + 8 + 4

	MaxTxScriptSize = 64 * 1024
)

// TxKey 交易hash的定长形式，用作map的key
type TxKey [tmhash.Size]byte

// Tx 进入mempool并被共识打包的交易
// SystemFee和NetworkFee只参与手续费的累计，脚本的执行不在共识的范围内
type Tx struct {
	Sender          Address          `json:"sender"`
	Nonce           uint32           `json:"nonce"`
	SystemFee       int64            `json:"system_fee"`
	NetworkFee      int64            `json:"network_fee"`
	ValidUntilBlock uint32           `json:"valid_until_block"`
	Script          tmbytes.HexBytes `json:"script"`
}

// Hash 对交易的所有字段按固定顺序做hash
func (tx Tx) Hash() tmbytes.HexBytes {
	h := tmhash.New()
	h.Write(tx.Sender)
	h.Write(uint32Bytes(tx.Nonce))
	h.Write(uint64Bytes(uint64(tx.SystemFee)))
	h.Write(uint64Bytes(uint64(tx.NetworkFee)))
	h.Write(uint32Bytes(tx.ValidUntilBlock))
	h.Write(tx.Script)

	return h.Sum(nil)
}

func (tx Tx) Key() TxKey {
	var key TxKey
	copy(key[:], tx.Hash())
	return key
}

// Size 交易编码后的字节数
func (tx Tx) Size() int64 {
	return int64(TxOverhead + len(tx.Script))
}

// FeePerByte 单位字节的网络费，用于按费率排序
func (tx Tx) FeePerByte() int64 {
	return tx.NetworkFee / tx.Size()
}

func (tx Tx) ValidateBasic() error {
	if len(tx.Sender) != crypto.AddressSize {
		return fmt.Errorf("wrong sender address size: %d", len(tx.Sender))
	}
	if tx.SystemFee < 0 || tx.NetworkFee < 0 {
		return errors.New("negative fee")
	}
	if len(tx.Script) == 0 {
		return errors.New("empty script")
	}
	if len(tx.Script) > MaxTxScriptSize {
		return fmt.Errorf("script too large: %d > %d", len(tx.Script), MaxTxScriptSize)
	}
	return nil
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%X sender:%v sysfee:%d netfee:%d}", tx.Hash(), tx.Sender, tx.SystemFee, tx.NetworkFee)
}

// ===== tx array =====
type Txs []Tx

// Hash 返回交易形成的merkle tree的根
func (txs Txs) Hash() tmbytes.HexBytes {
	return MerkleRoot(txs.Hashes())
}

func (txs Txs) Hashes() []tmbytes.HexBytes {
	hashes := make([]tmbytes.HexBytes, len(txs))
	for i := 0; i < len(txs); i++ {
		hashes[i] = txs[i].Hash()
	}
	return hashes
}

// Size 所有交易的编码总大小
func (txs Txs) Size() int64 {
	var size int64
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}

// MerkleRoot 根据交易hash列表计算merkle root，hash列表为空时返回nil
func MerkleRoot(hashes []tmbytes.HexBytes) tmbytes.HexBytes {
	if len(hashes) == 0 {
		return nil
	}
	bzs := make([][]byte, len(hashes))
	for i, h := range hashes {
		bzs[i] = h
	}
	return merkle.HashFromByteSlices(bzs)
}

func uint32Bytes(v uint32) []byte {
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, v)
	return bz
}

func uint64Bytes(v uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, v)
	return bz
}
