package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const (
	BlockVersion = uint32(0)

	// HeaderSize 区块头编码的近似大小，计算区块大小时使用
	HeaderSize = 4 + 32 + 32 + 8 + 8 + 4 + 1 + 20
)

// Header 区块头
// Timestamp单位为毫秒
type Header struct {
	Version       uint32           `json:"version"`
	PrevHash      tmbytes.HexBytes `json:"prev_hash"`
	MerkleRoot    tmbytes.HexBytes `json:"merkle_root"`
	Timestamp     uint64           `json:"timestamp"`
	Nonce         uint64           `json:"nonce"`
	Index         uint32           `json:"index"`
	PrimaryIndex  uint8            `json:"primary_index"`
	NextConsensus Address          `json:"next_consensus"`
}

// Hash 区块hash，由区块头的所有字段计算，不包含见证
func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	return merkle.HashFromByteSlices([][]byte{
		uint32Bytes(h.Version),
		h.PrevHash,
		h.MerkleRoot,
		uint64Bytes(h.Timestamp),
		uint64Bytes(h.Nonce),
		uint32Bytes(h.Index),
		{h.PrimaryIndex},
		h.NextConsensus,
	})
}

// Time 将毫秒时间戳转换为time.Time
func (h *Header) Time() time.Time {
	return time.Unix(0, int64(h.Timestamp)*int64(time.Millisecond))
}

// Block 共识最终交给账本的区块
type Block struct {
	Header       `json:"header"`
	Transactions Txs      `json:"transactions"`
	Witness      *Witness `json:"witness"`
}

// Hash 与区块头hash一致
func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	return b.Header.Hash()
}

// Size 区块编码后的大小
func (b *Block) Size() int64 {
	size := int64(HeaderSize) + b.Transactions.Size()
	if b.Witness != nil {
		size += b.Witness.Size()
	}
	return size
}

// ValidateBasic 检验区块自身的一致性，不涉及账本状态
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Version != BlockVersion {
		return fmt.Errorf("unsupported block version %d", b.Version)
	}
	if !bytes.Equal(b.MerkleRoot, b.Transactions.Hash()) {
		return fmt.Errorf("wrong merkle root. expected %v, got %v", b.Transactions.Hash(), b.MerkleRoot)
	}
	seen := make(map[TxKey]struct{}, len(b.Transactions))
	for _, tx := range b.Transactions {
		if _, ok := seen[tx.Key()]; ok {
			return fmt.Errorf("duplicate transaction %X", tx.Hash())
		}
		seen[tx.Key()] = struct{}{}
	}
	if b.Witness == nil {
		return errors.New("block has no witness")
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %v txs:%d primary:%d}", b.Index, b.Hash(), len(b.Transactions), b.PrimaryIndex)
}

// MakeGenesisBlock 创世区块，没有交易和见证
func MakeGenesisBlock(genesisTime time.Time, vals *ValidatorSet) *Block {
	return &Block{
		Header: Header{
			Version:       BlockVersion,
			Timestamp:     uint64(genesisTime.UnixNano() / int64(time.Millisecond)),
			Index:         0,
			NextConsensus: ConsensusAddress(vals),
		},
		Transactions: Txs{},
		Witness:      &Witness{},
	}
}

// BlockSignBytes 验证者在Commit中签名的摘要
func BlockSignBytes(chainID string, blockHash []byte) []byte {
	h := tmhash.New()
	h.Write([]byte(chainID))
	h.Write(blockHash)
	return h.Sum(nil)
}
