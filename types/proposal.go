package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// BlockProposal primary为一个view组装的候选区块
type BlockProposal struct {
	Proposer        Address          `json:"proposer"`
	Transactions    Txs              `json:"transactions"`
	TotalNetworkFee int64            `json:"total_network_fee"`
	TotalSystemFee  int64            `json:"total_system_fee"`
	Timestamp       uint64           `json:"timestamp"`
	PrevHash        tmbytes.HexBytes `json:"prev_hash"`
}

func (p *BlockProposal) TransactionHashes() []tmbytes.HexBytes {
	return p.Transactions.Hashes()
}

func (p *BlockProposal) MerkleRoot() tmbytes.HexBytes {
	return p.Transactions.Hash()
}

// Size 按照候选区块计算的大小，不含见证
func (p *BlockProposal) Size() int64 {
	return int64(HeaderSize) + p.Transactions.Size()
}

func (p *BlockProposal) String() string {
	return fmt.Sprintf("BlockProposal{txs:%d netfee:%d sysfee:%d prev:%v}",
		len(p.Transactions), p.TotalNetworkFee, p.TotalSystemFee, p.PrevHash)
}
