package consensus

import (
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"dbft_demo/store"
	"dbft_demo/types"
)

// contextRecord 持久化的轮次状态，字段顺序固定
type contextRecord struct {
	Version       uint32        `json:"version"`
	Index         uint32        `json:"index"`
	Timestamp     uint64        `json:"timestamp"`
	Nonce         uint64        `json:"nonce"`
	PrimaryIndex  uint8         `json:"primary_index"`
	NextConsensus types.Address `json:"next_consensus"`
	ViewNumber    uint8         `json:"view_number"`

	TransactionHashes []tmbytes.HexBytes `json:"transaction_hashes"`
	Transactions      []types.Tx         `json:"transactions"`

	PreparationPayloads    []*types.ConsensusPayload `json:"preparation_payloads"`
	CommitPayloads         []*types.ConsensusPayload `json:"commit_payloads"`
	ChangeViewPayloads     []*types.ConsensusPayload `json:"change_view_payloads"`
	LastChangeViewPayloads []*types.ConsensusPayload `json:"last_change_view_payloads"`
}

// Marshal 编码当前的轮次状态
func (cc *ConsensusContext) Marshal() ([]byte, error) {
	rec := contextRecord{
		Version:                cc.Block.Version,
		Index:                  cc.Block.Index,
		Timestamp:              cc.Block.Timestamp,
		Nonce:                  cc.Block.Nonce,
		PrimaryIndex:           cc.Block.PrimaryIndex,
		NextConsensus:          cc.Block.NextConsensus,
		ViewNumber:             cc.ViewNumber,
		TransactionHashes:      cc.TransactionHashes,
		PreparationPayloads:    cc.PreparationPayloads,
		CommitPayloads:         cc.CommitPayloads,
		ChangeViewPayloads:     cc.ChangeViewPayloads,
		LastChangeViewPayloads: cc.LastChangeViewPayloads,
	}
	// 按hash列表的顺序保存交易
	for _, h := range cc.TransactionHashes {
		if tx, ok := cc.Transactions[hashKey(h)]; ok {
			rec.Transactions = append(rec.Transactions, tx)
		}
	}
	return tmjson.Marshal(rec)
}

// Unmarshal 先Reset(0)，再用记录覆盖当前高度的状态
// 记录的高度与账本的下一个高度不一致时返回false
func (cc *ConsensusContext) Unmarshal(bz []byte) (bool, error) {
	var rec contextRecord
	if err := tmjson.Unmarshal(bz, &rec); err != nil {
		return false, errors.Wrap(err, "decoding consensus state")
	}

	if err := cc.Reset(0); err != nil {
		return false, err
	}
	if rec.Version != cc.Block.Version || rec.Index != cc.Block.Index {
		return false, nil
	}

	n := cc.Validators.Size()
	for _, payloads := range [][]*types.ConsensusPayload{
		rec.PreparationPayloads, rec.CommitPayloads, rec.ChangeViewPayloads, rec.LastChangeViewPayloads,
	} {
		if len(payloads) != n {
			return false, errors.Errorf("payload array of length %d, expected %d", len(payloads), n)
		}
	}

	cc.Block.Timestamp = rec.Timestamp
	cc.Block.Nonce = rec.Nonce
	cc.Block.PrimaryIndex = rec.PrimaryIndex
	cc.Block.NextConsensus = rec.NextConsensus
	cc.Block.MerkleRoot = nil
	cc.ViewNumber = rec.ViewNumber
	cc.PreparationPayloads = rec.PreparationPayloads
	cc.CommitPayloads = rec.CommitPayloads
	cc.ChangeViewPayloads = rec.ChangeViewPayloads
	cc.LastChangeViewPayloads = rec.LastChangeViewPayloads

	cc.TransactionHashes = rec.TransactionHashes
	cc.Transactions = make(map[types.TxKey]types.Tx, len(rec.Transactions))
	cc.Verification = NewVerificationContext()
	for _, tx := range rec.Transactions {
		cc.Transactions[tx.Key()] = tx
		cc.Verification.AddTransaction(tx)
	}
	// 没有交易也没有收发过PrepareRequest，说明还没有提案
	if len(cc.TransactionHashes) == 0 {
		if cc.RequestSentOrReceived() {
			cc.TransactionHashes = []tmbytes.HexBytes{}
		} else {
			cc.TransactionHashes = nil
			cc.Transactions = nil
		}
	}
	return true, nil
}

// Save 将轮次状态写入store的固定key
func (cc *ConsensusContext) Save() error {
	if cc.store == nil {
		return nil
	}
	bz, err := cc.Marshal()
	if err != nil {
		return errors.Wrap(err, "encoding consensus state")
	}
	return errors.Wrap(cc.store.SetSync(store.ConsensusStateKey, bz), "saving consensus state")
}

// Load 读取保存的轮次状态，没有记录或记录已过期时返回false
func (cc *ConsensusContext) Load() (bool, error) {
	if cc.store == nil {
		return false, nil
	}
	bz, err := cc.store.Get(store.ConsensusStateKey)
	if err != nil {
		return false, errors.Wrap(err, "loading consensus state")
	}
	if len(bz) == 0 {
		return false, nil
	}
	return cc.Unmarshal(bz)
}
