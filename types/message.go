package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// MessageKind 共识消息类型，取值与网络上的判别字节一致
type MessageKind uint8

const (
	ChangeViewKind      = MessageKind(0x00)
	PrepareRequestKind  = MessageKind(0x20)
	PrepareResponseKind = MessageKind(0x21)
	CommitKind          = MessageKind(0x30)
	RecoveryRequestKind = MessageKind(0x40)
	RecoveryMessageKind = MessageKind(0x41)
)

func (k MessageKind) String() string {
	switch k {
	case ChangeViewKind:
		return "ChangeView"
	case PrepareRequestKind:
		return "PrepareRequest"
	case PrepareResponseKind:
		return "PrepareResponse"
	case CommitKind:
		return "Commit"
	case RecoveryRequestKind:
		return "RecoveryRequest"
	case RecoveryMessageKind:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("UnknownKind(%#x)", uint8(k))
	}
}

// ChangeViewReason 发起换视图的原因
type ChangeViewReason uint8

const (
	ReasonTimeout               = ChangeViewReason(0x00)
	ReasonChangeAgreement       = ChangeViewReason(0x01)
	ReasonTxNotFound            = ChangeViewReason(0x02)
	ReasonTxRejectedByPolicy    = ChangeViewReason(0x03)
	ReasonTxInvalid             = ChangeViewReason(0x04)
	ReasonBlockRejectedByPolicy = ChangeViewReason(0x05)
)

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("UnknownReason(%#x)", uint8(r))
	}
}

// ConsensusMessage 信封中携带的消息体
type ConsensusMessage interface {
	Kind() MessageKind
	ValidateBasic() error
}

// ------ ChangeView ------

type ChangeView struct {
	NewViewNumber uint8            `json:"new_view_number"`
	Reason        ChangeViewReason `json:"reason"`
	// Timestamp 让同一个view的重复请求拥有不同的hash
	Timestamp uint64 `json:"timestamp"`
}

func (m *ChangeView) Kind() MessageKind { return ChangeViewKind }

func (m *ChangeView) ValidateBasic() error {
	if m.Reason > ReasonBlockRejectedByPolicy {
		return fmt.Errorf("unknown change view reason %v", m.Reason)
	}
	return nil
}

// ------ PrepareRequest ------

type PrepareRequest struct {
	Version           uint32             `json:"version"`
	PrevHash          tmbytes.HexBytes   `json:"prev_hash"`
	Timestamp         uint64             `json:"timestamp"`
	Nonce             uint64             `json:"nonce"`
	BlockHash         tmbytes.HexBytes   `json:"block_hash"`
	TransactionHashes []tmbytes.HexBytes `json:"transaction_hashes"`
}

func (m *PrepareRequest) Kind() MessageKind { return PrepareRequestKind }

func (m *PrepareRequest) ValidateBasic() error {
	if len(m.BlockHash) != tmhash.Size {
		return fmt.Errorf("wrong block hash size %d", len(m.BlockHash))
	}
	seen := make(map[string]struct{}, len(m.TransactionHashes))
	for _, h := range m.TransactionHashes {
		if len(h) != tmhash.Size {
			return fmt.Errorf("wrong transaction hash size %d", len(h))
		}
		if _, ok := seen[string(h)]; ok {
			return fmt.Errorf("duplicate transaction hash %v", h)
		}
		seen[string(h)] = struct{}{}
	}
	return nil
}

// ------ PrepareResponse ------

type PrepareResponse struct {
	BlockHash tmbytes.HexBytes `json:"block_hash"`
}

func (m *PrepareResponse) Kind() MessageKind { return PrepareResponseKind }

func (m *PrepareResponse) ValidateBasic() error {
	if len(m.BlockHash) != tmhash.Size {
		return fmt.Errorf("wrong block hash size %d", len(m.BlockHash))
	}
	return nil
}

// ------ Commit ------

type Commit struct {
	BlockHash tmbytes.HexBytes `json:"block_hash"`
	Signature tmbytes.HexBytes `json:"signature"` // 对BlockSignBytes的签名
}

func (m *Commit) Kind() MessageKind { return CommitKind }

func (m *Commit) ValidateBasic() error {
	if len(m.BlockHash) != tmhash.Size {
		return fmt.Errorf("wrong block hash size %d", len(m.BlockHash))
	}
	if len(m.Signature) == 0 {
		return errors.New("commit has no signature")
	}
	return nil
}

// ------ RecoveryRequest ------

type RecoveryRequest struct {
	Timestamp uint64 `json:"timestamp"`
}

func (m *RecoveryRequest) Kind() MessageKind { return RecoveryRequestKind }

func (m *RecoveryRequest) ValidateBasic() error { return nil }

// ------ RecoveryMessage ------

// RecoveryMessage 打包发送者已知的当前高度的所有payload
// 接收方必须像单独收到一样逐个验证
type RecoveryMessage struct {
	ChangeViewPayloads    []*ConsensusPayload `json:"change_view_payloads"`
	PrepareRequestPayload *ConsensusPayload   `json:"prepare_request_payload"`
	// 没有PrepareRequest时携带多数PrepareResponse指向的区块hash
	PreparationHash     tmbytes.HexBytes    `json:"preparation_hash"`
	PreparationPayloads []*ConsensusPayload `json:"preparation_payloads"`
	CommitPayloads      []*ConsensusPayload `json:"commit_payloads"`
}

func (m *RecoveryMessage) Kind() MessageKind { return RecoveryMessageKind }

func (m *RecoveryMessage) ValidateBasic() error {
	check := func(payloads []*ConsensusPayload, kinds ...MessageKind) error {
		for _, p := range payloads {
			if p == nil {
				return errors.New("nil payload in recovery message")
			}
			if err := p.ValidateBasic(); err != nil {
				return err
			}
			if !kindIn(p.Kind, kinds) {
				return fmt.Errorf("unexpected %v payload in recovery message", p.Kind)
			}
		}
		return nil
	}
	if err := check(m.ChangeViewPayloads, ChangeViewKind); err != nil {
		return err
	}
	if m.PrepareRequestPayload != nil {
		if err := check([]*ConsensusPayload{m.PrepareRequestPayload}, PrepareRequestKind); err != nil {
			return err
		}
	}
	if err := check(m.PreparationPayloads, PrepareRequestKind, PrepareResponseKind); err != nil {
		return err
	}
	return check(m.CommitPayloads, CommitKind)
}

func kindIn(k MessageKind, kinds []MessageKind) bool {
	for _, kind := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
