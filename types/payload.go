package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

const MaxPayloadDataSize = 1024 * 1024

// ConsensusPayload 网络上传输的签名信封
type ConsensusPayload struct {
	BlockIndex     uint32           `json:"block_index"`
	ValidatorIndex uint8            `json:"validator_index"`
	ViewNumber     uint8            `json:"view_number"`
	Kind           MessageKind      `json:"kind"`
	Data           tmbytes.HexBytes `json:"data"`
	Signature      tmbytes.HexBytes `json:"signature"`
}

// NewConsensusPayload 编码消息体，签名由调用方完成
func NewConsensusPayload(blockIndex uint32, validatorIndex, view uint8, msg ConsensusMessage) (*ConsensusPayload, error) {
	bz, err := tmjson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &ConsensusPayload{
		BlockIndex:     blockIndex,
		ValidatorIndex: validatorIndex,
		ViewNumber:     view,
		Kind:           msg.Kind(),
		Data:           bz,
	}, nil
}

func (p *ConsensusPayload) unsignedBytes() []byte {
	bz := make([]byte, 0, 7+len(p.Data))
	bz = append(bz, uint32Bytes(p.BlockIndex)...)
	bz = append(bz, p.ValidatorIndex, p.ViewNumber, byte(p.Kind))
	return append(bz, p.Data...)
}

// Hash payload的唯一标识，不包含签名
func (p *ConsensusPayload) Hash() tmbytes.HexBytes {
	return tmhash.Sum(p.unsignedBytes())
}

// SignBytes 需要签名的摘要
func (p *ConsensusPayload) SignBytes(chainID string) []byte {
	h := tmhash.New()
	h.Write([]byte(chainID))
	h.Write(p.unsignedBytes())
	return h.Sum(nil)
}

// Sign 使用signer签名payload
func (p *ConsensusPayload) Sign(chainID string, signer PrivValidator) error {
	sig, err := signer.Sign(p.SignBytes(chainID))
	if err != nil {
		return fmt.Errorf("error signing %v payload: %w", p.Kind, err)
	}
	p.Signature = sig
	return nil
}

// Verify 检查签名是否由pubKey产生
func (p *ConsensusPayload) Verify(chainID string, pubKey crypto.PubKey) bool {
	if len(p.Signature) == 0 {
		return false
	}
	return pubKey.VerifySignature(p.SignBytes(chainID), p.Signature)
}

func (p *ConsensusPayload) ValidateBasic() error {
	if p == nil {
		return errors.New("nil payload")
	}
	switch p.Kind {
	case ChangeViewKind, PrepareRequestKind, PrepareResponseKind, CommitKind,
		RecoveryRequestKind, RecoveryMessageKind:
	default:
		return fmt.Errorf("unknown message kind %#x", uint8(p.Kind))
	}
	if len(p.Data) == 0 {
		return errors.New("payload has no data")
	}
	if len(p.Data) > MaxPayloadDataSize {
		return fmt.Errorf("payload data too large: %d", len(p.Data))
	}
	if len(p.Signature) == 0 {
		return errors.New("payload has no signature")
	}
	return nil
}

// GetMessage 按Kind解码消息体
func (p *ConsensusPayload) GetMessage() (ConsensusMessage, error) {
	var msg ConsensusMessage
	switch p.Kind {
	case ChangeViewKind:
		msg = &ChangeView{}
	case PrepareRequestKind:
		msg = &PrepareRequest{}
	case PrepareResponseKind:
		msg = &PrepareResponse{}
	case CommitKind:
		msg = &Commit{}
	case RecoveryRequestKind:
		msg = &RecoveryRequest{}
	case RecoveryMessageKind:
		msg = &RecoveryMessage{}
	default:
		return nil, fmt.Errorf("unknown message kind %#x", uint8(p.Kind))
	}
	if err := tmjson.Unmarshal(p.Data, msg); err != nil {
		return nil, fmt.Errorf("decoding %v: %w", p.Kind, err)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid %v: %w", p.Kind, err)
	}
	return msg, nil
}

func (p *ConsensusPayload) String() string {
	if p == nil {
		return "nil-Payload"
	}
	return fmt.Sprintf("Payload{%v #%d v:%d val:%d %v}", p.Kind, p.BlockIndex, p.ViewNumber, p.ValidatorIndex, p.Hash())
}
