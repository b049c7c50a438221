package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const testChainID = "types_test"

func signed(t *testing.T, pv PrivValidator, index uint8, view uint8, msg ConsensusMessage) *ConsensusPayload {
	p, err := NewConsensusPayload(7, index, view, msg)
	require.NoError(t, err)
	require.NoError(t, p.Sign(testChainID, pv))
	return p
}

func TestPayloadSignVerify(t *testing.T) {
	pv := NewMockPV()
	pub, err := pv.GetPubKey()
	require.NoError(t, err)

	p := signed(t, pv, 2, 1, &PrepareResponse{BlockHash: tmhash.Sum([]byte("block"))})
	require.NoError(t, p.ValidateBasic())
	assert.True(t, p.Verify(testChainID, pub))
	assert.False(t, p.Verify("other_chain", pub), "signature is bound to the chain id")

	other, err := NewMockPV().GetPubKey()
	require.NoError(t, err)
	assert.False(t, p.Verify(testChainID, other))

	// 任何头部字段的修改都使签名失效
	hash := p.Hash()
	p.ViewNumber = 2
	assert.False(t, p.Verify(testChainID, pub))
	assert.NotEqual(t, hash, p.Hash())

	p.ViewNumber = 1
	p.Signature = nil
	assert.False(t, p.Verify(testChainID, pub))
	assert.Error(t, p.ValidateBasic())
}

func TestPayloadHashExcludesSignature(t *testing.T) {
	msg := &Commit{BlockHash: tmhash.Sum([]byte("b")), Signature: []byte{1}}
	a := signed(t, NewMockPV(), 0, 0, msg)
	b := signed(t, NewMockPV(), 0, 0, msg)
	assert.NotEqual(t, a.Signature, b.Signature)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestPayloadGetMessage(t *testing.T) {
	pv := NewMockPV()
	blockHash := tmhash.Sum([]byte("block"))
	txHash := tmhash.Sum([]byte("tx"))

	testCases := []ConsensusMessage{
		&ChangeView{NewViewNumber: 3, Reason: ReasonTxNotFound, Timestamp: 99},
		&PrepareRequest{Version: 0, PrevHash: blockHash, Timestamp: 1, Nonce: 2, BlockHash: blockHash,
			TransactionHashes: []tmbytes.HexBytes{txHash}},
		&PrepareResponse{BlockHash: blockHash},
		&Commit{BlockHash: blockHash, Signature: []byte{1, 2, 3}},
		&RecoveryRequest{Timestamp: 5},
		&RecoveryMessage{PreparationHash: blockHash},
	}
	for _, msg := range testCases {
		p := signed(t, pv, 0, 0, msg)
		assert.Equal(t, msg.Kind(), p.Kind)

		decoded, err := p.GetMessage()
		require.NoError(t, err, "%v", msg.Kind())
		assert.Equal(t, msg, decoded)
	}
}

func TestPayloadRejectsMalformed(t *testing.T) {
	pv := NewMockPV()

	p := signed(t, pv, 0, 0, &PrepareResponse{BlockHash: tmhash.Sum(nil)})
	p.Kind = MessageKind(0x7f)
	assert.Error(t, p.ValidateBasic())
	_, err := p.GetMessage()
	assert.Error(t, err)

	// 类型字节与消息体不一致
	p = signed(t, pv, 0, 0, &PrepareResponse{BlockHash: tmhash.Sum(nil)})
	p.Kind = CommitKind
	_, err = p.GetMessage()
	assert.Error(t, err)

	p = signed(t, pv, 0, 0, &PrepareResponse{BlockHash: []byte{1, 2}})
	_, err = p.GetMessage()
	assert.Error(t, err, "short block hash")

	p = signed(t, pv, 0, 0, &ChangeView{Reason: ChangeViewReason(0x10)})
	_, err = p.GetMessage()
	assert.Error(t, err, "unknown reason")

	h := tmhash.Sum([]byte("tx"))
	p = signed(t, pv, 0, 0, &PrepareRequest{BlockHash: tmhash.Sum(nil), TransactionHashes: []tmbytes.HexBytes{h, h}})
	_, err = p.GetMessage()
	assert.Error(t, err, "duplicate transaction hash")

	p = signed(t, pv, 0, 0, &RecoveryRequest{})
	p.Data = make([]byte, MaxPayloadDataSize+1)
	assert.Error(t, p.ValidateBasic())
}

func TestRecoveryMessageValidatesInnerPayloads(t *testing.T) {
	pv := NewMockPV()
	blockHash := tmhash.Sum([]byte("block"))
	commit := signed(t, pv, 1, 0, &Commit{BlockHash: blockHash, Signature: []byte{1}})
	resp := signed(t, pv, 1, 0, &PrepareResponse{BlockHash: blockHash})

	ok := &RecoveryMessage{PreparationPayloads: []*ConsensusPayload{resp}, CommitPayloads: []*ConsensusPayload{commit}}
	assert.NoError(t, ok.ValidateBasic())

	wrongSlot := &RecoveryMessage{CommitPayloads: []*ConsensusPayload{resp}}
	assert.Error(t, wrongSlot.ValidateBasic())

	withNil := &RecoveryMessage{ChangeViewPayloads: []*ConsensusPayload{nil}}
	assert.Error(t, withNil.ValidateBasic())

	nested := &RecoveryMessage{PrepareRequestPayload: resp}
	assert.Error(t, nested.ValidateBasic())
}

func TestMessageKindStrings(t *testing.T) {
	assert.Equal(t, "PrepareRequest", PrepareRequestKind.String())
	assert.Equal(t, "RecoveryMessage", RecoveryMessageKind.String())
	assert.Equal(t, "UnknownKind(0x7f)", MessageKind(0x7f).String())
	assert.Equal(t, "ChangeAgreement", ReasonChangeAgreement.String())
	assert.Equal(t, "UnknownReason(0x9)", ChangeViewReason(9).String())
}
