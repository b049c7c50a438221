package consensus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"dbft_demo/types"
)

func TestVerificationContextAccumulates(t *testing.T) {
	vc := NewVerificationContext()
	txs := types.Txs{makeTx(1), makeTx(2)}
	for _, tx := range txs {
		assert.True(t, vc.CheckTransaction(tx))
		vc.AddTransaction(tx)
	}

	assert.Equal(t, 2, vc.Count())
	assert.EqualValues(t, 2, vc.SystemFee())
	assert.EqualValues(t, 20, vc.NetworkFee())
	assert.EqualValues(t, 22, vc.SenderFee(txs[0].Sender))
	assert.Equal(t, int64(types.HeaderSize)+txs[0].Size()+txs[1].Size(), vc.ExpectedBlockSize())
}

func TestVerificationContextRejectsDuplicate(t *testing.T) {
	vc := NewVerificationContext()
	tx := makeTx(1)
	vc.AddTransaction(tx)
	assert.False(t, vc.CheckTransaction(tx))
	assert.Equal(t, 1, vc.Count())
}

func TestVerificationContextRejectsOverflow(t *testing.T) {
	vc := NewVerificationContext()
	rich := makeTx(1)
	rich.SystemFee = math.MaxInt64 - 5
	rich.NetworkFee = 0
	assert.True(t, vc.CheckTransaction(rich))
	vc.AddTransaction(rich)

	// 同一个sender的累计费用溢出
	more := makeTx(2)
	assert.False(t, vc.CheckTransaction(more))

	// 单笔交易的费用溢出
	single := makeTx(3)
	single.Sender = []byte("another-sender-addr!")
	single.SystemFee = math.MaxInt64
	single.NetworkFee = 1
	assert.False(t, vc.CheckTransaction(single))

	// 区块的系统费累计溢出
	other := makeTx(4)
	other.Sender = []byte("another-sender-addr!")
	other.SystemFee = 10
	assert.False(t, vc.CheckTransaction(other))
}
