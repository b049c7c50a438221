package consensus

import (
	"math"

	"dbft_demo/types"
)

// VerificationContext 累计一个候选区块中交易的手续费
// 同一笔交易只计算一次，同一个sender的费用累计不能溢出
type VerificationContext struct {
	senderFee map[string]int64
	seen      map[types.TxKey]struct{}

	systemFee  int64
	networkFee int64
	size       int64
}

func NewVerificationContext() *VerificationContext {
	return &VerificationContext{
		senderFee: make(map[string]int64),
		seen:      make(map[types.TxKey]struct{}),
	}
}

// CheckTransaction 交易能否加入当前的累计
func (vc *VerificationContext) CheckTransaction(tx types.Tx) bool {
	if _, ok := vc.seen[tx.Key()]; ok {
		return false
	}
	fee, ok := addFee(tx.SystemFee, tx.NetworkFee)
	if !ok {
		return false
	}
	if _, ok := addFee(vc.senderFee[string(tx.Sender)], fee); !ok {
		return false
	}
	if _, ok := addFee(vc.systemFee, tx.SystemFee); !ok {
		return false
	}
	_, ok = addFee(vc.networkFee, tx.NetworkFee)
	return ok
}

// AddTransaction 调用前必须先通过CheckTransaction
func (vc *VerificationContext) AddTransaction(tx types.Tx) {
	vc.seen[tx.Key()] = struct{}{}
	vc.senderFee[string(tx.Sender)] += tx.SystemFee + tx.NetworkFee
	vc.systemFee += tx.SystemFee
	vc.networkFee += tx.NetworkFee
	vc.size += tx.Size()
}

func (vc *VerificationContext) Count() int {
	return len(vc.seen)
}

func (vc *VerificationContext) SystemFee() int64 {
	return vc.systemFee
}

func (vc *VerificationContext) NetworkFee() int64 {
	return vc.networkFee
}

// SenderFee sender在当前区块中累计的费用
func (vc *VerificationContext) SenderFee(sender types.Address) int64 {
	return vc.senderFee[string(sender)]
}

// ExpectedBlockSize 按已收集的交易估算的区块大小
func (vc *VerificationContext) ExpectedBlockSize() int64 {
	return int64(types.HeaderSize) + vc.size
}

func addFee(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
