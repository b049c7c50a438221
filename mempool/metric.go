package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

// memMetric rpc metrics接口返回的mempool指标
type memMetric struct {
	mtx           sync.RWMutex
	TxsNum        int   `json:"txs_num"`         // mempool中所有的交易总数
	TotalTxsBytes int64 `json:"total_txs_bytes"` // 目前mempool所有的交易的大小
	RequestedTxs  int64 `json:"requested_txs"`   // 共识向其他节点请求过的交易数
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkTxsNum(txsnum int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsnum
}

func (mm *memMetric) MarkTotalTxsBytes(totalTxsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TotalTxsBytes = totalTxsBytes
}

func (mm *memMetric) MarkRequestedTxs(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.RequestedTxs += int64(n)
}
