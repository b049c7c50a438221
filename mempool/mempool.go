package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/types"
)

type Mempool interface {
	// CheckTx检验一个新交易是否合法，来决定能否将其加入到mempool中
	CheckTx(types.Tx, TxInfo) error

	// ReapTxs从mempool中按到达顺序取出交易，交易总大小不超过maxBytes
	// maxBytes为负数时不限制大小
	ReapTxs(maxBytes int64) types.Txs

	// ReapMaxTxs从mempool中取出caller指定数量的交易
	// 如果max是负数则表示取出mempool所有的交易
	ReapMaxTxs(max int) types.Txs

	// GetTx 按交易hash查询，共识用来补全PrepareRequest中的交易
	GetTx(hash []byte) (types.Tx, bool)

	// Lock locks the mempool，更新mempool前必须lock mempool
	Lock()

	// UnLock the Mempool
	Unlock()

	// Update 将已上链的交易从mempool中删去
	// NOTE: 该函数只能在block被提交后才能调用
	// NOTE: caller负责Lock/Unlock
	Update(height uint32, txs types.Txs) error

	// Flush将mempool中的所有交易清空
	Flush()

	// Size返回mempool中的交易条数
	Size() int

	// TxsBytes返回mempool所有交易的byte大小
	TxsBytes() int64

	// TxsAvailable 每个高度第一次有交易进入mempool时触发一次
	TxsAvailable() <-chan struct{}
}

//--------------------------------------------------------------------------------
type PreCheckFunc func(types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
