package mempool

import (
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"dbft_demo/libs/metric"
	"dbft_demo/types"
)

func NewListMempool(config *cfg.MempoolConfig, height uint32, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height:  height,
		config:  config,
		txs:     clist.New(),
		logger:  log.NewNopLogger(),
		metrics: NopMetrics(),
		metric:  newMemMetric(),
	}

	mem.txsAvailable = make(chan struct{}, 1)

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool 按交易到达顺序保存交易的mempool
// 交易只在区块上链后由Update移除，打包不会移除交易
type ListMempool struct {
	// Atomic integers
	height   uint32 // the last block Update()'d to
	txsBytes int64  // total size of mempool, in bytes

	// notify listeners (ie. consensus) when txs are available
	notifiedTxsAvailable bool
	txsAvailable         chan struct{} // fires once for each height, when the mempool is not empty

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	// onNewTx 每个新加入的交易都会回调，共识借此收到缺失的交易
	onNewTx []func(types.Tx)

	txs    *clist.CList
	txsMap sync.Map // types.TxKey => *clist.CElement

	logger  log.Logger
	metrics *Metrics
	metric  *memMetric
}

type ListMempoolOption func(memppol *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ListMempoolOption {
	return func(mem *ListMempool) { mem.metrics = metrics }
}

// OnNewTx 注册新交易的回调，回调在CheckTx的goroutine中执行，不能阻塞
func (mem *ListMempool) OnNewTx(cb func(types.Tx)) {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()
	mem.onNewTx = append(mem.onNewTx, cb)
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// Metric 供rpc查询的json格式指标
func (mem *ListMempool) Metric() metric.MetricItem {
	return mem.metric
}

func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := tx.ValidateBasic(); err != nil {
		mem.metrics.FailedTxs.Add(1)
		return err
	}

	txSize := tx.Size()
	if txSize > int64(mem.config.MaxTxBytes) {
		mem.metrics.FailedTxs.Add(1)
		return ErrTxTooLarge{Max: int64(mem.config.MaxTxBytes), Actual: txSize}
	}

	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			mem.metrics.FailedTxs.Add(1)
			return ErrPreCheck{err}
		}
	}

	// 已经存在的交易只记录新的sender，避免广播回去
	if e, ok := mem.txsMap.Load(tx.Key()); ok {
		memTx := e.(*clist.CElement).Value.(*mempoolTx)
		memTx.senders.LoadOrStore(txInfo.SenderID, true)
		return ErrTxInMap
	}

	if err := mem.isFull(txSize); err != nil {
		return err
	}

	memTx := &mempoolTx{
		height: atomic.LoadUint32(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, true)

	mem.addTx(memTx)
	mem.logger.Debug("added tx", "tx", tx.Hash(), "peer", txInfo.SenderP2PID, "total", mem.Size())
	mem.notifyTxsAvailable()
	for _, cb := range mem.onNewTx {
		cb(tx)
	}

	return nil
}

func (mem *ListMempool) isFull(txSize int64) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)

	if memSize >= mem.config.Size || txSize+txsBytes > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			NumTxs:      memSize,
			MaxTxs:      mem.config.Size,
			TxsBytes:    txsBytes,
			MaxTxsBytes: mem.config.MaxTxsBytes,
		}
	}

	return nil
}

// ReapTxs 按到达顺序取出交易，直到总大小超过maxBytes
func (mem *ListMempool) ReapTxs(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var totalBytes int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if maxBytes > -1 && totalBytes+memTx.tx.Size() > maxBytes {
			return txs
		}
		totalBytes += memTx.tx.Size()
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}

	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) GetTx(hash []byte) (types.Tx, bool) {
	var key types.TxKey
	if len(hash) != len(key) {
		return types.Tx{}, false
	}
	copy(key[:], hash)

	e, ok := mem.txsMap.Load(key)
	if !ok {
		return types.Tx{}, false
	}
	return e.(*clist.CElement).Value.(*mempoolTx).tx, true
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update 删除已上链的交易以及已经过期的交易
// NOTE: caller负责Lock/Unlock
func (mem *ListMempool) Update(height uint32, txs types.Txs) error {
	atomic.StoreUint32(&mem.height, height)
	mem.notifiedTxsAvailable = false

	for _, tx := range txs {
		if e, ok := mem.txsMap.Load(tx.Key()); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}

	// 清除在下一个高度已经无效的交易
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if memTx.tx.ValidUntilBlock != 0 && memTx.tx.ValidUntilBlock <= height {
			mem.logger.Debug("removed expired tx", "tx", memTx.tx.Hash(), "valid_until", memTx.tx.ValidUntilBlock)
			mem.removeTx(memTx.tx, e)
		}
	}

	if mem.Size() > 0 {
		mem.notifyTxsAvailable()
	}

	mem.metrics.Size.Set(float64(mem.Size()))
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTotalTxsBytes(mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})

	mem.metrics.Size.Set(0)
	mem.metric.MarkTxsNum(0)
	mem.metric.MarkTotalTxsBytes(0)
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	if mem.Size() == 0 {
		return
	}
	if !mem.notifiedTxsAvailable {
		// channel cap is 1, so this will send once
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.Key(), e)
	atomic.AddInt64(&mem.txsBytes, memTx.tx.Size())

	mem.metrics.TxSizeBytes.Observe(float64(memTx.tx.Size()))
	mem.metrics.Size.Set(float64(mem.Size()))
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTotalTxsBytes(mem.TxsBytes())
}

func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(tx.Key())
	atomic.AddInt64(&mem.txsBytes, -tx.Size())
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type mempoolTx struct {
	height uint32

	tx      types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() uint32 {
	return atomic.LoadUint32(&memTx.height)
}
