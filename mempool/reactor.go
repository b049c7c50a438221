package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/types"
)

const (
	MempoolChannel = byte(0x30)

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. RPC)
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16

	// 一次请求最多携带的交易hash数量
	maxRequestHashes = 1024
)

type Reactor struct {
	p2p.BaseReactor

	config *cfg.MempoolConfig

	mempool *ListMempool
	ids     *mempoolIDs
}

type mempoolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16 // map from p2p.ID to mempoolIDs
	nextID    uint16            // nextID指向最后一个可用ID+1的值，但该值不一定可用
	activeIDs map[uint16]struct{}
}

// ReserveForPeer 为peer节点附带一个唯一id
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID 返回下一个可用的id
// 由caller负责lock/unlock.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim 释放peer对应的id.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer 返回peer的id.
func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 为unknownPeerID保留0，节点之间广播使用unKnownPeerId
	}
}

func NewReactor(config *cfg.MempoolConfig, mempool *ListMempool) *Reactor {
	reactor := &Reactor{
		config:  config,
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	reactor.BaseReactor = *p2p.NewBaseReactor("Mempool", reactor)

	return reactor
}

// InitPeer implements Reactor
// 为peer生成一个唯一的id
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	if !memR.config.Broadcast {
		memR.Logger.Info("Tx broadcasting is disabled")
	}
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: maxMsgSize(memR.config),
		},
	}
}

// AddPeer implements Reactor.
// 启动broadcast routine在节点之间广播tx
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	if memR.config.Broadcast {
		go memR.broadcastTxRoutine(peer)
	}
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor.
// 收到的交易加入mempool；收到交易请求时把本地有的交易发回请求方
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		memR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}

	txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src)}
	if src != nil {
		txInfo.SenderP2PID = src.ID()
	}
	for _, tx := range msg.Txs {
		err := memR.mempool.CheckTx(tx, txInfo)
		if err != nil && err != ErrTxInMap {
			memR.Logger.Info("Could not check tx", "tx", tx.Hash(), "err", err)
		}
	}

	if len(msg.Request) > 0 {
		memR.respondTxRequest(src, msg.Request)
	}
}

func (memR *Reactor) respondTxRequest(src p2p.Peer, hashes []tmbytes.HexBytes) {
	for _, hash := range hashes {
		tx, ok := memR.mempool.GetTx(hash)
		if !ok {
			continue
		}
		bz, err := encodeMsg(&Message{Txs: types.Txs{tx}})
		if err != nil {
			memR.Logger.Error("Error encoding tx", "err", err)
			return
		}
		src.TrySend(MempoolChannel, bz)
	}
}

// RequestTxs 向所有节点请求缺失的交易，收到的交易通过CheckTx进入mempool
func (memR *Reactor) RequestTxs(hashes []tmbytes.HexBytes) {
	if len(hashes) == 0 || memR.Switch == nil {
		return
	}
	memR.mempool.metrics.RequestedTxs.Add(float64(len(hashes)))
	memR.mempool.metric.MarkRequestedTxs(len(hashes))

	for start := 0; start < len(hashes); start += maxRequestHashes {
		end := start + maxRequestHashes
		if end > len(hashes) {
			end = len(hashes)
		}
		bz, err := encodeMsg(&Message{Request: hashes[start:end]})
		if err != nil {
			memR.Logger.Error("Error encoding tx request", "err", err)
			return
		}
		memR.Switch.Broadcast(MempoolChannel, bz)
	}
}

// --------------------------------
func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		// next为nil时等待mempool出现第一个交易
		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		// 不要将交易原路返回
		if _, ok := memTx.senders.Load(peerID); !ok {
			bz, err := encodeMsg(&Message{Txs: types.Txs{memTx.tx}})
			if err != nil {
				panic(err)
			}
			if success := peer.Send(MempoolChannel, bz); !success {
				// 如果发送不成功，间隔peerCatchupSleepIntervalMS后再看是否需要发送
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		// 当next有下一个元素时，它的nextWaitch关闭，<-会读出来nil，流程继续
		// 如果没有下一个元素，则会在这里block
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}

// ---------------------------------

// Message mempool通道上的消息，交易和交易请求可以同时携带
type Message struct {
	Txs     types.Txs          `json:"txs,omitempty"`
	Request []tmbytes.HexBytes `json:"request,omitempty"`
}

func encodeMsg(msg *Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (*Message, error) {
	msg := &Message{}
	if err := tmjson.Unmarshal(bz, msg); err != nil {
		return nil, errors.Wrap(err, "decoding mempool message")
	}
	if len(msg.Txs) == 0 && len(msg.Request) == 0 {
		return nil, errors.New("empty mempool message")
	}
	if len(msg.Request) > maxRequestHashes {
		return nil, errors.Errorf("too many requested hashes: %d", len(msg.Request))
	}
	return msg, nil
}

// maxMsgSize 一条消息最多携带一个最大交易的json编码
func maxMsgSize(config *cfg.MempoolConfig) int {
	return 4*config.MaxTxBytes + 64*1024
}
