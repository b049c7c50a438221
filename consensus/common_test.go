package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tmcfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
	mempl "dbft_demo/mempool"
	"dbft_demo/state"
	"dbft_demo/store"
	"dbft_demo/types"
)

const testChainID = "consensus_test"

//----------------------------------------
// mockTicker 只记录最后一次调度，由测试手动触发

type mockTicker struct {
	mtx       sync.Mutex
	c         chan timeoutInfo
	last      timeoutInfo
	scheduled int
}

func newMockTicker() *mockTicker {
	return &mockTicker{c: make(chan timeoutInfo)}
}

func (m *mockTicker) Start() error             { return nil }
func (m *mockTicker) Stop() error              { return nil }
func (m *mockTicker) Chan() <-chan timeoutInfo { return m.c }
func (m *mockTicker) SetLogger(log.Logger)     {}

func (m *mockTicker) ScheduleTimeout(ti timeoutInfo) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.last = ti
	m.scheduled++
}

func (m *mockTicker) Last() timeoutInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.last
}

func (m *mockTicker) Scheduled() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.scheduled
}

type mockFetcher struct {
	requested []tmbytes.HexBytes
}

func (f *mockFetcher) RequestTxs(hashes []tmbytes.HexBytes) {
	f.requested = append(f.requested, hashes...)
}

//----------------------------------------
// testNetwork 在一个goroutine里同步驱动N个ConsensusService

type testNode struct {
	index     int
	cs        *ConsensusService
	config    *cfg.DBFTConfig
	ledger    *state.Ledger
	mempool   *mempl.ListMempool
	privVal   types.PrivValidator
	blobStore store.BlobStore
	fetcher   *mockFetcher

	viewTicker     *mockTicker
	recoveryTicker *mockTicker

	outbox  []*types.ConsensusPayload
	offline bool
}

type envelope struct {
	from    int
	to      int
	payload *types.ConsensusPayload
}

type testNetwork struct {
	t      *testing.T
	logger log.Logger
	genDoc *types.GenesisDoc
	privs  []types.PrivValidator
	nodes  []*testNode

	queue []envelope
	held  []envelope
	// 返回true的消息不投递，放入held
	drop func(from, to int, p *types.ConsensusPayload) bool
}

// newTestNetwork 创建validators个验证者节点和watchers个只观察的节点
// 验证者节点的下标与其在验证者集合中的index一致
func newTestNetwork(t *testing.T, validators, watchers int) *testNetwork {
	vals, privs := types.RandValidatorSet(validators, 10)
	genDoc := &types.GenesisDoc{
		GenesisTime: time.Now().Add(-time.Hour),
		ChainID:     testChainID,
	}
	for i, val := range vals.Validators {
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			PubKey: val.PubKey,
			Stake:  val.Stake + int64(validators-i), // 保证集合的顺序与privs一致
		})
	}

	net := &testNetwork{
		t:      t,
		logger: log.TestingLogger(),
		genDoc: genDoc,
		privs:  privs,
	}
	for _, pv := range privs {
		net.addNode(pv)
	}
	for i := 0; i < watchers; i++ {
		net.addNode(types.NewMockPV())
	}
	return net
}

func (net *testNetwork) addNode(privVal types.PrivValidator) *testNode {
	config := cfg.TestDBFTConfig()
	valMgr := state.NewValidatorManager(config)
	genState, _, err := state.MakeGenesisState(net.genDoc, valMgr)
	require.NoError(net.t, err)

	mempool := mempl.NewListMempool(tmcfg.TestMempoolConfig(), 0)
	db := store.NewMockStore()
	ledger := state.NewLedger(genState, db, state.NewBlockExecutor(db, mempool, valMgr), valMgr)

	node := &testNode{
		index:     len(net.nodes),
		config:    config,
		ledger:    ledger,
		mempool:   mempool,
		privVal:   privVal,
		blobStore: store.NewMemBlobStore(),
		fetcher:   &mockFetcher{},
	}
	ledger.SetLogger(net.logger.With("node", node.index, "module", "ledger"))
	net.nodes = append(net.nodes, node)
	net.newService(node)
	return node
}

// newService 为节点创建新的ConsensusService，模拟重启
func (net *testNetwork) newService(node *testNode) {
	node.viewTicker = newMockTicker()
	node.recoveryTicker = newMockTicker()
	node.outbox = nil
	cs := NewConsensusService(node.config, node.ledger, node.privVal, node.mempool, node.blobStore,
		WithTimeoutTickers(node.viewTicker, node.recoveryTicker),
		WithTxFetcher(node.fetcher),
	)
	cs.SetLogger(net.logger.With("node", node.index))

	err := cs.eventSwitch.AddListenerForEvent("test-network", EventBroadcastPayload, func(data events.EventData) {
		p := data.(*types.ConsensusPayload)
		node.outbox = append(node.outbox, p)
		net.queue = append(net.queue, envelope{from: node.index, to: -1, payload: p})
	})
	require.NoError(net.t, err)
	node.cs = cs
}

// restart 丢弃内存中的状态，用同一个账本和存储重新启动
func (net *testNetwork) restart(i int) *testNode {
	node := net.nodes[i]
	net.newService(node)
	node.cs.startConsensus()
	return node
}

// startAll 所有节点进入第一个高度的view 0
func (net *testNetwork) startAll() {
	for i, node := range net.nodes {
		node.cs.mtx.Lock()
		node.cs.initializeConsensus(0)
		node.cs.mtx.Unlock()
		if i < len(net.privs) {
			require.EqualValues(net.t, i, node.cs.ctx.MyIndex)
		}
	}
}

// run 投递所有排队的消息，直到网络安静下来
func (net *testNetwork) run() {
	for len(net.queue) > 0 {
		env := net.queue[0]
		net.queue = net.queue[1:]
		if net.nodes[env.from].offline {
			continue
		}
		for to, node := range net.nodes {
			if to == env.from || node.offline {
				continue
			}
			if net.drop != nil && net.drop(env.from, to, env.payload) {
				net.held = append(net.held, envelope{from: env.from, to: to, payload: env.payload})
				continue
			}
			_ = node.cs.OnMessageReceived(env.payload)
		}
	}
}

// releaseHeld 投递被扣下的消息中符合filter的部分
func (net *testNetwork) releaseHeld(filter func(env envelope) bool) {
	var remaining []envelope
	for _, env := range net.held {
		if filter(env) {
			_ = net.nodes[env.to].cs.OnMessageReceived(env.payload)
		} else {
			remaining = append(remaining, env)
		}
	}
	net.held = remaining
	net.run()
}

func (net *testNetwork) primary() int {
	return int(net.nodes[0].cs.GetRoundState().PrimaryIndex)
}

func (node *testNode) fireViewTimeout() {
	node.cs.handleTimeout(node.viewTicker.Last())
}

func (node *testNode) fireRecoveryTimeout() {
	node.cs.handleTimeout(node.recoveryTicker.Last())
}

func (node *testNode) height() uint32 {
	return node.ledger.CurrentIndex()
}

func (node *testNode) sentKinds() []types.MessageKind {
	kinds := make([]types.MessageKind, 0, len(node.outbox))
	for _, p := range node.outbox {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func makeTx(nonce uint32) types.Tx {
	return types.Tx{
		Sender:     make([]byte, 20),
		Nonce:      nonce,
		SystemFee:  1,
		NetworkFee: 10,
		Script:     []byte{0x51, byte(nonce)},
	}
}

func (node *testNode) addTxs(t *testing.T, txs ...types.Tx) {
	for _, tx := range txs {
		require.NoError(t, node.mempool.CheckTx(tx, mempl.TxInfo{SenderID: mempl.UnknownPeerID}))
	}
}

// signedPayload 用第i个验证者的私钥签名任意消息
func (net *testNetwork) signedPayload(i int, blockIndex uint32, view uint8, msg types.ConsensusMessage) *types.ConsensusPayload {
	p, err := types.NewConsensusPayload(blockIndex, uint8(i), view, msg)
	require.NoError(net.t, err)
	require.NoError(net.t, p.Sign(testChainID, net.privs[i]))
	return p
}
