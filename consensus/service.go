package consensus

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	cfg "dbft_demo/config"
	cstypes "dbft_demo/consensus/types"
	"dbft_demo/libs/metric"
	mempl "dbft_demo/mempool"
	"dbft_demo/state"
	"dbft_demo/store"
	"dbft_demo/types"
)

// consensus通过eventSwitch向reactor和其他订阅者发布的事件
const (
	EventBroadcastPayload = "BroadcastPayload" // data: *types.ConsensusPayload
	EventNewBlock         = "NewBlock"         // data: *types.Block
	EventNewRound         = "NewRound"         // data: cstypes.RoundStateSimple
)

const (
	msgQueueSize = 1000
	txQueueSize  = 1000

	// PrepareRequest的时间戳最多超前的区块时间数
	maxFutureBlockTimes = 8
)

// TxFetcher 向其他节点请求缺失的交易
type TxFetcher interface {
	RequestTxs(hashes []tmbytes.HexBytes)
}

// ConsensusService dBFT共识的驱动者
//
// 网络消息、交易到达和定时器事件都汇入receiveRoutine，
// 由同一个goroutine依次处理，ConsensusContext只在这里被修改。
type ConsensusService struct {
	service.BaseService

	config *cfg.DBFTConfig

	ctx       *ConsensusContext
	ledger    Ledger
	mempool   mempl.Mempool
	proposals *state.ProposalManager
	txFetcher TxFetcher
	recovery  *RecoveryManager

	timeoutTicker  TimeoutTicker // view定时器
	recoveryTicker TimeoutTicker // recovery重试

	// 处理事件时持有写锁，rpc查询持有读锁
	mtx sync.RWMutex

	// 通信管道
	peerMsgQueue chan msgInfo       // 来自其他节点的payload
	txQueue      chan types.Tx      // mempool新收到的交易
	eventSwitch  events.EventSwitch // consensus和reactor之间通信的组件 - 事件模型

	// 当前高度已经存入slot或已经回应过的payload hash
	knownHashes  map[string]struct{}
	isRecovering bool

	clockStarted  time.Time
	expectedDelay time.Duration
	lastBlockTime time.Time

	metrics *Metrics
	metric  *consensusMetric
}

type ConsensusOption func(*ConsensusService)

func NewConsensusService(
	config *cfg.DBFTConfig,
	ledger Ledger,
	privVal types.PrivValidator,
	mempool mempl.Mempool,
	blobStore store.BlobStore,
	options ...ConsensusOption,
) *ConsensusService {
	cs := &ConsensusService{
		config:         config,
		ctx:            NewConsensusContext(ledger, privVal, blobStore),
		ledger:         ledger,
		mempool:        mempool,
		proposals:      state.NewProposalManager(config),
		recovery:       NewRecoveryManager(config),
		timeoutTicker:  NewTimeoutTicker(),
		recoveryTicker: NewTimeoutTicker(),
		peerMsgQueue:   make(chan msgInfo, msgQueueSize),
		txQueue:        make(chan types.Tx, txQueueSize),
		eventSwitch:    events.NewEventSwitch(),
		knownHashes:    make(map[string]struct{}),
		metrics:        NopMetrics(),
		metric:         newConsensusMetric(),
	}
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func WithMetrics(metrics *Metrics) ConsensusOption {
	return func(cs *ConsensusService) { cs.metrics = metrics }
}

func WithTxFetcher(fetcher TxFetcher) ConsensusOption {
	return func(cs *ConsensusService) { cs.txFetcher = fetcher }
}

// WithTimeoutTickers 替换view定时器和recovery定时器，测试时手动触发超时
func WithTimeoutTickers(view, recovery TimeoutTicker) ConsensusOption {
	return func(cs *ConsensusService) {
		cs.timeoutTicker = view
		cs.recoveryTicker = recovery
	}
}

func (cs *ConsensusService) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.ctx.SetLogger(logger)
	cs.proposals.SetLogger(logger.With("module", "proposal"))
	cs.recovery.SetLogger(logger.With("module", "recovery"))
	cs.timeoutTicker.SetLogger(logger.With("module", "ticker"))
	cs.recoveryTicker.SetLogger(logger.With("module", "ticker"))
}

func (cs *ConsensusService) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}
	if err := cs.recoveryTicker.Start(); err != nil {
		return err
	}

	cs.startConsensus()

	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started.")
	return nil
}

func (cs *ConsensusService) OnStop() {
	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	if err := cs.recoveryTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop recoveryTicker", "error", err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus service stopped.")
}

// receiveRoutine负责接收所有的事件，逐个交给对应的handler
func (cs *ConsensusService) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return

		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)

		case tx := <-cs.txQueue:
			cs.handleTx(tx)

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)

		case ti := <-cs.recoveryTicker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

//----------------------------------------
// 对外接口

// ReceivePayload 把网络上收到的payload放入事件队列
func (cs *ConsensusService) ReceivePayload(p *types.ConsensusPayload, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Payload: p, PeerID: peerID}:
	case <-cs.Quit():
	}
}

// OnTransaction mempool的新交易回调，不能阻塞mempool
func (cs *ConsensusService) OnTransaction(tx types.Tx) {
	select {
	case cs.txQueue <- tx:
	default:
		go func() {
			select {
			case cs.txQueue <- tx:
			case <-cs.Quit():
			}
		}()
	}
}

// OnMessageReceived 验证payload的发送者和签名，通过后交给状态机
// 返回的error只用于日志和统计，节点不会因此停止
func (cs *ConsensusService) OnMessageReceived(p *types.ConsensusPayload) error {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	err := cs.receivePayload(p)
	if err != nil {
		cs.metrics.RejectedPayloads.Add(1)
		cs.metric.MarkRejected()
	}
	return err
}

// GetRoundState 当前轮次的快照
func (cs *ConsensusService) GetRoundState() cstypes.RoundStateSimple {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	rs := cs.ctx.RoundState()
	rs.RecoveryState = cs.recovery.State().String()
	return rs
}

// GetValidators 当前高度的验证者集合
func (cs *ConsensusService) GetValidators() (uint32, *types.ValidatorSet) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.ctx.Block.Index, cs.ctx.Validators.Copy()
}

func (cs *ConsensusService) Metric() metric.MetricItem {
	return cs.metric
}

// BlockIntervals 最近的出块间隔（秒）
func (cs *ConsensusService) BlockIntervals() []float64 {
	return cs.metric.Intervals()
}

func (cs *ConsensusService) EventSwitch() events.EventSwitch {
	return cs.eventSwitch
}

//----------------------------------------
// 事件处理

func (cs *ConsensusService) handleMsg(mi msgInfo) {
	if err := cs.OnMessageReceived(mi.Payload); err != nil {
		cs.Logger.Debug("drop payload", "payload", mi.Payload, "peer", mi.PeerID, "err", err)
	}
}

func (cs *ConsensusService) handleTx(tx types.Tx) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	ctx := cs.ctx
	if ctx.IsPrimary() || ctx.NotAcceptingPayloadsDueToViewChanging() ||
		!ctx.RequestSentOrReceived() || ctx.ResponseSent() || ctx.BlockSent() {
		return
	}
	if _, ok := ctx.Transactions[tx.Key()]; ok {
		return
	}
	if !containsHash(ctx.TransactionHashes, tx.Hash()) {
		return
	}
	cs.addTransaction(tx, true)
}

func (cs *ConsensusService) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	ctx := cs.ctx
	if ti.Height != ctx.Block.Index {
		cs.Logger.Debug("ignore expired timeout", "timeout", ti)
		return
	}

	switch ti.Kind {
	case timeoutRecovery:
		cs.onRecoveryTimeout()
	case timeoutView:
		if ti.View != ctx.ViewNumber {
			cs.Logger.Debug("ignore expired timeout", "timeout", ti)
			return
		}
		cs.onViewTimeout()
	}
}

// startConsensus 恢复保存的轮次或者从新的高度开始
func (cs *ConsensusService) startConsensus() {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	ctx := cs.ctx
	cs.lastBlockTime = time.Unix(0, int64(cs.ledger.LastBlockTimestamp())*int64(time.Millisecond))

	loaded, err := ctx.Load()
	if err != nil {
		cs.Logger.Error("failed to load consensus state", "err", err)
	}
	if !loaded {
		cs.initializeConsensus(0)
	} else {
		cs.Logger.Info("restored consensus state", "height", ctx.Block.Index, "view", ctx.ViewNumber,
			"preparations", ctx.CountPreparations(), "commits", ctx.CountCommitted())
		cs.knownHashes = make(map[string]struct{})
		cs.recovery.Reset()
		cs.markRound()

		// 把保存的交易放回mempool
		for _, tx := range ctx.Transactions {
			if err := cs.mempool.CheckTx(tx, mempl.TxInfo{SenderID: mempl.UnknownPeerID}); err != nil {
				cs.Logger.Debug("restored transaction not added to mempool", "tx", tx.Hash(), "err", err)
			}
		}
		if ctx.CommitSent() {
			// 重新广播自己的commit
			cs.checkPreparations()
			return
		}
		if !ctx.WatchOnly() {
			cs.changeTimer(cs.config.TimeoutForView(ctx.ViewNumber))
		}
	}

	if !ctx.WatchOnly() {
		cs.initiateRecovery(RecoveryReasonRestart)
	}
}

// initializeConsensus 进入新的高度(view=0)或者新的view
func (cs *ConsensusService) initializeConsensus(view uint8) {
	ctx := cs.ctx
	if err := ctx.Reset(view); err != nil {
		cs.Logger.Error("failed to reset consensus context", "view", view, "err", err)
		return
	}

	if view == 0 {
		cs.knownHashes = make(map[string]struct{})
		cs.recovery.Reset()
		cs.metric.MarkRecoveryState(RecoveryNone)
	} else {
		cs.metrics.ViewChanges.Add(1)
		cs.metric.MarkViewChange()
		if view > cs.config.LivenessWarnView {
			cs.Logger.Error("consensus is not making progress", "height", ctx.Block.Index, "view", view)
		}
	}
	cs.markRound()

	cs.Logger.Info("initialize consensus", "height", ctx.Block.Index, "view", view,
		"index", ctx.MyIndex, "role", ctx.Role(), "primary", ctx.Block.PrimaryIndex)
	cs.eventSwitch.FireEvent(EventNewRound, ctx.RoundState())

	if ctx.WatchOnly() {
		return
	}
	if ctx.IsPrimary() && !cs.isRecovering {
		delay := cs.config.BlockTime - time.Since(cs.lastBlockTime)
		if delay < 0 {
			delay = 0
		}
		cs.changeTimer(delay)
	} else {
		cs.changeTimer(cs.config.TimeoutForView(view))
	}
}

func (cs *ConsensusService) onViewTimeout() {
	ctx := cs.ctx
	if ctx.WatchOnly() || ctx.BlockSent() {
		return
	}

	if ctx.IsPrimary() && !ctx.RequestSentOrReceived() {
		cs.sendPrepareRequest()
		return
	}

	if ctx.CommitSent() {
		// 已经commit的节点不换视图，定时重发commit
		cs.changeTimer(cs.config.BlockTime << 1)
		if err := cs.sendRecoveryMessage(); err != nil {
			cs.Logger.Error("failed to resend commit", "err", err)
		}
		return
	}

	reason := types.ReasonTimeout
	if ctx.RequestSentOrReceived() && !ctx.HasAllTransactions() {
		reason = types.ReasonTxNotFound
	}
	cs.requestChangeView(reason)
}

func (cs *ConsensusService) onRecoveryTimeout() {
	ctx := cs.ctx
	d, ok := cs.recovery.NextRetry()
	cs.metric.MarkRecoveryState(cs.recovery.State())
	if !ok {
		if cs.recovery.State() == RecoveryFailed {
			cs.Logger.Error("no response to recovery request, liveness fault",
				"height", ctx.Block.Index, "view", ctx.ViewNumber, "attempts", cs.recovery.Attempts())
		}
		return
	}

	p, err := ctx.MakeRecoveryRequest()
	if err != nil {
		cs.Logger.Error("failed to make recovery request", "err", err)
		return
	}
	cs.Logger.Info("retry recovery request", "height", ctx.Block.Index, "attempt", cs.recovery.Attempts())
	cs.metrics.Recoveries.Add(1)
	cs.broadcast(p)
	cs.scheduleRecovery(d)
}

//----------------------------------------
// payload处理

// receivePayload 调用前必须持有cs.mtx
func (cs *ConsensusService) receivePayload(p *types.ConsensusPayload) error {
	ctx := cs.ctx
	if err := p.ValidateBasic(); err != nil {
		return ErrInvalidPayload{Reason: err}
	}
	if ctx.BlockSent() {
		return nil
	}
	if p.BlockIndex != ctx.Block.Index {
		return ErrWrongHeight{Expected: ctx.Block.Index, Got: p.BlockIndex}
	}

	// 已经存入slot或者已经回应过的payload
	if _, ok := cs.knownHashes[string(p.Hash())]; ok {
		return nil
	}

	_, val := ctx.Validators.GetByIndex(int32(p.ValidatorIndex))
	if val == nil {
		return ErrUnknownValidator
	}
	if !p.Verify(ctx.ChainID(), val.PubKey) {
		return ErrInvalidSignature
	}
	ctx.LastSeenMessage[val.Address.String()] = p.BlockIndex

	msg, err := p.GetMessage()
	if err != nil {
		return ErrInvalidPayload{Reason: err}
	}

	if p.ViewNumber != ctx.ViewNumber {
		switch p.Kind {
		case types.ChangeViewKind, types.CommitKind, types.RecoveryRequestKind, types.RecoveryMessageKind:
		default:
			if p.ViewNumber > ctx.ViewNumber {
				cs.requestDesyncRecovery()
			}
			return ErrWrongView
		}
	}

	switch msg := msg.(type) {
	case *types.ChangeView:
		return cs.onChangeView(p, msg)
	case *types.PrepareRequest:
		return cs.onPrepareRequest(p, msg)
	case *types.PrepareResponse:
		return cs.onPrepareResponse(p, msg)
	case *types.Commit:
		return cs.onCommit(p, msg)
	case *types.RecoveryRequest:
		if p.ViewNumber != ctx.ViewNumber {
			return nil
		}
		return cs.onRecoveryRequest(p)
	case *types.RecoveryMessage:
		return cs.onRecoveryMessage(p, msg)
	}
	return nil
}

func (cs *ConsensusService) onChangeView(p *types.ConsensusPayload, msg *types.ChangeView) error {
	ctx := cs.ctx
	if msg.NewViewNumber <= ctx.ViewNumber {
		// 对方落后了，当作recovery请求
		return cs.onRecoveryRequest(p)
	}
	if ctx.CommitSent() {
		cs.markKnown(string(p.Hash()))
		return cs.sendRecoveryMessage()
	}

	if existing := ctx.ChangeViewPayloads[p.ValidatorIndex]; existing != nil &&
		changeViewTarget(existing) >= msg.NewViewNumber {
		return nil
	}
	cs.Logger.Debug("receive change view", "validator", p.ValidatorIndex, "new_view", msg.NewViewNumber, "reason", msg.Reason)
	ctx.ChangeViewPayloads[p.ValidatorIndex] = p
	cs.markKnown(string(p.Hash()))
	cs.checkExpectedView(msg.NewViewNumber)
	return nil
}

func (cs *ConsensusService) onPrepareRequest(p *types.ConsensusPayload, msg *types.PrepareRequest) error {
	ctx := cs.ctx
	if ctx.RequestSentOrReceived() || ctx.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	if p.ValidatorIndex != ctx.Block.PrimaryIndex || p.ViewNumber != ctx.ViewNumber {
		return ErrNotPrimary
	}
	if msg.Version != ctx.Block.Version || !bytes.Equal(msg.PrevHash, ctx.Block.PrevHash) {
		return ErrInvalidPayload{Reason: errors.New("prepare request does not extend the current chain")}
	}
	if len(msg.TransactionHashes) > cs.config.MaxTransactionsPerBlock {
		return ErrInvalidPayload{Reason: state.ErrTooManyTransactions}
	}
	maxTimestamp := nowMillis() + maxFutureBlockTimes*uint64(cs.config.BlockTime/time.Millisecond)
	if msg.Timestamp <= cs.ledger.LastBlockTimestamp() || msg.Timestamp > maxTimestamp {
		return ErrInvalidPayload{Reason: errors.New("prepare request timestamp out of range")}
	}
	for _, h := range msg.TransactionHashes {
		if cs.ledger.ContainsTransaction(h) {
			return ErrInvalidPayload{Reason: state.ErrDuplicateTransaction}
		}
	}

	hashes := msg.TransactionHashes
	if hashes == nil {
		hashes = []tmbytes.HexBytes{}
	}
	header := ctx.Block
	header.Timestamp = msg.Timestamp
	header.Nonce = msg.Nonce
	header.MerkleRoot = types.MerkleRoot(hashes)
	blockHash := header.Hash()
	if !bytes.Equal(blockHash, msg.BlockHash) {
		return ErrInvalidPayload{Reason: errors.New("block hash does not match the header")}
	}

	cs.Logger.Info("receive prepare request", "height", ctx.Block.Index, "view", ctx.ViewNumber,
		"primary", p.ValidatorIndex, "txs", len(hashes))
	cs.extendTimerByFactor(2)

	ctx.Block = header
	ctx.TransactionHashes = hashes
	ctx.Transactions = make(map[types.TxKey]types.Tx, len(hashes))
	ctx.Verification = NewVerificationContext()
	ctx.PreparationPayloads[p.ValidatorIndex] = p
	cs.markKnown(string(p.Hash()))

	// 丢弃指向其他区块的PrepareResponse和签名不对的commit
	for i, pp := range ctx.PreparationPayloads {
		if pp == nil || pp.Kind != types.PrepareResponseKind {
			continue
		}
		m, err := pp.GetMessage()
		if err != nil || !bytes.Equal(m.(*types.PrepareResponse).BlockHash, blockHash) {
			ctx.PreparationPayloads[i] = nil
		}
	}
	for i, cp := range ctx.CommitPayloads {
		if cp == nil || cp.ViewNumber != ctx.ViewNumber {
			continue
		}
		m, err := cp.GetMessage()
		if err != nil || !ctx.VerifyCommit(uint8(i), m.(*types.Commit)) {
			ctx.CommitPayloads[i] = nil
		}
	}

	if len(hashes) == 0 {
		cs.checkPrepareResponse()
		return nil
	}
	for _, h := range hashes {
		if tx, ok := cs.mempool.GetTx(h); ok {
			if !cs.addTransaction(tx, false) {
				return nil
			}
		}
	}
	if missing := ctx.MissingTransactions(); len(missing) > 0 {
		cs.Logger.Info("request missing transactions", "count", len(missing))
		if cs.txFetcher != nil {
			cs.txFetcher.RequestTxs(missing)
		}
	}
	return nil
}

func (cs *ConsensusService) onPrepareResponse(p *types.ConsensusPayload, msg *types.PrepareResponse) error {
	ctx := cs.ctx
	if ctx.PreparationPayloads[p.ValidatorIndex] != nil || ctx.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	if p.ValidatorIndex == ctx.Block.PrimaryIndex {
		return ErrInvalidPayload{Reason: errors.New("prepare response from the primary")}
	}
	if ctx.RequestSentOrReceived() && !bytes.Equal(msg.BlockHash, ctx.BlockHash()) {
		return ErrInvalidPayload{Reason: errors.New("prepare response for another block")}
	}

	cs.Logger.Debug("receive prepare response", "validator", p.ValidatorIndex, "view", p.ViewNumber)
	cs.extendTimerByFactor(2)
	ctx.PreparationPayloads[p.ValidatorIndex] = p
	cs.markKnown(string(p.Hash()))

	if ctx.WatchOnly() || ctx.CommitSent() {
		return nil
	}
	if ctx.RequestSentOrReceived() {
		cs.checkPreparations()
	}
	return nil
}

func (cs *ConsensusService) onCommit(p *types.ConsensusPayload, msg *types.Commit) error {
	ctx := cs.ctx
	if existing := ctx.CommitPayloads[p.ValidatorIndex]; existing != nil {
		if !bytes.Equal(existing.Hash(), p.Hash()) {
			cs.Logger.Info("rejected conflicting commit", "validator", p.ValidatorIndex,
				"existing", existing.Hash(), "new", p.Hash())
			return ErrEquivocation
		}
		return nil
	}

	cs.extendTimerByFactor(4)

	if p.ViewNumber == ctx.ViewNumber {
		// 还没有提案时先保存，收到PrepareRequest后再校验
		if ctx.TransactionHashes != nil && !ctx.VerifyCommit(p.ValidatorIndex, msg) {
			return ErrInvalidSignature
		}
		cs.Logger.Debug("receive commit", "validator", p.ValidatorIndex, "view", p.ViewNumber)
		ctx.CommitPayloads[p.ValidatorIndex] = p
		cs.markKnown(string(p.Hash()))
		cs.saveContext()
		cs.checkCommits()
		return nil
	}

	// 其他view的commit只保存，不参与当前view的出块
	ctx.CommitPayloads[p.ValidatorIndex] = p
	cs.markKnown(string(p.Hash()))
	if p.ViewNumber > ctx.ViewNumber {
		cs.requestDesyncRecovery()
	}
	return nil
}

func (cs *ConsensusService) onRecoveryRequest(p *types.ConsensusPayload) error {
	ctx := cs.ctx
	if ctx.WatchOnly() {
		return nil
	}
	if !ctx.CommitSent() {
		// 只有请求者之后的F+1个验证者回应
		n := ctx.Validators.Size()
		chosen := false
		for i := 1; i <= ctx.F()+1; i++ {
			if int32((int(p.ValidatorIndex)+i)%n) == ctx.MyIndex {
				chosen = true
				break
			}
		}
		if !chosen {
			return nil
		}
	}
	// 同一个请求只回应一次
	cs.markKnown(string(p.Hash()))
	return cs.sendRecoveryMessage()
}

// onRecoveryMessage 逐个处理其中的payload，每个都像单独收到一样验证
func (cs *ConsensusService) onRecoveryMessage(p *types.ConsensusPayload, msg *types.RecoveryMessage) error {
	ctx := cs.ctx
	cs.recovery.OnRecoveryMessage()
	cs.isRecovering = true
	defer func() { cs.isRecovering = false }()

	// 已经存入slot的payload不计入accepted，之前被丢弃的照常处理
	accepted, rejected := 0, 0
	process := func(sub *types.ConsensusPayload) {
		if _, ok := cs.knownHashes[string(sub.Hash())]; ok {
			return
		}
		if err := cs.receivePayload(sub); err != nil {
			cs.Logger.Debug("rejected recovered payload", "payload", sub, "err", err)
			cs.metrics.RejectedPayloads.Add(1)
			rejected++
			return
		}
		accepted++
	}

	if p.ViewNumber > ctx.ViewNumber {
		if ctx.CommitSent() {
			return nil
		}
		for _, cv := range msg.ChangeViewPayloads {
			process(cv)
		}
	}
	if p.ViewNumber == ctx.ViewNumber && !ctx.NotAcceptingPayloadsDueToViewChanging() && !ctx.CommitSent() {
		if !ctx.RequestSentOrReceived() && msg.PrepareRequestPayload != nil {
			process(msg.PrepareRequestPayload)
		}
		for _, pp := range msg.PreparationPayloads {
			process(pp)
		}
	}
	if p.ViewNumber <= ctx.ViewNumber {
		for _, cp := range msg.CommitPayloads {
			process(cp)
		}
	}

	cs.recovery.OnMerged(accepted)
	cs.metric.MarkRecoveryState(cs.recovery.State())
	cs.Logger.Info("merged recovery message", "from", p.ValidatorIndex, "view", p.ViewNumber,
		"accepted", accepted, "rejected", rejected)
	return nil
}

//----------------------------------------
// 阶段推进

func (cs *ConsensusService) sendPrepareRequest() {
	ctx := cs.ctx
	proposer, _ := ctx.Validators.GetByIndex(ctx.MyIndex)

	pool := make(types.Txs, 0, cs.mempool.Size())
	for _, tx := range cs.mempool.ReapMaxTxs(-1) {
		if !cs.ledger.ContainsTransaction(tx.Hash()) {
			pool = append(pool, tx)
		}
	}

	timestamp := nowMillis()
	if last := cs.ledger.LastBlockTimestamp(); timestamp <= last {
		timestamp = last + 1
	}
	proposal, err := cs.proposals.CreateProposal(proposer, pool, timestamp, ctx.Block.PrevHash)
	if err != nil {
		cs.Logger.Error("failed to create proposal", "err", err)
		return
	}
	if err := cs.proposals.Validate(proposal); err != nil {
		cs.Logger.Error("invalid proposal", "proposal", proposal, "err", err)
		return
	}

	p, err := ctx.MakePrepareRequest(proposal)
	if err != nil {
		cs.Logger.Error("failed to make prepare request", "err", err)
		return
	}
	cs.Logger.Info("send prepare request", "height", ctx.Block.Index, "view", ctx.ViewNumber, "txs", len(proposal.Transactions))
	cs.saveContext()
	cs.broadcast(p)

	// 只有一个验证者时直接进入commit
	height := ctx.Block.Index
	cs.checkPreparations()
	if ctx.Block.Index != height || ctx.CommitSent() {
		return
	}

	delay := cs.config.TimeoutForView(ctx.ViewNumber)
	if ctx.ViewNumber == 0 {
		delay -= cs.config.BlockTime
	}
	cs.changeTimer(delay)
}

// checkPrepareResponse 交易收齐后backup检查区块限制并发送PrepareResponse
func (cs *ConsensusService) checkPrepareResponse() bool {
	ctx := cs.ctx
	if !ctx.HasAllTransactions() {
		return true
	}
	if ctx.WatchOnly() {
		// 只观察的节点收齐交易后也可以组装区块
		cs.checkCommits()
		return true
	}
	// primary从recovery收回自己的PrepareRequest时不需要回应
	if ctx.IsPrimary() || ctx.ResponseSent() {
		return true
	}

	if size := ctx.ExpectedBlockSize(); size > cs.config.MaxBlockSize {
		cs.Logger.Info("rejected block: size exceeds limit", "size", size, "max", cs.config.MaxBlockSize)
		cs.requestChangeView(types.ReasonBlockRejectedByPolicy)
		return false
	}
	if fee := ctx.Verification.SystemFee(); fee > cs.config.MaxBlockSystemFee {
		cs.Logger.Info("rejected block: system fee exceeds limit", "fee", fee, "max", cs.config.MaxBlockSystemFee)
		cs.requestChangeView(types.ReasonBlockRejectedByPolicy)
		return false
	}

	cs.extendTimerByFactor(2)
	p, err := ctx.MakePrepareResponse()
	if err != nil {
		cs.Logger.Error("failed to make prepare response", "err", err)
		return false
	}
	cs.Logger.Info("send prepare response", "height", ctx.Block.Index, "view", ctx.ViewNumber)
	cs.saveContext()
	cs.broadcast(p)
	cs.checkPreparations()
	return true
}

func (cs *ConsensusService) addTransaction(tx types.Tx, verify bool) bool {
	ctx := cs.ctx
	if verify {
		if err := tx.ValidateBasic(); err != nil {
			cs.Logger.Info("invalid transaction in proposal", "tx", tx.Hash(), "err", err)
			cs.requestChangeView(types.ReasonTxInvalid)
			return false
		}
	}
	if !ctx.Verification.CheckTransaction(tx) {
		cs.Logger.Info("transaction rejected by verification context", "tx", tx.Hash())
		cs.requestChangeView(types.ReasonTxInvalid)
		return false
	}
	ctx.Transactions[tx.Key()] = tx
	ctx.Verification.AddTransaction(tx)
	return cs.checkPrepareResponse()
}

// checkPreparations 收到M个preparation后发送commit
func (cs *ConsensusService) checkPreparations() {
	ctx := cs.ctx
	if ctx.WatchOnly() || ctx.CountPreparations() < ctx.M() || !ctx.HasAllTransactions() {
		return
	}

	p, err := ctx.MakeCommit()
	if err != nil {
		cs.Logger.Error("failed to make commit", "err", err)
		return
	}
	cs.Logger.Info("send commit", "height", ctx.Block.Index, "view", ctx.ViewNumber, "hash", ctx.BlockHash())
	cs.saveContext()
	cs.broadcast(p)
	// 超时后重发commit
	cs.changeTimer(cs.config.BlockTime)
	cs.checkCommits()
}

// checkCommits 当前view收到M个commit后出块
func (cs *ConsensusService) checkCommits() {
	ctx := cs.ctx
	if ctx.BlockSent() || ctx.CountCommittedInView() < ctx.M() || !ctx.HasAllTransactions() {
		return
	}

	block, err := ctx.CreateBlock()
	if err != nil {
		cs.Logger.Error("failed to create block", "err", err)
		return
	}
	ctx.blockSent = true
	cs.metrics.Committed.Set(float64(ctx.CountCommittedInView()))
	cs.metrics.FinalizedBlocks.Add(1)
	if interval := cs.metric.MarkBlock(time.Now()); interval > 0 {
		cs.metrics.BlockIntervalSeconds.Observe(interval.Seconds())
	}
	cs.Logger.Info("finalized block", "height", block.Index, "view", ctx.ViewNumber,
		"hash", block.Hash(), "txs", len(block.Transactions), "commits", ctx.CountCommittedInView())

	if err := cs.ledger.SubmitFinalizedBlock(block); err != nil {
		cs.Logger.Error("ledger rejected finalized block", "height", block.Index, "hash", block.Hash(), "err", err)
	} else {
		cs.eventSwitch.FireEvent(EventNewBlock, block)
	}

	cs.lastBlockTime = time.Now()
	cs.initializeConsensus(0)
}

func (cs *ConsensusService) requestChangeView(reason types.ChangeViewReason) {
	ctx := cs.ctx
	if ctx.WatchOnly() {
		return
	}
	if ctx.ViewNumber == math.MaxUint8 {
		cs.Logger.Error("view number exhausted", "height", ctx.Block.Index)
		return
	}

	expected := ctx.ViewNumber + 1
	cs.changeTimer(cs.config.TimeoutForView(expected))

	// 超过F个节点已经commit或失联时换视图可能分裂网络，改为请求recovery
	if ctx.MoreThanFNodesCommittedOrLost() {
		cs.Logger.Info("more than F nodes committed or lost, request recovery",
			"committed", ctx.CountCommitted(), "failed", ctx.CountFailed())
		cs.initiateRecovery(RecoveryReasonViewTimeout)
		return
	}

	p, err := ctx.MakeChangeView(expected, reason)
	if err != nil {
		cs.Logger.Error("failed to make change view", "err", err)
		return
	}
	if expected > cs.config.LivenessWarnView {
		cs.Logger.Error("request change view", "height", ctx.Block.Index, "view", ctx.ViewNumber,
			"new_view", expected, "reason", reason)
	} else {
		cs.Logger.Info("request change view", "height", ctx.Block.Index, "view", ctx.ViewNumber,
			"new_view", expected, "reason", reason)
	}
	cs.metric.MarkRoundStatus(ctx.Step().String())
	cs.saveContext()
	cs.broadcast(p)
	cs.checkExpectedView(expected)
}

// checkExpectedView M个验证者请求了view及以上时切换
func (cs *ConsensusService) checkExpectedView(view uint8) {
	ctx := cs.ctx
	if ctx.ViewNumber >= view || ctx.CountChangeViews(view) < ctx.M() {
		return
	}

	if !ctx.WatchOnly() {
		own := ctx.ChangeViewPayloads[ctx.MyIndex]
		if own == nil || changeViewTarget(own) < view {
			p, err := ctx.MakeChangeView(view, types.ReasonChangeAgreement)
			if err != nil {
				cs.Logger.Error("failed to make change view", "err", err)
			} else {
				cs.broadcast(p)
			}
		}
	}
	cs.initializeConsensus(view)
}

func (cs *ConsensusService) requestDesyncRecovery() {
	if cs.ctx.WatchOnly() || cs.isRecovering || cs.recovery.Active() {
		return
	}
	cs.initiateRecovery(RecoveryReasonDesync)
}

func (cs *ConsensusService) initiateRecovery(reason RecoveryReason) {
	ctx := cs.ctx
	if ctx.WatchOnly() {
		return
	}
	p, err := ctx.MakeRecoveryRequest()
	if err != nil {
		cs.Logger.Error("failed to make recovery request", "err", err)
		return
	}
	d := cs.recovery.Initiate(reason)
	cs.metrics.Recoveries.Add(1)
	cs.metric.MarkRecoveryState(cs.recovery.State())
	cs.Logger.Info("send recovery request", "height", ctx.Block.Index, "view", ctx.ViewNumber, "reason", reason)
	cs.broadcast(p)
	cs.scheduleRecovery(d)
}

func (cs *ConsensusService) sendRecoveryMessage() error {
	p, err := cs.ctx.MakeRecoveryMessage()
	if err != nil {
		return err
	}
	cs.Logger.Debug("send recovery message", "height", cs.ctx.Block.Index, "view", cs.ctx.ViewNumber)
	cs.broadcast(p)
	return nil
}

//----------------------------------------
// 定时器

func (cs *ConsensusService) changeTimer(d time.Duration) {
	cs.clockStarted = time.Now()
	cs.expectedDelay = d
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: d,
		Height:   cs.ctx.Block.Index,
		View:     cs.ctx.ViewNumber,
		Kind:     timeoutView,
	})
}

// extendTimerByFactor 在剩余时间上增加 factor*BlockTime/M
func (cs *ConsensusService) extendTimerByFactor(factor int) {
	ctx := cs.ctx
	if ctx.WatchOnly() || ctx.ViewChanging() || ctx.CommitSent() || !(ctx.IsBackup() || ctx.ViewNumber > 0) {
		return
	}
	remaining := cs.expectedDelay - time.Since(cs.clockStarted)
	cs.changeTimer(remaining + time.Duration(factor)*cs.config.BlockTime/time.Duration(ctx.M()))
}

func (cs *ConsensusService) scheduleRecovery(d time.Duration) {
	cs.recoveryTicker.ScheduleTimeout(timeoutInfo{
		Duration: d,
		Height:   cs.ctx.Block.Index,
		View:     cs.ctx.ViewNumber,
		Kind:     timeoutRecovery,
	})
}

//----------------------------------------

func (cs *ConsensusService) broadcast(p *types.ConsensusPayload) {
	cs.markKnown(string(p.Hash()))
	cs.eventSwitch.FireEvent(EventBroadcastPayload, p)
}

func (cs *ConsensusService) markKnown(hash string) {
	if len(cs.knownHashes) >= cs.config.MaxMessageCache {
		cs.knownHashes = make(map[string]struct{})
	}
	cs.knownHashes[hash] = struct{}{}
}

func (cs *ConsensusService) saveContext() {
	if err := cs.ctx.Save(); err != nil {
		cs.Logger.Error("failed to save consensus state", "err", err)
	}
}

func (cs *ConsensusService) markRound() {
	ctx := cs.ctx
	cs.metrics.Height.Set(float64(ctx.Block.Index))
	cs.metrics.View.Set(float64(ctx.ViewNumber))
	cs.metrics.Validators.Set(float64(ctx.Validators.Size()))
	cs.metrics.Committed.Set(float64(ctx.CountCommitted()))
	cs.metrics.Failed.Set(float64(ctx.CountFailed()))
	cs.metric.MarkRound(ctx.Block.Index, ctx.ViewNumber, ctx.Block.PrimaryIndex, ctx.IsPrimary())
	cs.metric.MarkRoundStatus(ctx.Step().String())
}

func containsHash(hashes []tmbytes.HexBytes, hash []byte) bool {
	for _, h := range hashes {
		if bytes.Equal(h, hash) {
			return true
		}
	}
	return false
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Payload *types.ConsensusPayload
	PeerID  p2p.ID
}
