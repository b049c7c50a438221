package consensus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	cstypes "dbft_demo/consensus/types"
	mempl "dbft_demo/mempool"
	"dbft_demo/types"
)

// N=4，一个backup离线，primary提出空区块，两个backup回应后出块
func TestConsensusEmptyBlockFinalizes(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.nodes[3].offline = true
	net.startAll()

	primary := net.primary()
	require.Equal(t, 1, primary)
	net.nodes[primary].fireViewTimeout()
	net.run()

	var hash []byte
	for i := 0; i < 3; i++ {
		node := net.nodes[i]
		require.EqualValues(t, 1, node.height(), "node %d", i)
		block, err := node.ledger.LoadBlock(1)
		require.NoError(t, err)
		assert.Empty(t, block.Transactions)
		assert.Len(t, block.Witness.Signatures, 3)
		assert.EqualValues(t, primary, block.PrimaryIndex)
		if hash == nil {
			hash = block.Hash()
		}
		assert.Equal(t, hash, []byte(block.Hash()), "node %d", i)

		// 已经进入下一个高度
		rs := node.cs.GetRoundState()
		assert.EqualValues(t, 2, rs.Height)
		assert.EqualValues(t, 0, rs.View)
	}
	assert.EqualValues(t, 0, net.nodes[3].height())

	assert.Equal(t, []types.MessageKind{types.PrepareRequestKind, types.CommitKind}, net.nodes[primary].sentKinds())
	assert.Equal(t, []types.MessageKind{types.PrepareResponseKind, types.CommitKind}, net.nodes[0].sentKinds())
}

func TestConsensusBlockWithTransactions(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	txs := types.Txs{makeTx(1), makeTx(2), makeTx(3)}
	for _, node := range net.nodes {
		node.addTxs(t, txs...)
	}
	net.startAll()

	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	for i, node := range net.nodes {
		require.EqualValues(t, 1, node.height(), "node %d", i)
		block, err := node.ledger.LoadBlock(1)
		require.NoError(t, err)
		assert.Len(t, block.Transactions, 3)
		assert.Len(t, block.Witness.Signatures, 3)
		assert.Zero(t, node.mempool.Size(), "finalized txs must leave the mempool")
		assert.True(t, node.ledger.ContainsTransaction(txs[0].Hash()))
	}
}

// 缺少交易的backup先请求交易，收到以后再回应
func TestConsensusFetchesMissingTransactions(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	txs := types.Txs{makeTx(1), makeTx(2), makeTx(3)}
	for i, node := range net.nodes {
		if i == 0 {
			node.addTxs(t, txs[:2]...)
			continue
		}
		node.addTxs(t, txs...)
	}
	net.startAll()

	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	lagging := net.nodes[0]
	require.Len(t, lagging.fetcher.requested, 1)
	assert.Equal(t, txs[2].Hash(), lagging.fetcher.requested[0])
	assert.EqualValues(t, 0, lagging.height())
	assert.NotContains(t, lagging.sentKinds(), types.PrepareResponseKind)
	for i := 1; i < 4; i++ {
		assert.EqualValues(t, 1, net.nodes[i].height(), "node %d", i)
	}

	// 其他节点已经出块，lagging收到交易后用已经收到的commit出块
	lagging.cs.handleTx(txs[2])
	net.run()
	assert.EqualValues(t, 1, lagging.height())
	assert.Contains(t, lagging.sentKinds(), types.PrepareResponseKind)
}

// N=7，primary离线，backup超时后换到view 1
func TestConsensusViewChangeOnPrimaryFailure(t *testing.T) {
	net := newTestNetwork(t, 7, 0)
	net.startAll()

	oldPrimary := net.primary()
	net.nodes[oldPrimary].offline = true

	for i, node := range net.nodes {
		if i == oldPrimary {
			continue
		}
		require.Equal(t, timeoutView, node.viewTicker.Last().Kind)
		node.fireViewTimeout()
		assert.Equal(t, cstypes.RoundStepViewChanging.String(), node.cs.GetRoundState().Step)
	}
	net.run()

	for i, node := range net.nodes {
		if i == oldPrimary {
			continue
		}
		rs := node.cs.GetRoundState()
		assert.EqualValues(t, 1, rs.View, "node %d", i)
		assert.NotEqual(t, uint8(oldPrimary), rs.PrimaryIndex, "node %d", i)
		assert.Equal(t, cstypes.RoundStepInitial.String(), rs.Step)

		// 新view的定时器
		last := node.viewTicker.Last()
		assert.EqualValues(t, 1, last.View)

		// 每个节点只请求过一次换视图
		cvs := 0
		for _, p := range node.outbox {
			if p.Kind == types.ChangeViewKind {
				cvs++
			}
		}
		assert.Equal(t, 1, cvs, "node %d", i)
	}

	// 新的primary出块
	newPrimary := net.primary()
	net.nodes[newPrimary].fireViewTimeout()
	net.run()
	for i, node := range net.nodes {
		if i == oldPrimary {
			continue
		}
		require.EqualValues(t, 1, node.height(), "node %d", i)
		block, err := node.ledger.LoadBlock(1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, block.Witness.ViewNumber)
		assert.EqualValues(t, newPrimary, block.PrimaryIndex)
	}
}

// Commit阶段崩溃的节点重启后恢复已保存的两个commit，再收到一个即可出块
func TestConsensusRestartInCommitting(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return to == 0 && p.Kind == types.CommitKind && (from == 2 || from == 3)
	}
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	victim := net.nodes[0]
	require.EqualValues(t, 0, victim.height())
	rs := victim.cs.GetRoundState()
	require.Equal(t, 2, rs.Commits)
	require.Equal(t, cstypes.RoundStepCommitting.String(), rs.Step)

	net.drop = nil
	node := net.restart(0)
	rs = node.cs.GetRoundState()
	assert.Equal(t, 2, rs.Commits)
	assert.EqualValues(t, 0, rs.View)
	assert.Equal(t, cstypes.RoundStepCommitting.String(), rs.Step)
	assert.NotNil(t, node.cs.ctx.CommitPayloads[0])
	assert.NotNil(t, node.cs.ctx.CommitPayloads[1])
	assert.Nil(t, node.cs.ctx.CommitPayloads[2])
	// 重启后重新广播自己的commit，不重新走Preparing
	assert.Equal(t, []types.MessageKind{types.CommitKind}, node.sentKinds())

	net.releaseHeld(func(env envelope) bool { return env.from == 2 })
	assert.EqualValues(t, 1, node.height())
	expected, err := net.nodes[1].ledger.LoadBlock(1)
	require.NoError(t, err)
	got, err := node.ledger.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, expected.Hash(), got.Hash())
}

// RecoveryMessage中签名无效的commit被拒绝，其余payload正常合并
func TestConsensusRecoveryRejectsInvalidCommit(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.nodes[0].offline = true
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return p.Kind == types.CommitKind && !(from == 3 && to == 2)
	}
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	responder := net.nodes[2]
	require.Equal(t, 2, responder.cs.GetRoundState().Commits)

	responder.cs.mtx.Lock()
	rp, err := responder.cs.ctx.MakeRecoveryMessage()
	responder.cs.mtx.Unlock()
	require.NoError(t, err)
	m, err := rp.GetMessage()
	require.NoError(t, err)
	msg := m.(*types.RecoveryMessage)
	require.Len(t, msg.CommitPayloads, 2)

	for i, cp := range msg.CommitPayloads {
		if cp.ValidatorIndex != 3 {
			continue
		}
		forged := *cp
		forged.Signature = append([]byte{}, cp.Signature...)
		forged.Signature[0] ^= 0xFF
		msg.CommitPayloads[i] = &forged
	}
	tampered := net.signedPayload(2, rp.BlockIndex, rp.ViewNumber, msg)

	victim := net.nodes[0]
	victim.offline = false
	net.drop = nil
	require.NoError(t, victim.cs.OnMessageReceived(tampered))

	ctx := victim.cs.ctx
	assert.True(t, ctx.RequestSentOrReceived())
	assert.True(t, ctx.CommitSent())
	assert.NotNil(t, ctx.CommitPayloads[2])
	assert.Nil(t, ctx.CommitPayloads[3])
	assert.Equal(t, 2, ctx.CountCommitted())
	assert.EqualValues(t, 0, victim.height())

	// 真正的commit仍然可以被接受
	var genuine *types.ConsensusPayload
	for _, p := range net.nodes[3].outbox {
		if p.Kind == types.CommitKind {
			genuine = p
		}
	}
	require.NotNil(t, genuine)
	require.NoError(t, victim.cs.OnMessageReceived(genuine))
	assert.EqualValues(t, 1, victim.height())
}

// 只观察的节点记录所有payload但从不发送
func TestConsensusWatchOnlyNeverSends(t *testing.T) {
	net := newTestNetwork(t, 4, 1)
	watcher := net.nodes[4]
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return to == 4 && p.Kind == types.CommitKind
	}
	net.startAll()

	rs := watcher.cs.GetRoundState()
	require.EqualValues(t, -1, rs.MyIndex)
	require.Equal(t, cstypes.RoleWatchOnly.String(), rs.Role)
	assert.Zero(t, watcher.viewTicker.Scheduled())

	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	rs = watcher.cs.GetRoundState()
	assert.Equal(t, 4, rs.Preparations)
	assert.Equal(t, cstypes.RoundStepPreparing.String(), rs.Step)
	assert.Empty(t, watcher.outbox)

	net.releaseHeld(func(env envelope) bool { return env.to == 4 })
	assert.EqualValues(t, 1, watcher.height())
	assert.Empty(t, watcher.outbox)

	// 超时也不会让只观察的节点发出ChangeView
	watcher.cs.mtx.Lock()
	watcher.cs.onViewTimeout()
	watcher.cs.mtx.Unlock()
	assert.Empty(t, watcher.outbox)
}

// 任意N下出块时当前view的commit不少于M
func TestConsensusQuorum(t *testing.T) {
	for _, n := range []int{1, 4, 7, 10} {
		net := newTestNetwork(t, n, 0)
		net.startAll()
		m := net.nodes[0].cs.ctx.M()
		require.Equal(t, n-(n-1)/3, m)

		net.nodes[net.primary()].fireViewTimeout()
		net.run()

		for i, node := range net.nodes {
			require.EqualValues(t, 1, node.height(), "n=%d node %d", n, i)
			block, err := node.ledger.LoadBlock(1)
			require.NoError(t, err)
			assert.Len(t, block.Witness.Signatures, m, "n=%d node %d", n, i)
			for j := 1; j < len(block.Witness.Signatures); j++ {
				assert.Less(t, block.Witness.Signatures[j-1].ValidatorIndex, block.Witness.Signatures[j].ValidatorIndex)
			}
		}
	}
}

// 少于M个commit时不会出块
func TestConsensusNoFinalizationBelowQuorum(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.nodes[2].offline = true
	net.nodes[3].offline = true
	net.startAll()

	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	for i := 0; i < 2; i++ {
		assert.EqualValues(t, 0, net.nodes[i].height())
		assert.Equal(t, 0, net.nodes[i].cs.GetRoundState().Commits)
	}
}

// 同一个验证者对不同区块的第二个commit被拒绝
func TestConsensusRejectsEquivocatingCommit(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]

	first := net.signedPayload(2, 1, 0, &types.Commit{BlockHash: tmrand.Bytes(tmhash.Size), Signature: []byte{0x01}})
	second := net.signedPayload(2, 1, 0, &types.Commit{BlockHash: tmrand.Bytes(tmhash.Size), Signature: []byte{0x02}})

	require.NoError(t, node.cs.OnMessageReceived(first))
	err := node.cs.OnMessageReceived(second)
	assert.ErrorIs(t, err, ErrEquivocation)
	assert.Same(t, first, node.cs.ctx.CommitPayloads[2])

	// 提案到达后，签名不对应该区块的commit被丢弃
	net.nodes[net.primary()].fireViewTimeout()
	net.queue = net.queue[:0]
	pr := net.nodes[net.primary()].outbox[0]
	require.NoError(t, node.cs.OnMessageReceived(pr))
	assert.Nil(t, node.cs.ctx.CommitPayloads[2])
}

func TestConsensusRejectsBadPayloads(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]
	primary := net.primary()

	header := node.cs.ctx.Block
	header.Timestamp = nowMillis()
	request := &types.PrepareRequest{
		Version:           header.Version,
		PrevHash:          header.PrevHash,
		Timestamp:         header.Timestamp,
		BlockHash:         header.Hash(),
		TransactionHashes: nil,
	}

	// 不是primary
	err := node.cs.OnMessageReceived(net.signedPayload(2, 1, 0, request))
	assert.ErrorIs(t, err, ErrNotPrimary)

	// 错误的高度
	err = node.cs.OnMessageReceived(net.signedPayload(primary, 5, 0, request))
	var wrongHeight ErrWrongHeight
	require.ErrorAs(t, err, &wrongHeight)
	assert.EqualValues(t, 1, wrongHeight.Expected)
	assert.EqualValues(t, 5, wrongHeight.Got)

	// 签名不是发送者的
	forged := net.signedPayload(primary, 1, 0, request)
	forged.ValidatorIndex = 3
	assert.ErrorIs(t, node.cs.OnMessageReceived(forged), ErrInvalidSignature)

	// 未知的验证者
	unknown, err := types.NewConsensusPayload(1, 9, 0, request)
	require.NoError(t, err)
	require.NoError(t, unknown.Sign(testChainID, net.privs[1]))
	assert.ErrorIs(t, node.cs.OnMessageReceived(unknown), ErrUnknownValidator)

	// 区块hash与区块头不一致
	bad := *request
	bad.BlockHash = tmrand.Bytes(tmhash.Size)
	err = node.cs.OnMessageReceived(net.signedPayload(primary, 1, 0, &bad))
	var invalid ErrInvalidPayload
	assert.ErrorAs(t, err, &invalid)

	// 没有签名
	empty, err := types.NewConsensusPayload(1, uint8(primary), 0, request)
	require.NoError(t, err)
	assert.ErrorAs(t, node.cs.OnMessageReceived(empty), &invalid)

	assert.False(t, node.cs.ctx.RequestSentOrReceived())
	assert.Empty(t, node.outbox)

	// 合法的PrepareRequest
	require.NoError(t, node.cs.OnMessageReceived(net.signedPayload(primary, 1, 0, request)))
	assert.True(t, node.cs.ctx.RequestSentOrReceived())
	assert.Equal(t, []types.MessageKind{types.PrepareResponseKind}, node.sentKinds())
}

// 重复收到同一个payload不改变状态也不产生新的广播
func TestConsensusDuplicatePayloadIsNoop(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	primary := net.nodes[net.primary()]
	primary.fireViewTimeout()
	pr := primary.outbox[0]

	node := net.nodes[0]
	require.NoError(t, node.cs.OnMessageReceived(pr))
	slot := node.cs.ctx.PreparationPayloads[primary.index]
	sent := len(node.outbox)
	scheduled := node.viewTicker.Scheduled()

	require.NoError(t, node.cs.OnMessageReceived(pr))
	assert.Same(t, slot, node.cs.ctx.PreparationPayloads[primary.index])
	assert.Len(t, node.outbox, sent)
	assert.Equal(t, scheduled, node.viewTicker.Scheduled())
}

// view只会在同一个高度内增加
func TestConsensusViewMonotonicity(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()

	stalePrimary := net.primary()
	staleRequest := func() *types.ConsensusPayload {
		p := net.nodes[stalePrimary]
		p.fireViewTimeout()
		return p.outbox[len(p.outbox)-1]
	}()
	net.queue = net.queue[:0]

	for i, node := range net.nodes {
		if i != stalePrimary {
			node.fireViewTimeout()
		}
	}
	net.run()

	node := net.nodes[0]
	require.EqualValues(t, 1, node.cs.GetRoundState().View)

	// 旧view的PrepareRequest
	assert.ErrorIs(t, node.cs.OnMessageReceived(staleRequest), ErrWrongView)
	assert.EqualValues(t, 1, node.cs.GetRoundState().View)

	// 目标不高于当前view的ChangeView只当作recovery请求
	stale := net.signedPayload(2, 1, 0, &types.ChangeView{NewViewNumber: 1, Timestamp: nowMillis()})
	require.NoError(t, node.cs.OnMessageReceived(stale))
	assert.EqualValues(t, 1, node.cs.GetRoundState().View)

	// 每次换视图，view都比之前大
	last := uint8(1)
	for round := 0; round < 2; round++ {
		for _, n := range net.nodes {
			n.fireViewTimeout()
		}
		net.run()
		for i, n := range net.nodes {
			v := n.cs.GetRoundState().View
			assert.Greater(t, v, last, "node %d", i)
		}
		last = node.cs.GetRoundState().View
	}
}

// 超过F个节点已经commit时，超时不再换视图而是请求recovery
func TestConsensusTimeoutAfterCommitsRequestsRecovery(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return p.Kind == types.CommitKind && to == 0
	}
	net.nodes[3].offline = true
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	// node 0收到了PrepareRequest但没有收到commit，自己也已经commit
	node := net.nodes[0]
	require.True(t, node.cs.ctx.CommitSent())

	// 已经commit的节点超时后重发commit
	sent := len(node.outbox)
	node.fireViewTimeout()
	require.Len(t, node.outbox, sent+1)
	assert.Equal(t, types.RecoveryMessageKind, node.outbox[sent].Kind)
	assert.EqualValues(t, 0, node.cs.GetRoundState().View)

	// 另一个没有commit的节点：其他两个验证者已经commit，换视图改为recovery
	late := net.nodes[3]
	late.offline = false
	net.drop = nil
	for _, env := range net.held {
		_ = late.cs.OnMessageReceived(env.payload)
	}
	net.held = nil
	late.outbox = nil
	net.queue = net.queue[:0]
	late.fireViewTimeout()
	assert.Equal(t, []types.MessageKind{types.RecoveryRequestKind}, late.sentKinds())
	assert.Equal(t, RecoveryRequesting, late.cs.recovery.State())
	assert.Equal(t, timeoutRecovery, late.recoveryTicker.Last().Kind)
}

// 没有保存状态的节点重启后请求recovery并追上其他节点
func TestConsensusRestartRecovers(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.nodes[0].offline = true
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return p.Kind == types.CommitKind
	}
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()
	for i := 1; i < 4; i++ {
		require.True(t, net.nodes[i].cs.ctx.CommitSent(), "node %d", i)
		require.EqualValues(t, 0, net.nodes[i].height())
	}

	net.nodes[0].offline = false
	node := net.restart(0)
	assert.Equal(t, []types.MessageKind{types.RecoveryRequestKind}, node.sentKinds())
	assert.Equal(t, RecoveryRequesting, node.cs.recovery.State())
	assert.Equal(t, RecoveryReasonRestart, node.cs.recovery.Reason())

	net.run()
	assert.EqualValues(t, 1, node.height())
	assert.Equal(t, RecoveryNone, node.cs.recovery.State())
}

// 没有回应的recovery请求按退避重试，最终报告liveness故障
func TestConsensusRecoveryRetriesUntilFailed(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	node := net.nodes[0]
	node.config.RecoveryInitialInterval = 1
	node.config.RecoveryMaxInterval = 2
	node.config.RecoveryMaxElapsed = 1
	for i := 1; i < 4; i++ {
		net.nodes[i].offline = true
	}
	net.startAll()

	node.cs.mtx.Lock()
	node.cs.initiateRecovery(RecoveryReasonDesync)
	node.cs.mtx.Unlock()
	require.Equal(t, RecoveryRequesting, node.cs.recovery.State())

	for i := 0; i < 100 && node.cs.recovery.State() == RecoveryRequesting; i++ {
		node.fireRecoveryTimeout()
	}
	assert.Equal(t, RecoveryFailed, node.cs.recovery.State())

	// 失败不会停止共识
	node.fireViewTimeout()
	assert.Equal(t, types.ChangeViewKind, node.outbox[len(node.outbox)-1].Kind)
}

// 账本已经通过其他途径前进时，拒绝共识的区块，共识继续下一个高度
func TestConsensusLedgerRejectionMovesOn(t *testing.T) {
	net := newTestNetwork(t, 1, 0)
	twin := net.addNode(net.privs[0])
	net.startAll()
	node := net.nodes[0]

	twin.fireViewTimeout()
	require.EqualValues(t, 1, twin.height())
	synced, err := twin.ledger.LoadBlock(1)
	require.NoError(t, err)
	require.NoError(t, node.ledger.SubmitFinalizedBlock(synced))

	node.fireViewTimeout()
	rs := node.cs.GetRoundState()
	assert.EqualValues(t, 2, rs.Height)
	block, err := node.ledger.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, synced.Hash(), block.Hash())

	node.fireViewTimeout()
	assert.EqualValues(t, 2, node.height())
}

// 换视图期间丢弃的PrepareRequest和PrepareResponse，之后通过RecoveryMessage仍然可以合并
func TestConsensusRecoveryMergesPayloadsDroppedWhileViewChanging(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	primary := net.primary()
	require.Equal(t, 1, primary)
	lagging, responder := net.nodes[0], net.nodes[3]

	// lagging先超时，它的ChangeView没有送达
	lagging.fireViewTimeout()
	require.Equal(t, []types.MessageKind{types.ChangeViewKind}, lagging.sentKinds())
	net.queue = net.queue[:0]
	require.True(t, lagging.cs.ctx.NotAcceptingPayloadsDueToViewChanging())

	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return p.Kind == types.CommitKind && (to == lagging.index || to == responder.index)
	}
	net.nodes[primary].fireViewTimeout()
	net.run()

	require.False(t, lagging.cs.ctx.RequestSentOrReceived())
	require.Zero(t, lagging.cs.ctx.CountPreparations())
	require.EqualValues(t, 1, net.nodes[1].height())
	require.EqualValues(t, 1, net.nodes[2].height())
	require.EqualValues(t, 0, responder.height())
	require.True(t, responder.cs.ctx.CommitSent())

	// 收到3个commit后lagging重新接收payload，但仍然没有提案
	net.releaseHeld(func(env envelope) bool { return env.to == lagging.index })
	require.Equal(t, 3, lagging.cs.ctx.CountCommitted())
	require.False(t, lagging.cs.ctx.NotAcceptingPayloadsDueToViewChanging())
	require.EqualValues(t, 0, lagging.height())

	responder.cs.mtx.Lock()
	rp, err := responder.cs.ctx.MakeRecoveryMessage()
	responder.cs.mtx.Unlock()
	require.NoError(t, err)
	require.NoError(t, lagging.cs.OnMessageReceived(rp))

	assert.EqualValues(t, 1, lagging.height())
	assert.Contains(t, lagging.sentKinds(), types.PrepareResponseKind)
	assert.Contains(t, lagging.sentKinds(), types.CommitKind)
	expected, err := net.nodes[1].ledger.LoadBlock(1)
	require.NoError(t, err)
	got, err := lagging.ledger.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, expected.Hash(), got.Hash())
}

// RecoveryRequest只在相同view内回应，同一个请求只回应一次
func TestConsensusRecoveryRequestAnsweredOncePerView(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]

	// 0是3之后的第一个验证者
	request := net.signedPayload(3, 1, 0, &types.RecoveryRequest{Timestamp: nowMillis()})
	require.NoError(t, node.cs.OnMessageReceived(request))
	require.Equal(t, []types.MessageKind{types.RecoveryMessageKind}, node.sentKinds())

	require.NoError(t, node.cs.OnMessageReceived(request))
	assert.Len(t, node.outbox, 1)

	// 进入view 1
	for i := 1; i < 4; i++ {
		cv := net.signedPayload(i, 1, 0, &types.ChangeView{NewViewNumber: 1, Timestamp: nowMillis()})
		require.NoError(t, node.cs.OnMessageReceived(cv))
	}
	require.EqualValues(t, 1, node.cs.GetRoundState().View)
	sent := len(node.outbox)

	stale := net.signedPayload(3, 1, 0, &types.RecoveryRequest{Timestamp: nowMillis() + 1})
	require.NoError(t, node.cs.OnMessageReceived(stale))
	assert.Len(t, node.outbox, sent)

	current := net.signedPayload(3, 1, 1, &types.RecoveryRequest{Timestamp: nowMillis() + 2})
	require.NoError(t, node.cs.OnMessageReceived(current))
	require.Len(t, node.outbox, sent+1)
	assert.Equal(t, types.RecoveryMessageKind, node.outbox[sent].Kind)
}

// 重启时恢复的交易已经在mempool中，记录后继续恢复
func TestConsensusRestartWithTransactionsInMempool(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	txs := types.Txs{makeTx(1), makeTx(2)}
	for _, node := range net.nodes {
		node.addTxs(t, txs...)
	}
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return to == 0 && p.Kind == types.CommitKind
	}
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	victim := net.nodes[0]
	require.EqualValues(t, 0, victim.height())
	require.Len(t, victim.cs.ctx.Transactions, 2)
	require.Equal(t, 2, victim.mempool.Size())

	var buf bytes.Buffer
	net.logger = log.NewTMLogger(log.NewSyncWriter(&buf))
	net.drop = nil
	node := net.restart(0)

	assert.Len(t, node.cs.ctx.Transactions, 2)
	assert.Equal(t, 2, node.mempool.Size())
	assert.Contains(t, buf.String(), "restored transaction not added to mempool")
	assert.Contains(t, buf.String(), mempl.ErrTxInMap.Error())

	net.releaseHeld(func(env envelope) bool { return true })
	assert.EqualValues(t, 1, node.height())
	assert.Zero(t, node.mempool.Size())
}
