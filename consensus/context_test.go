package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/store"
	"dbft_demo/types"
)

// reencode 解码到一个新的context再编码，结果应与原编码一致
func reencode(t *testing.T, node *testNode, bz []byte) (*ConsensusContext, []byte) {
	restored := NewConsensusContext(node.ledger, node.privVal, nil)
	ok, err := restored.Unmarshal(bz)
	require.NoError(t, err)
	require.True(t, ok)
	again, err := restored.Marshal()
	require.NoError(t, err)
	return restored, again
}

func TestContextCodecRoundTrip(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	txs := types.Txs{makeTx(1), makeTx(2)}
	for _, node := range net.nodes {
		node.addTxs(t, txs...)
	}
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return to == 0 && p.Kind == types.CommitKind && from != 1
	}
	net.startAll()
	node := net.nodes[0]

	// 初始状态，没有提案
	bz, err := node.cs.ctx.Marshal()
	require.NoError(t, err)
	restored, again := reencode(t, node, bz)
	assert.Equal(t, bz, again)
	assert.Nil(t, restored.TransactionHashes)
	assert.Equal(t, cstypes.RoundStepInitial, restored.Step())

	// 只收到PrepareRequest
	primary := net.nodes[net.primary()]
	primary.fireViewTimeout()
	pr := primary.outbox[0]
	net.queue = nil
	require.NoError(t, node.cs.OnMessageReceived(pr))
	bz, err = node.cs.ctx.Marshal()
	require.NoError(t, err)
	restored, again = reencode(t, node, bz)
	assert.Equal(t, bz, again)
	assert.Equal(t, cstypes.RoundStepPreparing, restored.Step())
	assert.Len(t, restored.TransactionHashes, 2)
	assert.True(t, restored.HasAllTransactions())
	assert.Equal(t, node.cs.ctx.BlockHash(), restored.BlockHash())

	// 部分commit
	net.queue = append(net.queue, envelope{from: primary.index, to: -1, payload: pr})
	net.run()
	require.True(t, node.cs.ctx.CommitSent())
	require.Equal(t, 2, node.cs.ctx.CountCommitted())
	bz, err = node.cs.ctx.Marshal()
	require.NoError(t, err)
	restored, again = reencode(t, node, bz)
	assert.Equal(t, bz, again)
	assert.Equal(t, cstypes.RoundStepCommitting, restored.Step())
	assert.Equal(t, 2, restored.CountCommitted())
	assert.Equal(t, restored.Verification.SystemFee(), node.cs.ctx.Verification.SystemFee())
}

func TestContextCodecRoundTripMidViewChange(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]
	node.fireViewTimeout()
	require.True(t, node.cs.ctx.ViewChanging())

	bz, err := node.cs.ctx.Marshal()
	require.NoError(t, err)
	restored, again := reencode(t, node, bz)
	assert.Equal(t, bz, again)
	assert.True(t, restored.ViewChanging())
	assert.Equal(t, cstypes.RoundStepViewChanging, restored.Step())
	assert.Equal(t, 1, restored.CountChangeViews(1))
}

func TestContextSaveLoad(t *testing.T) {
	net := newTestNetwork(t, 1, 0)
	net.startAll()
	node := net.nodes[0]

	// 还没有保存过
	empty := NewConsensusContext(node.ledger, node.privVal, store.NewMemBlobStore())
	ok, err := empty.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	// 签发PrepareRequest后保存，单个验证者直接出块
	node.fireViewTimeout()
	require.EqualValues(t, 1, node.height())

	// 保存的记录属于已经出块的高度，加载时被忽略
	stale := NewConsensusContext(node.ledger, node.privVal, node.blobStore)
	ok, err = stale.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 2, stale.Block.Index)
	assert.Nil(t, stale.TransactionHashes)
}

func TestContextSaveLoadCurrentHeight(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]
	node.fireViewTimeout()

	loaded := NewConsensusContext(node.ledger, node.privVal, node.blobStore)
	ok, err := loaded.Load()
	require.NoError(t, err)
	require.True(t, ok)

	want, err := node.cs.ctx.Marshal()
	require.NoError(t, err)
	got, err := loaded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.EqualValues(t, 0, loaded.MyIndex)
}

func TestContextUnmarshalRejectsBadRecords(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	node := net.nodes[0]

	ctx := NewConsensusContext(node.ledger, node.privVal, nil)
	_, err := ctx.Unmarshal([]byte("not json"))
	assert.Error(t, err)

	// 数组长度与验证者数量不一致
	bz, err := node.cs.ctx.Marshal()
	require.NoError(t, err)
	short := NewConsensusContext(node.ledger, node.privVal, nil)
	_, err = short.Unmarshal(bz)
	require.NoError(t, err)
	short.CommitPayloads = short.CommitPayloads[:2]
	bad, err := short.Marshal()
	require.NoError(t, err)
	_, err = ctx.Unmarshal(bad)
	assert.Error(t, err)
}

func TestContextCounters(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.startAll()
	ctx := net.nodes[0].cs.ctx

	assert.Equal(t, 1, ctx.F())
	assert.Equal(t, 3, ctx.M())
	// 第一个高度所有验证者都被看作在线
	assert.Zero(t, ctx.CountFailed())
	assert.False(t, ctx.MoreThanFNodesCommittedOrLost())

	// 两个验证者在更早的高度之后就没有消息
	ctx.Block.Index = 5
	for i, val := range ctx.Validators.Validators {
		if i == 0 {
			continue
		}
		if i <= 2 {
			ctx.LastSeenMessage[val.Address.String()] = 1
		} else {
			ctx.LastSeenMessage[val.Address.String()] = 4
		}
	}
	ctx.LastSeenMessage[ctx.myAddress()] = 5
	assert.Equal(t, 2, ctx.CountFailed())
	assert.True(t, ctx.MoreThanFNodesCommittedOrLost())
}

func TestContextResetKeepsCommits(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.drop = func(from, to int, p *types.ConsensusPayload) bool {
		return p.Kind == types.CommitKind
	}
	net.startAll()
	net.nodes[net.primary()].fireViewTimeout()
	net.run()

	ctx := net.nodes[0].cs.ctx
	require.True(t, ctx.CommitSent())
	require.NoError(t, ctx.Reset(1))

	assert.EqualValues(t, 1, ctx.ViewNumber)
	assert.True(t, ctx.CommitSent(), "commits survive a view change")
	assert.Zero(t, ctx.CountCommittedInView())
	assert.Zero(t, ctx.CountPreparations())
	assert.Nil(t, ctx.TransactionHashes)
	assert.EqualValues(t, 0, ctx.Block.PrimaryIndex)
}
