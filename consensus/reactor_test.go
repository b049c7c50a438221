package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

// connect N consensus reactors through N switches
func makeAndConnectReactors(t *testing.T, net *testNetwork) []*Reactor {
	n := len(net.nodes)
	reactors := make([]*Reactor, n)
	for i, node := range net.nodes {
		cs := NewConsensusService(node.config, node.ledger, node.privVal, node.mempool, node.blobStore)
		cs.SetLogger(net.logger.With("validator", i))
		node.cs = cs

		reactors[i] = NewReactor(cs) // so we dont start the consensus states
		reactors[i].SetLogger(net.logger.With("validator", i, "module", "reactor"))
	}

	p2p.MakeConnectedSwitches(tmcfg.TestP2PConfig(), n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		assert.NoError(t, r.consensus.Stop())
		assert.NoError(t, r.Switch.Stop())
	}
}

// 4个节点通过真实的p2p连接连续出块
func TestReactorProducesBlocks(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.logger = log.NewFilter(log.TestingLogger(), log.AllowError())
	reactors := makeAndConnectReactors(t, net)

	for _, r := range reactors {
		require.NoError(t, r.consensus.Start())
	}

	require.Eventually(t, func() bool {
		for _, node := range net.nodes {
			if node.height() < 2 {
				return false
			}
		}
		return true
	}, 20*time.Second, 50*time.Millisecond, "all validators should reach height 2")

	stopReactors(t, reactors)

	// 所有节点的前两个区块一致
	for h := uint32(1); h <= 2; h++ {
		expected, err := net.nodes[0].ledger.LoadBlock(h)
		require.NoError(t, err)
		for i := 1; i < len(net.nodes); i++ {
			block, err := net.nodes[i].ledger.LoadBlock(h)
			require.NoError(t, err)
			assert.Equal(t, expected.Hash(), block.Hash(), "height %d node %d", h, i)
		}
	}
}

// 一个节点不在线时剩下的3个节点仍然能出块
func TestReactorToleratesOneSilentValidator(t *testing.T) {
	net := newTestNetwork(t, 4, 0)
	net.logger = log.NewFilter(log.TestingLogger(), log.AllowError())
	reactors := makeAndConnectReactors(t, net)

	// 第一个高度的primary不启动共识，只保留连接
	silent := int(net.nodes[0].ledger.State().Validators.PrimaryIndex(1, 0))
	for i, r := range reactors {
		if i == silent {
			continue
		}
		require.NoError(t, r.consensus.Start())
	}

	require.Eventually(t, func() bool {
		for i, node := range net.nodes {
			if i != silent && node.height() < 1 {
				return false
			}
		}
		return true
	}, 20*time.Second, 50*time.Millisecond)

	for i, r := range reactors {
		if i != silent {
			assert.NoError(t, r.consensus.Stop())
		}
		assert.NoError(t, r.Switch.Stop())
	}

	for i, node := range net.nodes {
		if i == silent {
			continue
		}
		block, err := node.ledger.LoadBlock(1)
		require.NoError(t, err)
		assert.Greater(t, block.Witness.ViewNumber, uint8(0), "the silent primary forces a view change")
	}
}
