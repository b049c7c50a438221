package rpc

import (
	"time"

	"github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"dbft_demo/types"
)

type ResultStatus struct {
	NodeInfo p2p.DefaultNodeInfo `json:"node_info"`
	SyncInfo SyncInfo            `json:"sync_info"`
	Round    RoundInfo           `json:"round_info"`
	Peers    int                 `json:"n_peers"`
}

// SyncInfo 账本的最新状态
type SyncInfo struct {
	LatestBlockHash  bytes.HexBytes `json:"latest_block_hash"`
	LatestBlockIndex uint32         `json:"latest_block_index"`
	LatestBlockTime  time.Time      `json:"latest_block_time"`
	NextConsensus    types.Address  `json:"next_consensus"`
	Validators       int            `json:"validators"`
}

// RoundInfo 正在进行的共识轮次
type RoundInfo struct {
	Height        uint32 `json:"height"`
	View          uint8  `json:"view"`
	Step          string `json:"step"`
	Role          string `json:"role"`
	RecoveryState string `json:"recovery_state"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	st := env.Ledger.State()
	rs := env.Consensus.GetRoundState()

	result := &ResultStatus{
		SyncInfo: SyncInfo{
			LatestBlockHash:  st.LastBlockHash,
			LatestBlockIndex: st.LastBlockIndex,
			LatestBlockTime:  st.LastBlockTime,
			NextConsensus:    st.NextConsensus,
			Validators:       st.Validators.Size(),
		},
		Round: RoundInfo{
			Height:        rs.Height,
			View:          rs.View,
			Step:          rs.Step,
			Role:          rs.Role,
			RecoveryState: rs.RecoveryState,
		},
	}
	if info, ok := env.NodeInfo.(p2p.DefaultNodeInfo); ok {
		result.NodeInfo = info
	}
	if env.P2PPeers != nil {
		result.Peers = env.P2PPeers.Size()
	}
	return result, nil
}

type ResultBlock struct {
	Block *types.Block   `json:"block"`
	Hash  bytes.HexBytes `json:"hash"`
}

// Block 按高度查询已提交的区块，height为0时返回最新的区块
func Block(ctx *rpctypes.Context, height uint32) (*ResultBlock, error) {
	if height == 0 {
		height = env.Ledger.CurrentIndex()
	}
	block, err := env.Ledger.LoadBlock(height)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, ErrBlockNotFound{Height: height}
	}
	return &ResultBlock{Block: block, Hash: block.Hash()}, nil
}
