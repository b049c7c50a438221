package rpc

import (
	"github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "dbft_demo/mempool"
	"dbft_demo/types"
)

type ResultBroadcastTx struct {
	Hash bytes.HexBytes `json:"hash"`
}

// BroadcastTx 交易进入本地mempool，由mempool reactor转发给其他节点
func BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	if err := env.Mempool.CheckTx(tx, meml.TxInfo{SenderID: meml.UnknownPeerID}); err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}

type ResultUnconfirmedTxs struct {
	Count      int   `json:"n_txs"`
	TotalBytes int64 `json:"total_bytes"`
}

func NumUnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	return &ResultUnconfirmedTxs{
		Count:      env.Mempool.Size(),
		TotalBytes: env.Mempool.TxsBytes(),
	}, nil
}
