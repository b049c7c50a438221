package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/libs/utils"
	"dbft_demo/types"
)

type ResultConsensusState struct {
	RoundState cstypes.RoundStateSimple `json:"round_state"`
}

func ConsensusState(ctx *rpctypes.Context) (*ResultConsensusState, error) {
	return &ResultConsensusState{RoundState: env.Consensus.GetRoundState()}, nil
}

type ResultValidators struct {
	BlockIndex uint32            `json:"block_index"`
	Validators []ResultValidator `json:"validators"`
	F          int               `json:"f"`
	M          int               `json:"m"`
}

type ResultValidator struct {
	Index     int              `json:"index"`
	Validator *types.Validator `json:"validator"`
	Score     float64          `json:"score"`     // 滑动窗口内的出块成功率
	HasScore  bool             `json:"has_score"` // 窗口内还没有记录时为false
}

// Validators 当前高度的验证者集合及其表现评分
func Validators(ctx *rpctypes.Context) (*ResultValidators, error) {
	index, vals := env.Consensus.GetValidators()
	result := &ResultValidators{
		BlockIndex: index,
		Validators: make([]ResultValidator, 0, vals.Size()),
		F:          vals.F(),
		M:          vals.M(),
	}
	for i, val := range vals.Validators {
		rv := ResultValidator{Index: i, Validator: val}
		if env.ValidatorManager != nil {
			rv.Score, rv.HasScore = env.ValidatorManager.Performance(val.Address)
		}
		result.Validators = append(result.Validators, rv)
	}
	return result, nil
}

// ResultLatency 最近若干区块的出块间隔统计，单位秒
type ResultLatency struct {
	Blocks          int     `json:"blocks"`
	MaxInterval     float64 `json:"max_block_interval"`
	MinInterval     float64 `json:"min_block_interval"`
	MedianInterval  float64 `json:"median_block_interval"`
	AverageInterval float64 `json:"avg_block_interval"`
}

func BlockLatency(ctx *rpctypes.Context) (*ResultLatency, error) {
	intervals := env.Consensus.BlockIntervals()
	return &ResultLatency{
		Blocks:          len(intervals),
		MaxInterval:     utils.Max(intervals...),
		MinInterval:     utils.Min(intervals...),
		MedianInterval:  utils.Mean(intervals...),
		AverageInterval: utils.Avg(intervals...),
	}, nil
}
