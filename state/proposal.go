package state

import (
	"fmt"
	"math"
	"sort"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

// ProposalManager 按照排序策略从交易池组装候选区块
type ProposalManager struct {
	config *cfg.DBFTConfig
	logger log.Logger
}

func NewProposalManager(config *cfg.DBFTConfig) *ProposalManager {
	return &ProposalManager{
		config: config,
		logger: log.NewNopLogger(),
	}
}

func (pm *ProposalManager) SetLogger(logger log.Logger) {
	pm.logger = logger
}

// CreateProposal 按策略选择交易，直到达到交易数上限
// 放不下的交易（区块大小、系统费上限、手续费溢出）被跳过，交易池为空时返回空提案
func (pm *ProposalManager) CreateProposal(
	proposer types.Address,
	pool types.Txs,
	timestamp uint64,
	prevHash tmbytes.HexBytes,
) (*types.BlockProposal, error) {
	if len(proposer) == 0 {
		return nil, ErrInvalidProposer
	}

	ordered, err := pm.order(pool)
	if err != nil {
		return nil, err
	}

	proposal := &types.BlockProposal{
		Proposer:     proposer,
		Transactions: make(types.Txs, 0, len(ordered)),
		Timestamp:    timestamp,
		PrevHash:     prevHash,
	}

	size := int64(types.HeaderSize)
	seen := make(map[types.TxKey]struct{}, len(ordered))
	for _, tx := range ordered {
		if len(proposal.Transactions) >= pm.config.MaxTransactionsPerBlock {
			break
		}
		if _, ok := seen[tx.Key()]; ok {
			continue
		}
		if size+tx.Size() > pm.config.MaxBlockSize {
			continue
		}
		sysFee, ok := addFee(proposal.TotalSystemFee, tx.SystemFee)
		if !ok || sysFee > pm.config.MaxBlockSystemFee {
			continue
		}
		netFee, ok := addFee(proposal.TotalNetworkFee, tx.NetworkFee)
		if !ok {
			continue
		}

		seen[tx.Key()] = struct{}{}
		size += tx.Size()
		proposal.TotalSystemFee = sysFee
		proposal.TotalNetworkFee = netFee
		proposal.Transactions = append(proposal.Transactions, tx)
	}

	pm.logger.Debug("created proposal", "txs", len(proposal.Transactions), "pool", len(pool), "size", size)
	return proposal, nil
}

// Validate 在签名之前重新检查提案的所有限制
func (pm *ProposalManager) Validate(proposal *types.BlockProposal) error {
	if len(proposal.Proposer) == 0 {
		return ErrInvalidProposer
	}
	if len(proposal.Transactions) > pm.config.MaxTransactionsPerBlock {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTransactions, len(proposal.Transactions), pm.config.MaxTransactionsPerBlock)
	}
	if size := proposal.Size(); size > pm.config.MaxBlockSize {
		return fmt.Errorf("%w: %d > %d", ErrSizeExceeded, size, pm.config.MaxBlockSize)
	}

	var (
		sysFee, netFee int64
		ok             bool
	)
	seen := make(map[types.TxKey]struct{}, len(proposal.Transactions))
	for _, tx := range proposal.Transactions {
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid tx %v: %w", tx.Hash(), err)
		}
		if _, dup := seen[tx.Key()]; dup {
			return fmt.Errorf("%w: %v", ErrDuplicateTransaction, tx.Hash())
		}
		seen[tx.Key()] = struct{}{}

		if sysFee, ok = addFee(sysFee, tx.SystemFee); !ok {
			return fmt.Errorf("%w: system fee", ErrFeeOverflow)
		}
		if netFee, ok = addFee(netFee, tx.NetworkFee); !ok {
			return fmt.Errorf("%w: network fee", ErrFeeOverflow)
		}
	}

	if sysFee > pm.config.MaxBlockSystemFee {
		return fmt.Errorf("%w: system fee %d > %d", ErrSizeExceeded, sysFee, pm.config.MaxBlockSystemFee)
	}
	if sysFee != proposal.TotalSystemFee || netFee != proposal.TotalNetworkFee {
		return fmt.Errorf("%w: got sys %d net %d, computed sys %d net %d", ErrFeeMismatch,
			proposal.TotalSystemFee, proposal.TotalNetworkFee, sysFee, netFee)
	}
	return nil
}

// order 按配置的策略排序，排序稳定，相同优先级保持到达顺序
func (pm *ProposalManager) order(pool types.Txs) (types.Txs, error) {
	ordered := make(types.Txs, len(pool))
	copy(ordered, pool)

	switch pm.config.SelectionStrategy {
	case cfg.StrategyFifo:
	case cfg.StrategyHighestFee:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].NetworkFee > ordered[j].NetworkFee
		})
	case cfg.StrategyFeePerByte:
		sort.SliceStable(ordered, func(i, j int) bool {
			fi, fj := ordered[i].FeePerByte(), ordered[j].FeePerByte()
			if fi != fj {
				return fi > fj
			}
			return ordered[i].NetworkFee > ordered[j].NetworkFee
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, pm.config.SelectionStrategy)
	}
	return ordered, nil
}

func addFee(total, fee int64) (int64, bool) {
	if fee < 0 || total > math.MaxInt64-fee {
		return total, false
	}
	return total + fee, true
}
