package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

// ValidatorManager 记录所有注册的候选验证者，为每个高度计算确定的ValidatorSet
//
// 同一组注册记录在所有节点上得到同样的集合：stake降序，
// stake相同按注册高度升序，再按注册顺序。
type ValidatorManager struct {
	mtx sync.RWMutex

	config *cfg.DBFTConfig

	candidates map[string]*candidate // address => candidate
	seq        int

	logger log.Logger
}

type candidate struct {
	validator *types.Validator
	seq       int // 注册顺序

	// 最近PerformanceWindow次出块的表现，环形记录
	outcomes []bool
	next     int
	filled   int
}

func NewValidatorManager(config *cfg.DBFTConfig) *ValidatorManager {
	return &ValidatorManager{
		config:     config,
		candidates: make(map[string]*candidate),
		logger:     log.NewNopLogger(),
	}
}

func (vm *ValidatorManager) SetLogger(logger log.Logger) {
	vm.logger = logger
}

// RegisterValidator 在height高度注册一个候选验证者
// 从height开始计算的集合才会包含该验证者
func (vm *ValidatorManager) RegisterValidator(pubKey crypto.PubKey, stake int64, height uint32) error {
	if stake < vm.config.MinStake {
		return fmt.Errorf("%w: %d < %d", ErrBelowMinimumStake, stake, vm.config.MinStake)
	}

	vm.mtx.Lock()
	defer vm.mtx.Unlock()

	addr := pubKey.Address()
	if _, ok := vm.candidates[string(addr)]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyRegistered, addr)
	}

	val := types.NewValidator(pubKey, stake)
	val.RegisteredAt = height
	vm.candidates[string(addr)] = &candidate{
		validator: val,
		seq:       vm.seq,
		outcomes:  make([]bool, vm.config.PerformanceWindow),
	}
	vm.seq++

	vm.logger.Info("registered validator", "address", addr, "stake", stake, "height", height)
	return nil
}

// CreateValidatorSet 计算height高度的验证者集合，最多MaxValidators个
func (vm *ValidatorManager) CreateValidatorSet(height uint32) (*types.ValidatorSet, error) {
	vm.mtx.RLock()
	eligible := make([]*candidate, 0, len(vm.candidates))
	for _, c := range vm.candidates {
		if c.validator.RegisteredAt <= height {
			eligible = append(eligible, c)
		}
	}
	vm.mtx.RUnlock()

	if len(eligible) < vm.config.MinValidators {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrInsufficientValidators, len(eligible), vm.config.MinValidators)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].validator, eligible[j].validator
		if a.Stake != b.Stake {
			return a.Stake > b.Stake
		}
		if a.RegisteredAt != b.RegisteredAt {
			return a.RegisteredAt < b.RegisteredAt
		}
		return eligible[i].seq < eligible[j].seq
	})

	if len(eligible) > vm.config.MaxValidators {
		eligible = eligible[:vm.config.MaxValidators]
	}

	vals := make([]*types.Validator, len(eligible))
	for i, c := range eligible {
		vals[i] = c.validator.Copy()
	}
	return types.NewValidatorSet(vals), nil
}

// UpdatePerformance 记录一次出块的表现，不影响共识的quorum计算
func (vm *ValidatorManager) UpdatePerformance(address types.Address, success bool) error {
	vm.mtx.Lock()
	defer vm.mtx.Unlock()

	c, ok := vm.candidates[string(address)]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownValidator, address)
	}

	c.outcomes[c.next] = success
	c.next = (c.next + 1) % len(c.outcomes)
	if c.filled < len(c.outcomes) {
		c.filled++
	}
	return nil
}

// Performance 返回窗口内成功的比例，没有记录时ok为false
func (vm *ValidatorManager) Performance(address types.Address) (score float64, ok bool) {
	vm.mtx.RLock()
	defer vm.mtx.RUnlock()

	c, found := vm.candidates[string(address)]
	if !found || c.filled == 0 {
		return 0, false
	}

	successes := 0
	for i := 0; i < c.filled; i++ {
		if c.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(c.filled), true
}

// Candidates 按注册顺序返回所有候选验证者
func (vm *ValidatorManager) Candidates() []*types.Validator {
	vm.mtx.RLock()
	defer vm.mtx.RUnlock()

	cs := make([]*candidate, 0, len(vm.candidates))
	for _, c := range vm.candidates {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })

	vals := make([]*types.Validator, len(cs))
	for i, c := range cs {
		vals[i] = c.validator.Copy()
	}
	return vals
}
