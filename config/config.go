package config

import (
	"errors"
	"fmt"
	"time"

	tmcfg "github.com/tendermint/tendermint/config"
)

const (
	// SelectionStrategy 可选的交易排序策略
	StrategyFifo       = "fifo"
	StrategyHighestFee = "highest_fee"
	StrategyFeePerByte = "fee_per_byte"

	BadgerBackend = "badger"
)

// Config 节点配置，tendermint的基础配置加上dbft共识配置
type Config struct {
	tmcfg.Config `mapstructure:",squash"`

	DBFT *DBFTConfig `mapstructure:"dbft"`
}

// DefaultConfig returns a default configuration for a dbft node
func DefaultConfig() *Config {
	return &Config{
		Config: *tmcfg.DefaultConfig(),
		DBFT:   DefaultDBFTConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		Config: *tmcfg.TestConfig(),
		DBFT:   TestDBFTConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.Config.SetRoot(root)
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Config.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.DBFT.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [dbft] section: %w", err)
	}
	return nil
}

// ResetTestRoot 生成测试使用的配置目录
func ResetTestRoot(testName string) *Config {
	tmConf := tmcfg.ResetTestRoot(testName)
	return &Config{
		Config: *tmConf,
		DBFT:   TestDBFTConfig(),
	}
}

//-----------------------------------------------------------------------------
// DBFTConfig

// DBFTConfig dbft共识的参数
type DBFTConfig struct {
	// 出块间隔，view 0的primary在上一个区块后等待该时间再提案
	BlockTime time.Duration `mapstructure:"block_time"`
	// view超时为 BlockTime << min(view+1, MaxTimeoutShift)
	MaxTimeoutShift uint `mapstructure:"max_timeout_shift"`

	// 验证者集合
	MinValidators int   `mapstructure:"min_validators"`
	MaxValidators int   `mapstructure:"max_validators"`
	MinStake      int64 `mapstructure:"min_stake"`

	// 区块限制
	MaxBlockSize            int64  `mapstructure:"max_block_size"`
	MaxBlockSystemFee       int64  `mapstructure:"max_block_system_fee"`
	MaxTransactionsPerBlock int    `mapstructure:"max_transactions_per_block"`
	SelectionStrategy       string `mapstructure:"selection_strategy"`

	// recovery请求的重试
	RecoveryInitialInterval time.Duration `mapstructure:"recovery_initial_interval"`
	RecoveryMaxInterval     time.Duration `mapstructure:"recovery_max_interval"`
	RecoveryMaxElapsed      time.Duration `mapstructure:"recovery_max_elapsed"`

	// 已处理payload hash的缓存上限
	MaxMessageCache int `mapstructure:"max_message_cache"`
	// view超过该值后换视图的日志升级为Error
	LivenessWarnView uint8 `mapstructure:"liveness_warn_view"`
	// 验证者表现评分的滑动窗口
	PerformanceWindow int `mapstructure:"performance_window"`

	// 保存共识轮次状态的存储后端 goleveldb|memdb|badger
	DBBackend string `mapstructure:"db_backend"`
	// 非空时日志同时写入滚动文件
	LogFile string `mapstructure:"log_file"`
}

// DefaultDBFTConfig returns a default configuration for the consensus service
func DefaultDBFTConfig() *DBFTConfig {
	return &DBFTConfig{
		BlockTime:               15 * time.Second,
		MaxTimeoutShift:         6,
		MinValidators:           4,
		MaxValidators:           21,
		MinStake:                1,
		MaxBlockSize:            256 * 1024,
		MaxBlockSystemFee:       9000 * 100000000,
		MaxTransactionsPerBlock: 512,
		SelectionStrategy:       StrategyFeePerByte,
		RecoveryInitialInterval: 1 * time.Second,
		RecoveryMaxInterval:     15 * time.Second,
		RecoveryMaxElapsed:      2 * time.Minute,
		MaxMessageCache:         1000,
		LivenessWarnView:        3,
		PerformanceWindow:       100,
		DBBackend:               "goleveldb",
		LogFile:                 "",
	}
}

// TestDBFTConfig returns a configuration for testing the consensus service
func TestDBFTConfig() *DBFTConfig {
	cfg := DefaultDBFTConfig()
	cfg.BlockTime = 200 * time.Millisecond
	cfg.MinValidators = 1
	cfg.RecoveryInitialInterval = 50 * time.Millisecond
	cfg.RecoveryMaxInterval = 200 * time.Millisecond
	cfg.RecoveryMaxElapsed = 2 * time.Second
	cfg.PerformanceWindow = 10
	cfg.DBBackend = "memdb"
	return cfg
}

// TimeoutForView 第view个视图的超时时间
func (cfg *DBFTConfig) TimeoutForView(view uint8) time.Duration {
	shift := uint(view) + 1
	if shift > cfg.MaxTimeoutShift {
		shift = cfg.MaxTimeoutShift
	}
	return cfg.BlockTime << shift
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *DBFTConfig) ValidateBasic() error {
	if cfg == nil {
		return errors.New("missing dbft config")
	}
	if cfg.BlockTime <= 0 {
		return errors.New("block_time must be positive")
	}
	if cfg.MaxTimeoutShift > 16 {
		return errors.New("max_timeout_shift can't be greater than 16")
	}
	if cfg.MinValidators < 1 {
		return errors.New("min_validators must be at least 1")
	}
	if cfg.MaxValidators < cfg.MinValidators {
		return errors.New("max_validators can't be less than min_validators")
	}
	if cfg.MaxValidators > 255 {
		return errors.New("max_validators can't be greater than 255")
	}
	if cfg.MinStake < 0 {
		return errors.New("min_stake can't be negative")
	}
	if cfg.MaxBlockSize <= 0 {
		return errors.New("max_block_size must be positive")
	}
	if cfg.MaxBlockSystemFee <= 0 {
		return errors.New("max_block_system_fee must be positive")
	}
	if cfg.MaxTransactionsPerBlock < 0 {
		return errors.New("max_transactions_per_block can't be negative")
	}
	switch cfg.SelectionStrategy {
	case StrategyFifo, StrategyHighestFee, StrategyFeePerByte:
	default:
		return fmt.Errorf("unknown selection_strategy %q", cfg.SelectionStrategy)
	}
	if cfg.RecoveryInitialInterval <= 0 || cfg.RecoveryMaxInterval < cfg.RecoveryInitialInterval {
		return errors.New("recovery intervals must be positive and max >= initial")
	}
	if cfg.RecoveryMaxElapsed < 0 {
		return errors.New("recovery_max_elapsed can't be negative")
	}
	if cfg.MaxMessageCache <= 0 {
		return errors.New("max_message_cache must be positive")
	}
	if cfg.PerformanceWindow <= 0 {
		return errors.New("performance_window must be positive")
	}
	return nil
}
