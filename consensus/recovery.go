package consensus

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
)

// RecoveryState recovery子协议的状态
type RecoveryState uint8

const (
	RecoveryNone       = RecoveryState(0x00)
	RecoveryRequesting = RecoveryState(0x01) // 已经广播RecoveryRequest，等待回应
	RecoveryRecovering = RecoveryState(0x02) // 正在合并收到的RecoveryMessage
	RecoveryRecovered  = RecoveryState(0x03)
	RecoveryFailed     = RecoveryState(0x04) // 重试耗尽
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryNone:
		return "None"
	case RecoveryRequesting:
		return "Requesting"
	case RecoveryRecovering:
		return "Recovering"
	case RecoveryRecovered:
		return "Recovered"
	case RecoveryFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RecoveryReason 发起recovery的原因
type RecoveryReason uint8

const (
	RecoveryReasonViewTimeout = RecoveryReason(0x01)
	RecoveryReasonDesync      = RecoveryReason(0x02)
	RecoveryReasonRestart     = RecoveryReason(0x03)
)

func (r RecoveryReason) String() string {
	switch r {
	case RecoveryReasonViewTimeout:
		return "ViewTimeout"
	case RecoveryReasonDesync:
		return "Desync"
	case RecoveryReasonRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// RecoveryManager 记录recovery的进度，按指数退避安排RecoveryRequest的重试
// 广播和合并由ConsensusService完成
type RecoveryManager struct {
	mtx sync.RWMutex

	config  *cfg.DBFTConfig
	backoff *backoff.ExponentialBackOff

	state    RecoveryState
	reason   RecoveryReason
	attempts int
	merged   int

	logger log.Logger
}

func NewRecoveryManager(config *cfg.DBFTConfig) *RecoveryManager {
	return &RecoveryManager{
		config: config,
		logger: log.NewNopLogger(),
	}
}

func (rm *RecoveryManager) SetLogger(logger log.Logger) {
	rm.logger = logger
}

func (rm *RecoveryManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rm.config.RecoveryInitialInterval
	b.MaxInterval = rm.config.RecoveryMaxInterval
	b.MaxElapsedTime = rm.config.RecoveryMaxElapsed
	b.Reset()
	return b
}

// Initiate 开始一次recovery，返回第一次重试前的等待时间
func (rm *RecoveryManager) Initiate(reason RecoveryReason) time.Duration {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()

	rm.state = RecoveryRequesting
	rm.reason = reason
	rm.attempts = 1
	rm.merged = 0
	rm.backoff = rm.newBackOff()
	rm.logger.Info("initiate recovery", "reason", reason)
	return rm.backoff.NextBackOff()
}

// NextRetry 还在等待回应时返回下一次重试的等待时间
// 重试耗尽后进入RecoveryFailed并返回false
func (rm *RecoveryManager) NextRetry() (time.Duration, bool) {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()

	if rm.state != RecoveryRequesting || rm.backoff == nil {
		return 0, false
	}
	d := rm.backoff.NextBackOff()
	if d == backoff.Stop {
		rm.state = RecoveryFailed
		rm.logger.Error("recovery exhausted, liveness fault", "reason", rm.reason, "attempts", rm.attempts)
		return 0, false
	}
	rm.attempts++
	return d, true
}

// OnRecoveryMessage 收到RecoveryMessage，开始合并
func (rm *RecoveryManager) OnRecoveryMessage() {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	if rm.state == RecoveryRequesting || rm.state == RecoveryFailed {
		rm.state = RecoveryRecovering
	}
}

// OnMerged 合并结束，accepted为合并进context的payload数量
func (rm *RecoveryManager) OnMerged(accepted int) {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	if rm.state != RecoveryRecovering {
		return
	}
	rm.merged += accepted
	if accepted > 0 {
		rm.state = RecoveryRecovered
		rm.logger.Info("recovered", "reason", rm.reason, "payloads", rm.merged)
	} else {
		rm.state = RecoveryRequesting
	}
}

// Reset 新的高度开始时调用
func (rm *RecoveryManager) Reset() {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	rm.state = RecoveryNone
	rm.attempts = 0
	rm.merged = 0
	rm.backoff = nil
}

func (rm *RecoveryManager) State() RecoveryState {
	rm.mtx.RLock()
	defer rm.mtx.RUnlock()
	return rm.state
}

func (rm *RecoveryManager) Reason() RecoveryReason {
	rm.mtx.RLock()
	defer rm.mtx.RUnlock()
	return rm.reason
}

func (rm *RecoveryManager) Attempts() int {
	rm.mtx.RLock()
	defer rm.mtx.RUnlock()
	return rm.attempts
}

// Active 正在等待或合并recovery
func (rm *RecoveryManager) Active() bool {
	s := rm.State()
	return s == RecoveryRequesting || s == RecoveryRecovering
}
