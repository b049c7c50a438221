package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		RoundStatus:   "",
		RecoveryState: RecoveryNone.String(),
		intervalHist:  metrics.NewHistogram(metrics.NewUniformSample(maxBlockIntervals)),
	}
}

// consensusMetric rpc metrics接口返回的共识指标
type consensusMetric struct {
	mtx sync.RWMutex

	Height         uint32    `json:"height"`
	View           uint8     `json:"view"`
	RoundStatus    string    `json:"current_round_status"`
	IsPrimary      bool      `json:"is_primary"`
	PrimaryIndex   uint8     `json:"primary_index"`
	HeightStart    time.Time `json:"height_start_time"`
	LastBlockTime  time.Time `json:"last_block_time"`
	ViewChanges    int64     `json:"view_changes"`
	RecoveryState  string    `json:"recovery_state"`
	RejectedMsgs   int64     `json:"rejected_payloads"`
	FinalizedBlock int64     `json:"finalized_blocks"`
	IntervalP50    float64   `json:"block_interval_p50_ms"`
	IntervalP99    float64   `json:"block_interval_p99_ms"`

	// 最近的出块间隔，rpc block_latency使用
	BlockIntervals []float64 `json:"-"`
	// 出块间隔的分布，毫秒
	intervalHist metrics.Histogram
}

const maxBlockIntervals = 100

func (cm *consensusMetric) JSONString() string {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	ps := cm.intervalHist.Percentiles([]float64{0.5, 0.99})
	cm.IntervalP50, cm.IntervalP99 = ps[0], ps[1]
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkRound(height uint32, view uint8, primary uint8, isPrimary bool) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	if height != cm.Height {
		cm.HeightStart = time.Now()
	}
	cm.Height = height
	cm.View = view
	cm.PrimaryIndex = primary
	cm.IsPrimary = isPrimary
}

func (cm *consensusMetric) MarkRoundStatus(v string) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RoundStatus = v
}

func (cm *consensusMetric) MarkViewChange() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.ViewChanges++
}

func (cm *consensusMetric) MarkRecoveryState(s RecoveryState) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RecoveryState = s.String()
}

func (cm *consensusMetric) MarkRejected() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RejectedMsgs++
}

// MarkBlock 记录出块，返回与上一个区块的间隔
func (cm *consensusMetric) MarkBlock(t time.Time) time.Duration {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	var interval time.Duration
	if !cm.LastBlockTime.IsZero() {
		interval = t.Sub(cm.LastBlockTime)
		cm.BlockIntervals = append(cm.BlockIntervals, interval.Seconds())
		cm.intervalHist.Update(interval.Milliseconds())
		if len(cm.BlockIntervals) > maxBlockIntervals {
			cm.BlockIntervals = cm.BlockIntervals[1:]
		}
	}
	cm.LastBlockTime = t
	cm.FinalizedBlock++
	return interval
}

// Intervals 最近的出块间隔（秒）
func (cm *consensusMetric) Intervals() []float64 {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	out := make([]float64, len(cm.BlockIntervals))
	copy(out, cm.BlockIntervals)
	return out
}
