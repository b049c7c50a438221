package consensus

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

const tickTockBufferSize = 10

type timeoutKind uint8

const (
	timeoutView     = timeoutKind(0x01) // view的超时，触发提案或换视图
	timeoutRecovery = timeoutKind(0x02) // recovery请求的重试
)

func (k timeoutKind) String() string {
	switch k {
	case timeoutView:
		return "View"
	case timeoutRecovery:
		return "Recovery"
	default:
		return "Unknown"
	}
}

// internally generated messages which may update the state
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Height   uint32        `json:"height"`
	View     uint8         `json:"view"`
	Kind     timeoutKind   `json:"kind"`
}

func (ti *timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d %v", ti.Duration, ti.Height, ti.View, ti.Kind)
}

// TimeoutTicker 同一时间只有一个定时器，新的调度会取消旧的
type TimeoutTicker interface {
	Start() error
	Stop() error
	Chan() <-chan timeoutInfo       // on which to receive a timeout
	ScheduleTimeout(ti timeoutInfo) // reset the timer

	SetLogger(log.Logger)
}

type timeoutTicker struct {
	service.BaseService

	timer    *time.Timer
	tickChan chan timeoutInfo // for scheduling timeouts
	tockChan chan timeoutInfo // for notifying about them
}

// NewTimeoutTicker returns a new TimeoutTicker.
func NewTimeoutTicker() TimeoutTicker {
	tt := &timeoutTicker{
		timer:    time.NewTimer(0),
		tickChan: make(chan timeoutInfo, tickTockBufferSize),
		tockChan: make(chan timeoutInfo, tickTockBufferSize),
	}
	tt.BaseService = *service.NewBaseService(nil, "TimeoutTicker", tt)
	tt.stopTimer() // don't want to fire until the first scheduled timeout
	return tt
}

func (t *timeoutTicker) OnStart() error {
	go t.timeoutRoutine()
	return nil
}

func (t *timeoutTicker) OnStop() {
	t.stopTimer()
}

func (t *timeoutTicker) Chan() <-chan timeoutInfo {
	return t.tockChan
}

func (t *timeoutTicker) ScheduleTimeout(ti timeoutInfo) {
	t.tickChan <- ti
}

// stop the timer and drain if necessary
func (t *timeoutTicker) stopTimer() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
			t.Logger.Debug("Timer already stopped")
		}
	}
}

// 新的调度总是替换正在等待的定时器
func (t *timeoutTicker) timeoutRoutine() {
	t.Logger.Debug("Starting timeout routine")
	var ti timeoutInfo
	for {
		select {
		case newti := <-t.tickChan:
			t.Logger.Debug("Received tick", "new_ti", newti)
			t.stopTimer()

			ti = newti
			t.timer.Reset(ti.Duration)
			t.Logger.Debug("Scheduled timeout", "dur", ti.Duration, "height", ti.Height, "view", ti.View, "kind", ti.Kind)
		case <-t.timer.C:
			t.Logger.Info("Timed out", "dur", ti.Duration, "height", ti.Height, "view", ti.View, "kind", ti.Kind)
			// 在goroutine中发送，避免阻塞定时器
			go func(toi timeoutInfo) {
				select {
				case t.tockChan <- toi:
				case <-t.Quit():
				}
			}(ti)
		case <-t.Quit():
			return
		}
	}
}
