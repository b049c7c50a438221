package metric

import (
	"errors"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, existed := ms.metrics[label]; existed {
		return ErrMetricLabelExist
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

// GetMetrics label不存在时返回nil
func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// GetAlllabels 返回排序后的所有label
func (ms *MetricSet) GetAlllabels() []string {
	ms.mtx.RLock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	ms.mtx.RUnlock()

	sort.Strings(keys)
	return keys
}

// GetAllMetrics 按label顺序返回所有MetricItem
func (ms *MetricSet) GetAllMetrics() []MetricItem {
	labels := ms.GetAlllabels()

	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	vals := make([]MetricItem, 0, len(labels))
	for _, label := range labels {
		vals = append(vals, ms.metrics[label])
	}
	return vals
}

// JSONString 将所有metric组合为一个json对象，key为label
func (ms *MetricSet) JSONString() string {
	labels := ms.GetAlllabels()

	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	raw := make(map[string]jsoniter.RawMessage, len(labels))
	for _, label := range labels {
		raw[label] = jsoniter.RawMessage(ms.metrics[label].JSONString())
	}
	s, _ := jsoniter.MarshalToString(raw)
	return s
}
