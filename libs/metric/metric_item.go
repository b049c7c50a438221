package metric

import jsoniter "github.com/json-iterator/go"

// MetricItem 一个独立模块的指标，以JSON字符串的形式输出
type MetricItem interface {
	JSONString() string
}

// MetricFunc 把函数适配为MetricItem
type MetricFunc func() string

func (f MetricFunc) JSONString() string {
	return f()
}

// JSONFunc 每次读取时用jsoniter编码snapshot返回的值
func JSONFunc(snapshot func() interface{}) MetricItem {
	return MetricFunc(func() string {
		s, err := jsoniter.MarshalToString(snapshot())
		if err != nil {
			return "null"
		}
		return s
	})
}
