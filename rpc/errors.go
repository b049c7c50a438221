package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMetricLabel = errors.New("unknown metric label")
)

// ErrBlockNotFound 请求的高度还没有区块
type ErrBlockNotFound struct {
	Height uint32
}

func (e ErrBlockNotFound) Error() string {
	return fmt.Sprintf("block %d not found", e.Height)
}
