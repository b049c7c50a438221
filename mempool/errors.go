package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrTxInMap is returned to the client if we saw tx earlier
	ErrTxInMap = errors.New("tx already exists in map")
)

// ErrTxTooLarge 交易超过了mempool允许的最大字节数
type ErrTxTooLarge struct {
	Max    int64
	Actual int64
}

func (e ErrTxTooLarge) Error() string {
	return fmt.Sprintf("tx too large. Max size is %d, but got %d", e.Max, e.Actual)
}

// ErrMempoolIsFull means Tendermint & an application can't handle that much load
type ErrMempoolIsFull struct {
	NumTxs      int
	MaxTxs      int
	TxsBytes    int64
	MaxTxsBytes int64
}

func (e ErrMempoolIsFull) Error() string {
	return fmt.Sprintf(
		"mempool is full: number of txs %d (max: %d), total txs bytes %d (max: %d)",
		e.NumTxs, e.MaxTxs, e.TxsBytes, e.MaxTxsBytes)
}

// ErrPreCheck is returned when tx is invalid according to the precheck func
type ErrPreCheck struct {
	Reason error
}

func (e ErrPreCheck) Error() string {
	return e.Reason.Error()
}

// IsPreCheckError returns true if err is due to pre check failure.
func IsPreCheckError(err error) bool {
	return errors.As(err, &ErrPreCheck{})
}
