package state

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered      = errors.New("validator already registered")
	ErrBelowMinimumStake      = errors.New("stake below minimum")
	ErrInsufficientValidators = errors.New("insufficient validators")
	ErrUnknownValidator       = errors.New("unknown validator")

	ErrSizeExceeded         = errors.New("proposal size exceeded")
	ErrTooManyTransactions  = errors.New("too many transactions")
	ErrFeeOverflow          = errors.New("fee overflow")
	ErrFeeMismatch          = errors.New("proposal fee totals mismatch")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInvalidProposer      = errors.New("invalid proposer")
	ErrUnknownStrategy      = errors.New("unknown selection strategy")

	ErrRejectedByLedger = errors.New("block rejected by ledger")
)

type (
	// ErrInvalidBlock 区块不符合当前state
	ErrInvalidBlock struct {
		Reason error
	}

	// ErrWrongBlockIndex 区块高度与账本的下一个高度不一致
	ErrWrongBlockIndex struct {
		Expected uint32
		Got      uint32
	}
)

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block: %v", e.Reason)
}

func (e ErrInvalidBlock) Unwrap() error {
	return e.Reason
}

func (e ErrWrongBlockIndex) Error() string {
	return fmt.Sprintf("wrong block index. expected %d, got %d", e.Expected, e.Got)
}
