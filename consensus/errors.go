package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid payload signature")
	ErrUnknownValidator = errors.New("payload from unknown validator index")
	ErrWrongView        = errors.New("payload for another view")
	ErrNotPrimary       = errors.New("prepare request not from the primary")
	ErrEquivocation     = errors.New("conflicting commit from the same validator")
	ErrWatchOnly        = errors.New("node is watch-only")
	ErrNoProposal       = errors.New("no proposal in the current view")
)

type (
	// ErrInvalidPayload payload解码或内容检查失败
	ErrInvalidPayload struct {
		Reason error
	}

	// ErrWrongHeight payload不属于当前高度
	ErrWrongHeight struct {
		Expected uint32
		Got      uint32
	}
)

func (e ErrInvalidPayload) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Reason)
}

func (e ErrInvalidPayload) Unwrap() error {
	return e.Reason
}

func (e ErrWrongHeight) Error() string {
	return fmt.Sprintf("payload for height %d, expected %d", e.Got, e.Expected)
}
