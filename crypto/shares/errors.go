package shares

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrDuplicateIndex     = errors.New("duplicate share index")
	ErrInconsistentShares = errors.New("inconsistent shares")
	ErrInvalidIndex       = errors.New("share index must be non-zero")
	ErrInvalidKey         = errors.New("invalid public key")
)

// DealingError 指出 dealing 中第一个校验失败的接收者
type DealingError struct {
	Dealer    uint32
	Recipient uint32
}

func (e *DealingError) Error() string {
	return fmt.Sprintf("dealing from %d: encrypted share for recipient %d does not match commitments", e.Dealer, e.Recipient)
}

func (e *DealingError) Unwrap() error {
	return ErrInconsistentShares
}
