package peer

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("peer connection closed")
	ErrOfferPending    = errors.New("local offer already pending")
	ErrNoPendingOffer  = errors.New("no pending local offer")
	ErrUnexpectedType  = errors.New("unexpected description type")
	ErrEmptySDP        = errors.New("empty session description")
	ErrControlNotReady = errors.New("control channel not open")

	// ErrRollbackUnsupported is returned by Rollback once an offer/answer
	// exchange has completed. pion cannot discard a pending description.
	ErrRollbackUnsupported = errors.New("pending description cannot be discarded after the first exchange")
)

// DescriptionError reports a failed offer/answer operation.
type DescriptionError struct {
	Op  string
	Err error
}

func (e *DescriptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DescriptionError) Unwrap() error {
	return e.Err
}

func descError(op string, err error) error {
	return &DescriptionError{Op: op, Err: err}
}
