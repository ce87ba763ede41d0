package ledger

import (
	"errors"
	"fmt"
)

// ErrUnavailable wraps failures to reach the node.
var ErrUnavailable = errors.New("ledger: node unavailable")

// ErrNoSigner is returned by Submit when the minter was built without a key.
var ErrNoSigner = errors.New("ledger: no signing key configured")

// ErrInvalidAddress is returned when a player identity is not a hex address.
var ErrInvalidAddress = errors.New("ledger: invalid player address")

// RejectedError means the node refused the mint, either at gas estimation
// (usually a contract revert) or at submission.
type RejectedError struct {
	Op  string
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger: %s rejected: %v", e.Op, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }
