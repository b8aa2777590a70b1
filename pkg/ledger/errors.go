package ledger

import "github.com/pkg/errors"

var (
	ErrNotFound          = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyResolved   = errors.New("dispute already settled")
	ErrAccountHalted     = errors.New("account halted pending reconciliation")

	// ErrIntegrityViolation marks a detected breach of capital
	// conservation. It is a bug, never an expected runtime condition,
	// and halts further settlement on the affected accounts.
	ErrIntegrityViolation = errors.New("capital conservation violated")

	ErrCustodyUnavailable = errors.New("external custody rejected operation")
)
