package tree

import "github.com/pkg/errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateCommit = errors.New("tree already committed")

	// ErrInvalidStructure covers every pre-economic rejection: the
	// submission never touched the ledger.
	ErrInvalidStructure = errors.New("invalid tree structure")

	ErrRateLimited = errors.New("proposer submission rate exceeded")
)
