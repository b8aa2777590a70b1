package consensus

import "github.com/pkg/errors"

var (
	ErrNotEligible  = errors.New("validator not eligible for dispute")
	ErrAlreadyVoted = errors.New("validator already voted on dispute")
	ErrWindowClosed = errors.New("adjudication window closed")

	// ErrNonConvergence is the escalation trigger, not a failure: no
	// side crossed the weighted threshold by the deadline.
	ErrNonConvergence = errors.New("no weighted consensus reached")
)
