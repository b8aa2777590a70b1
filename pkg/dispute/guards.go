package dispute

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tcfw/dialectic/pkg/protocol"
	"github.com/tcfw/dialectic/pkg/reputation"
)

// Reason is the explicit code an admission guard rejects with.
type Reason string

const (
	ReasonTreeNotFound     Reason = "tree_not_found"
	ReasonChallengeWindow  Reason = "challenge_window_closed"
	ReasonNodeNotFound     Reason = "node_not_found"
	ReasonStakeTooLow      Reason = "stake_below_minimum"
	ReasonDuplicateDispute Reason = "open_dispute_exists"
	ReasonVelocity         Reason = "challenge_velocity_exceeded"
	ReasonRoleLocked       Reason = "role_locked"
	ReasonBarredPair       Reason = "pair_barred"
	ReasonCapacity         Reason = "case_capacity_exceeded"
	ReasonSelfChallenge    Reason = "self_challenge"
)

// GuardError carries the reason code to the submitter. Reasons backed
// by a package sentinel keep it as the cause so callers can match with
// errors.Is.
type GuardError struct {
	Reason Reason
	cause  error
}

func (e *GuardError) Error() string { return "challenge rejected: " + string(e.Reason) }
func (e *GuardError) Unwrap() error { return e.cause }

func rejected(r Reason) error { return errors.WithStack(&GuardError{Reason: r}) }

func rejectedAs(r Reason, cause error) error {
	return errors.WithStack(&GuardError{Reason: r, cause: cause})
}

// RejectionReason extracts the guard reason from an admission error.
func RejectionReason(err error) (Reason, bool) {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Reason, true
	}
	return "", false
}

// admission is the context every guard predicate evaluates against.
type admission struct {
	challenge *protocol.Challenge
	tree      *protocol.Tree
	account   *protocol.Account
	params    *protocol.Params
	now       time.Time

	openForTriple bool
	openCount     int
	recentCount   int
	pairBarred    bool
}

type guard func(*admission) error

// admissionGuards compose the dynamic eligibility rules. Each is an
// explicit predicate with its own reason code rather than a conditional
// buried in the state machine.
var admissionGuards = []guard{
	guardChallengeWindow,
	guardNodeExists,
	guardNotSelf,
	guardMinStake,
	guardNoDuplicate,
	guardVelocity,
	guardRoleLock,
	guardPairNotBarred,
	guardCapacity,
}

func guardChallengeWindow(a *admission) error {
	if a.now.After(a.tree.SubmittedAt.Add(a.params.ChallengeWindow)) {
		return rejected(ReasonChallengeWindow)
	}
	return nil
}

func guardNodeExists(a *admission) error {
	if _, ok := a.tree.Nodes[a.challenge.NodeID]; !ok {
		return rejected(ReasonNodeNotFound)
	}
	return nil
}

func guardNotSelf(a *admission) error {
	if a.challenge.ChallengerID == a.tree.ProposerID {
		return rejected(ReasonSelfChallenge)
	}
	return nil
}

func guardMinStake(a *admission) error {
	if a.challenge.Stake < a.tree.TotalStake*a.params.MinChallengeStakeRatio {
		return rejected(ReasonStakeTooLow)
	}
	return nil
}

func guardNoDuplicate(a *admission) error {
	if a.openForTriple {
		return rejected(ReasonDuplicateDispute)
	}
	return nil
}

func guardVelocity(a *admission) error {
	if a.recentCount >= protocol.MaxChallengesPer24h(a.account.Reputation) {
		return rejected(ReasonVelocity)
	}
	return nil
}

func guardRoleLock(a *admission) error {
	if a.account.Role != 0 && a.account.Role != protocol.RoleChallenger &&
		!a.account.RoleLockedUntil.IsZero() && a.now.Before(a.account.RoleLockedUntil) {
		return rejected(ReasonRoleLocked)
	}
	return nil
}

func guardPairNotBarred(a *admission) error {
	if a.pairBarred {
		return rejectedAs(ReasonBarredPair, reputation.ErrBarredPair)
	}
	return nil
}

func guardCapacity(a *admission) error {
	tp := a.params.TierPolicyFor(a.account.Tier)
	if tp.MaxCasesPerEpoch > 0 && a.openCount >= tp.MaxCasesPerEpoch {
		return rejected(ReasonCapacity)
	}
	return nil
}
