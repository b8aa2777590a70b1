package ledger

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/tcfw/dialectic/pkg/protocol"
)

const conservationTolerance = 1e-9

// VoterShare identifies a majority voter and the frozen weight their
// reward share is pro-rated by.
type VoterShare struct {
	ID     protocol.ParticipantID
	Weight float64
}

// Outcome is the verdict handed to the ledger for settlement, with the
// modifiers that change the realized legs.
type Outcome struct {
	Dispute        *protocol.Dispute
	Verdict        protocol.Verdict
	Undefended     bool
	Conceded       bool
	MajorityVoters []VoterShare
}

// Settle applies a dispute outcome as one all-or-nothing transaction:
// challenger reward, proposer slash, validator reward and burn legs
// either all apply or none do. It returns the realized deltas for audit
// logging. A dispute settles at most once; retries return
// ErrAlreadyResolved with no further movement.
func (l *Ledger) Settle(ctx context.Context, o *Outcome) (*protocol.Settlement, error) {
	l.settleMu.Lock()
	defer l.settleMu.Unlock()

	d := o.Dispute

	if _, ok := l.settled[d.ID]; ok {
		return nil, ErrAlreadyResolved
	}

	legs, err := l.legsFor(o)
	if err != nil {
		return nil, err
	}

	ids := []protocol.ParticipantID{d.ProposerID, d.ChallengerID}
	for _, leg := range legs {
		if leg.From != "" && leg.From != BurnAccount {
			ids = append(ids, leg.From)
		}
		if leg.To != "" && leg.To != BurnAccount {
			ids = append(ids, leg.To)
		}
	}

	accounts, release, err := l.acquireAll(ids)
	if err != nil {
		return nil, err
	}
	defer release()

	for _, a := range accounts {
		if a.Halted {
			return nil, errors.Wrapf(ErrAccountHalted, "account %s", a.ID)
		}
	}

	if err := l.checkFeasible(accounts, legs); err != nil {
		return nil, err
	}

	var before float64
	for _, a := range accounts {
		before += a.Available + a.Locked
	}

	var burned float64
	for _, leg := range legs {
		burned += l.apply(accounts, leg)
	}

	var after float64
	for _, a := range accounts {
		after += a.Available + a.Locked
	}

	if math.Abs(before-(after+burned)) > conservationTolerance {
		// This is a bug in settlement math, not a runtime condition.
		// Freeze every touched account until manually reconciled.
		for _, a := range accounts {
			a.Halted = true
		}
		l.logger.WithField("dispute", d.ID).
			WithField("before", before).
			WithField("after", after).
			WithField("burned", burned).
			Error("settlement broke capital conservation")

		return nil, ErrIntegrityViolation
	}

	l.mu.Lock()
	l.burned += burned
	l.mu.Unlock()

	s := &protocol.Settlement{
		DisputeID:    d.ID,
		TaskID:       d.TaskID,
		Verdict:      o.Verdict,
		ProposerID:   d.ProposerID,
		ChallengerID: d.ChallengerID,
		Legs:         legs,
		Burned:       burned,
		SettledAt:    l.now(),
	}
	l.settled[d.ID] = s

	if err := l.audit.AppendSettlement(ctx, s); err != nil {
		return nil, errors.Wrap(err, "auditing settlement")
	}

	return s, nil
}

func (l *Ledger) legsFor(o *Outcome) ([]protocol.Leg, error) {
	d := o.Dispute
	p := d.Params

	c := d.ChallengerStake
	mult := p.Multiplier(d.AttackType)

	var legs []protocol.Leg

	switch o.Verdict {
	case protocol.VerdictUpheld:
		slash := math.Min(d.ProposerStake*p.ProposerSlashRate, d.BranchStake)
		if o.Undefended {
			// No-show is an automatic concession with maximum slash.
			slash = math.Min(d.ProposerStake*p.ProposerSlashRate*p.UndefendedSlashFactor, d.ProposerStake)
		}
		if o.Conceded {
			slash *= p.PartialFraction
		}

		legs = append(legs,
			protocol.Leg{Kind: protocol.LegUnlock, From: d.ChallengerID, To: d.ChallengerID, Amount: c},
			protocol.Leg{Kind: protocol.LegSlash, From: d.ProposerID, To: d.ChallengerID, Amount: slash},
			protocol.Leg{Kind: protocol.LegReward, From: PoolAccount, To: d.ChallengerID, Amount: c * mult},
		)

	case protocol.VerdictPartial:
		f := p.PartialFraction
		slash := math.Min(d.ProposerStake*p.ProposerSlashRate, d.BranchStake) * f

		legs = append(legs,
			protocol.Leg{Kind: protocol.LegUnlock, From: d.ChallengerID, To: d.ChallengerID, Amount: c},
			protocol.Leg{Kind: protocol.LegSlash, From: d.ProposerID, To: d.ChallengerID, Amount: slash},
			protocol.Leg{Kind: protocol.LegReward, From: PoolAccount, To: d.ChallengerID, Amount: c * mult * f},
		)

	case protocol.VerdictRejected:
		pen := c * p.FailedChallengeRate

		legs = append(legs,
			protocol.Leg{Kind: protocol.LegSlash, From: d.ChallengerID, To: d.ProposerID, Amount: pen * p.ProposerSplit},
		)

		validatorShare := pen * p.ValidatorSplit
		var totalWeight float64
		for _, v := range o.MajorityVoters {
			totalWeight += v.Weight
		}
		if totalWeight > 0 {
			for _, v := range o.MajorityVoters {
				legs = append(legs, protocol.Leg{
					Kind:   protocol.LegSlash,
					From:   d.ChallengerID,
					To:     v.ID,
					Amount: validatorShare * v.Weight / totalWeight,
				})
			}
		} else {
			// No voters to reward (undefended rejections cannot occur,
			// but a voided panel can); burn the share instead.
			legs = append(legs, protocol.Leg{Kind: protocol.LegBurn, From: d.ChallengerID, To: BurnAccount, Amount: validatorShare})
		}

		legs = append(legs,
			protocol.Leg{Kind: protocol.LegBurn, From: d.ChallengerID, To: BurnAccount, Amount: pen * p.BurnSplit},
			protocol.Leg{Kind: protocol.LegUnlock, From: d.ChallengerID, To: d.ChallengerID, Amount: c - pen},
		)

	case protocol.VerdictVoided:
		legs = append(legs,
			protocol.Leg{Kind: protocol.LegUnlock, From: d.ChallengerID, To: d.ChallengerID, Amount: c},
		)

	default:
		return nil, errors.Errorf("unknown verdict %d", o.Verdict)
	}

	return legs, nil
}

// checkFeasible verifies every account can fund its legs before any
// mutation happens.
func (l *Ledger) checkFeasible(accounts map[protocol.ParticipantID]*protocol.Account, legs []protocol.Leg) error {
	lockedNeed := map[protocol.ParticipantID]float64{}
	availNeed := map[protocol.ParticipantID]float64{}

	for _, leg := range legs {
		switch leg.Kind {
		case protocol.LegUnlock, protocol.LegSlash, protocol.LegBurn:
			lockedNeed[leg.From] += leg.Amount
		case protocol.LegReward:
			availNeed[leg.From] += leg.Amount
		}
	}

	for id, need := range lockedNeed {
		if accounts[id].Locked < need-conservationTolerance {
			return errors.Wrapf(ErrInsufficientFunds, "account %s locked %.4f < %.4f", id, accounts[id].Locked, need)
		}
	}
	for id, need := range availNeed {
		if accounts[id].Available < need-conservationTolerance {
			return errors.Wrapf(ErrInsufficientFunds, "account %s available %.4f < %.4f", id, accounts[id].Available, need)
		}
	}

	return nil
}

// apply mutates balances for one leg and returns the amount burned.
func (l *Ledger) apply(accounts map[protocol.ParticipantID]*protocol.Account, leg protocol.Leg) float64 {
	switch leg.Kind {
	case protocol.LegUnlock:
		a := accounts[leg.From]
		a.Locked -= leg.Amount
		a.Available += leg.Amount

	case protocol.LegSlash:
		accounts[leg.From].Locked -= leg.Amount
		accounts[leg.To].Available += leg.Amount

	case protocol.LegReward:
		accounts[leg.From].Available -= leg.Amount
		accounts[leg.To].Available += leg.Amount

	case protocol.LegBurn:
		accounts[leg.From].Locked -= leg.Amount
		return leg.Amount
	}

	return 0
}

// Settled returns the stored settlement for a dispute, if any.
func (l *Ledger) Settled(id protocol.DisputeID) (*protocol.Settlement, bool) {
	l.settleMu.Lock()
	defer l.settleMu.Unlock()

	s, ok := l.settled[id]
	return s, ok
}

// Settlements returns every realized settlement, oldest first.
func (l *Ledger) Settlements() []*protocol.Settlement {
	l.settleMu.Lock()
	defer l.settleMu.Unlock()

	out := make([]*protocol.Settlement, 0, len(l.settled))
	for _, s := range l.settled {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })

	return out
}
