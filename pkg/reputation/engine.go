package reputation

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// Accounts is the ledger slice the engine mutates through, so score
// changes share the per-account single-writer discipline.
type Accounts interface {
	Account(protocol.ParticipantID) (*protocol.Account, error)
	Update(protocol.ParticipantID, func(*protocol.Account)) error
	Validators() []*protocol.Account
	IDs() []protocol.ParticipantID
}

type auditor interface {
	AppendReputation(context.Context, *protocol.ReputationEvent) error
}

// Engine recomputes calibration, reputation, tier eligibility and rate
// limits after each settlement and each epoch boundary.
type Engine struct {
	accounts Accounts
	audit    auditor
	params   func() *protocol.Params
	logger   *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	epoch   uint64
	flagged map[pairKey]struct{}
}

type pairKey struct {
	a, b protocol.ParticipantID
}

func newPairKey(a, b protocol.ParticipantID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

func NewEngine(accounts Accounts, audit auditor, params func() *protocol.Params, logger *logrus.Entry) *Engine {
	return &Engine{
		accounts: accounts,
		audit:    audit,
		params:   params,
		logger:   logger,
		now:      time.Now,
		flagged:  make(map[pairKey]struct{}),
	}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Epoch returns the current epoch number.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.epoch
}

// ApplySettlement feeds the outcome of a resolved dispute back into the
// participants' scores: calibration for every voter, reputation deltas
// for the two principals.
func (e *Engine) ApplySettlement(ctx context.Context, d *protocol.Dispute, verdict protocol.Verdict, undefended bool) {
	p := d.Params
	confidence := weightedConfidence(d, verdict)

	for _, v := range d.Votes {
		e.applyVoterOutcome(ctx, d, v, verdict)
	}
	for _, v := range d.EscVotes {
		e.applyVoterOutcome(ctx, d, v, verdict)
	}

	var propDelta, chalDelta float64
	switch {
	case verdict == protocol.VerdictUpheld && undefended:
		propDelta, chalDelta = -p.Reps.NoShowLoss, p.Reps.NoShowWin
	case verdict == protocol.VerdictUpheld:
		propDelta, chalDelta = -p.Reps.ProposerLoss*confidence, p.Reps.ChallengerWin*confidence
	case verdict == protocol.VerdictRejected:
		propDelta, chalDelta = p.Reps.ProposerWin*confidence, -p.Reps.ChallengerLoss*confidence
	case verdict == protocol.VerdictPartial:
		propDelta, chalDelta = -p.Reps.PartialProposer*confidence, p.Reps.PartialChallenger*confidence
	case verdict == protocol.VerdictVoided:
		return
	}

	e.bumpReputation(ctx, d.ProposerID, "dispute_"+verdict.String(), propDelta)
	e.bumpReputation(ctx, d.ChallengerID, "dispute_"+verdict.String(), chalDelta)
}

// weightedConfidence averages the confidence of the votes that agreed
// with the verdict, weighted by their frozen vote weight.
func weightedConfidence(d *protocol.Dispute, verdict protocol.Verdict) float64 {
	votes := d.Votes
	if len(d.EscVotes) > 0 {
		votes = d.EscVotes
	}

	var sum, weight float64
	for _, v := range votes {
		if voteVerdict(v.Choice) != verdict {
			continue
		}
		sum += v.Confidence * v.Weight
		weight += v.Weight
	}

	if weight == 0 {
		return 1.0
	}
	return sum / weight
}

func voteVerdict(c protocol.VoteChoice) protocol.Verdict {
	switch c {
	case protocol.VoteUphold:
		return protocol.VerdictUpheld
	case protocol.VoteReject:
		return protocol.VerdictRejected
	case protocol.VotePartial:
		return protocol.VerdictPartial
	default:
		return 0
	}
}

func (e *Engine) applyVoterOutcome(ctx context.Context, d *protocol.Dispute, v *protocol.Vote, verdict protocol.Verdict) {
	p := d.Params

	if v.Choice == protocol.VoteAbstain {
		// Abstaining counts toward quorum but costs a little
		// calibration.
		e.adjustCalibration(ctx, v.ValidatorID, -p.AbstainPenalty, "abstain")
		return
	}

	indicator := 0.0
	if voteVerdict(v.Choice) == verdict {
		indicator = 1.0
	}

	sample := 1 - math.Abs(v.Confidence-indicator)
	e.blendCalibration(ctx, v.ValidatorID, sample, "settlement")

	e.accounts.Update(v.ValidatorID, func(a *protocol.Account) {
		a.VerdictCount++
		if indicator == 1 {
			a.CorrectCount++
		}
	})
}

// ApplyEscalationAlignment rewards original-round voters who sided with
// the eventual majority of an escalated dispute and penalizes the rest.
func (e *Engine) ApplyEscalationAlignment(ctx context.Context, d *protocol.Dispute, verdict protocol.Verdict) {
	p := d.Params

	for _, v := range d.Votes {
		if v.Choice == protocol.VoteAbstain {
			continue
		}

		if voteVerdict(v.Choice) == verdict {
			e.adjustCalibration(ctx, v.ValidatorID, p.MajorityAlignBonus, "escalation_aligned")
		} else {
			e.adjustCalibration(ctx, v.ValidatorID, -p.MajorityAlignPenalty, "escalation_misaligned")
		}
	}
}

// blendCalibration folds a new sample into the running
// exponentially-weighted average with the configured time constant.
func (e *Engine) blendCalibration(ctx context.Context, id protocol.ParticipantID, sample float64, kind string) {
	p := e.params()
	now := e.now()

	var ev *protocol.ReputationEvent
	e.accounts.Update(id, func(a *protocol.Account) {
		dt := now.Sub(a.CalibrationUpdatedAt)
		if a.CalibrationUpdatedAt.IsZero() || dt < 0 {
			dt = 24 * time.Hour
		}

		alpha := 1 - math.Exp(-float64(dt)/float64(p.CalibrationTimeConstant))
		prev := a.Calibration
		a.Calibration = clamp(prev+(sample-prev)*alpha, p.CalibrationFloor, p.CalibrationCeil)
		a.CalibrationUpdatedAt = now
		a.LastActivityEpoch = e.Epoch()

		ev = e.event(a, kind, a.Calibration-prev)
	})

	e.record(ctx, ev)
}

func (e *Engine) adjustCalibration(ctx context.Context, id protocol.ParticipantID, delta float64, kind string) {
	p := e.params()

	var ev *protocol.ReputationEvent
	e.accounts.Update(id, func(a *protocol.Account) {
		a.Calibration = clamp(a.Calibration+delta, p.CalibrationFloor, p.CalibrationCeil)
		a.LastActivityEpoch = e.Epoch()
		ev = e.event(a, kind, delta)
	})

	e.record(ctx, ev)
}

func (e *Engine) bumpReputation(ctx context.Context, id protocol.ParticipantID, kind string, delta float64) {
	var ev *protocol.ReputationEvent
	e.accounts.Update(id, func(a *protocol.Account) {
		a.Reputation = math.Max(0, a.Reputation+delta)
		ev = e.event(a, kind, delta)
	})

	e.record(ctx, ev)
}

func (e *Engine) event(a *protocol.Account, kind string, delta float64) *protocol.ReputationEvent {
	return &protocol.ReputationEvent{
		ParticipantID: a.ID,
		Kind:          kind,
		Delta:         delta,
		Calibration:   a.Calibration,
		Reputation:    a.Reputation,
		Tier:          a.Tier,
		Epoch:         e.Epoch(),
		At:            e.now(),
	}
}

func (e *Engine) record(ctx context.Context, ev *protocol.ReputationEvent) {
	if ev == nil {
		return
	}
	if err := e.audit.AppendReputation(ctx, ev); err != nil {
		e.logger.WithError(err).Error("auditing reputation event")
	}
}

// EpochBoundary runs the per-epoch housekeeping: inactivity decay, case
// count reset, role-lock expiry and tier re-evaluation. Promotion only
// ever happens here, never mid-dispute.
func (e *Engine) EpochBoundary(ctx context.Context) {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	p := e.params()
	now := e.now()

	for _, id := range e.accounts.IDs() {
		var ev *protocol.ReputationEvent

		e.accounts.Update(id, func(a *protocol.Account) {
			a.CasesThisEpoch = 0

			if !a.RoleLockedUntil.IsZero() && now.After(a.RoleLockedUntil) {
				a.RoleLockedUntil = time.Time{}
			}

			if a.LastActivityEpoch+1 < epoch {
				prev := a.Calibration
				a.Calibration = clamp(a.Calibration-p.CalibrationDecay, p.CalibrationFloor, p.CalibrationCeil)
				if a.Calibration != prev {
					ev = e.event(a, "epoch_decay", a.Calibration-prev)
				}
			}

			e.evaluateTier(a, p, now)
		})

		e.record(ctx, ev)
	}
}

func (e *Engine) evaluateTier(a *protocol.Account, p *protocol.Params, now time.Time) {
	// Demotion first: falling below the tier's calibration floor drops
	// one tier.
	tp := p.TierPolicyFor(a.Tier)
	if a.Calibration < tp.MinCalibration && a.Tier > protocol.TierScout {
		a.Tier--
		a.TierSince = now
		return
	}

	next := a.Tier + 1
	if next > protocol.TierArbiter {
		return
	}

	np := p.TierPolicyFor(next)
	stake := a.Available + a.Locked

	if stake < np.StakeRequired ||
		a.Calibration < np.MinCalibration ||
		a.VerdictCount < np.MinVerdicts ||
		now.Sub(a.TierSince) < np.MinTenure {
		return
	}

	if np.CleanSlashWindow > 0 && !a.LastSlashedAt.IsZero() &&
		now.Sub(a.LastSlashedAt) < np.CleanSlashWindow {
		return
	}

	a.Tier = next
	a.TierSince = now
}

// AssumeRole commits a participant to a role for the lock period.
// Switching before the period elapses is rejected, preventing
// same-epoch role arbitrage.
func (e *Engine) AssumeRole(id protocol.ParticipantID, role protocol.Role) error {
	p := e.params()
	now := e.now()

	var err error
	uerr := e.accounts.Update(id, func(a *protocol.Account) {
		if a.Role == role {
			return
		}
		if !a.RoleLockedUntil.IsZero() && now.Before(a.RoleLockedUntil) {
			err = ErrRoleLocked
			return
		}

		a.Role = role
		a.RoleLockedUntil = now.Add(p.RoleLockPeriod)
	})
	if uerr != nil {
		return uerr
	}

	return err
}

// Stats summarizes a validator's adjudication history.
type Stats struct {
	Tier        protocol.Tier
	Calibration float64
	Reputation  float64
	Verdicts    int
	Correct     int
	Accuracy    float64
	CasesEpoch  int
}

func (e *Engine) StatsFor(id protocol.ParticipantID) (*Stats, error) {
	a, err := e.accounts.Account(id)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Tier:        a.Tier,
		Calibration: a.Calibration,
		Reputation:  a.Reputation,
		Verdicts:    a.VerdictCount,
		Correct:     a.CorrectCount,
		CasesEpoch:  a.CasesThisEpoch,
	}
	if a.VerdictCount > 0 {
		s.Accuracy = float64(a.CorrectCount) / float64(a.VerdictCount)
	}

	return s, nil
}

// Barred reports whether a flagged pair is barred from interacting.
func (e *Engine) Barred(a, b protocol.ParticipantID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.flagged[newPairKey(a, b)]
	return ok
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
