package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// AccountSource is the slice of the ledger the aggregator works
// against. It never writes balances; Update is used only to count
// panel assignments against the per-epoch case cap.
type AccountSource interface {
	Account(protocol.ParticipantID) (*protocol.Account, error)
	Validators() []*protocol.Account
	Update(protocol.ParticipantID, func(*protocol.Account)) error
}

type auditor interface {
	AppendVote(context.Context, protocol.DisputeID, *protocol.Vote) error
}

// Result is the outcome of a weighted tally over a dispute's votes. The
// computation is a sum over a set: idempotent and order-independent.
type Result struct {
	Verdict     protocol.Verdict
	Share       float64
	TotalWeight float64
	ByChoice    map[protocol.VoteChoice]float64
	Converged   bool
	Suspicious  bool
}

// Aggregator collects adjudicator votes, computes weighted consensus
// and detects non-convergence. It is the only writer of Vote.Weight:
// weight is computed at cast time and frozen, so later calibration
// changes never retroactively alter a historical vote's influence.
type Aggregator struct {
	accounts AccountSource
	audit    auditor
	logger   *logrus.Entry
	now      func() time.Time

	mu         sync.Mutex
	panelStake map[protocol.DisputeID]float64
	recent     map[protocol.ParticipantID][]challengerVote
	suspicion  map[protocol.ParticipantID]time.Time
}

type challengerVote struct {
	challenger protocol.ParticipantID
	at         time.Time
}

func NewAggregator(accounts AccountSource, audit auditor, logger *logrus.Entry) *Aggregator {
	return &Aggregator{
		accounts:   accounts,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
		panelStake: make(map[protocol.DisputeID]float64),
		recent:     make(map[protocol.ParticipantID][]challengerVote),
		suspicion:  make(map[protocol.ParticipantID]time.Time),
	}
}

// SetClock overrides the time source, for tests.
func (g *Aggregator) SetClock(now func() time.Time) { g.now = now }

// AssignPanel selects the adjudication pool for a dispute. Selection is
// stake/tier-weighted pseudo-random, seeded by the dispute id, so it is
// deterministic and reproducible for audit.
func (g *Aggregator) AssignPanel(d *protocol.Dispute) []protocol.ParticipantID {
	candidates := g.eligibleCandidates(d, false)
	panel := selectPanel(d.ID, candidates, d.Params, d.Params.PanelSize)

	g.rememberPanelStake(d, panel)
	g.chargeCaseLoad(panel)

	return panel
}

// AssignEscalationPanel selects the smaller, arbiter-only panel for an
// escalated round.
func (g *Aggregator) AssignEscalationPanel(d *protocol.Dispute) []protocol.ParticipantID {
	candidates := g.eligibleCandidates(d, true)
	panel := selectPanel(d.ID+":escalated", candidates, d.Params, d.Params.EscalationPanelSize)

	g.rememberPanelStake(d, panel)
	g.chargeCaseLoad(panel)

	return panel
}

// chargeCaseLoad counts an assignment against each panellist's
// per-epoch case cap. The counter resets at the epoch boundary.
func (g *Aggregator) chargeCaseLoad(panel []protocol.ParticipantID) {
	for _, id := range panel {
		if err := g.accounts.Update(id, func(a *protocol.Account) {
			a.CasesThisEpoch++
		}); err != nil {
			g.logger.WithError(err).
				WithField("validator", id).
				Error("charging case load")
		}
	}
}

func (g *Aggregator) rememberPanelStake(d *protocol.Dispute, panel []protocol.ParticipantID) {
	var total float64
	for _, id := range panel {
		a, err := g.accounts.Account(id)
		if err != nil {
			continue
		}
		total += a.Available + a.Locked
	}

	g.mu.Lock()
	g.panelStake[d.ID] = total
	g.mu.Unlock()
}

func (g *Aggregator) eligibleCandidates(d *protocol.Dispute, arbitersOnly bool) []*protocol.Account {
	var out []*protocol.Account

	for _, a := range g.accounts.Validators() {
		if a.Halted || a.ID == d.ProposerID || a.ID == d.ChallengerID {
			continue
		}
		if arbitersOnly && a.Tier != protocol.TierArbiter {
			continue
		}
		if a.Calibration < d.Params.TierPolicyFor(a.Tier).MinCalibration {
			continue
		}

		tp := d.Params.TierPolicyFor(a.Tier)
		if tp.MaxCasesPerEpoch > 0 && a.CasesThisEpoch >= tp.MaxCasesPerEpoch {
			continue
		}

		out = append(out, a)
	}

	return out
}

// CastVote records a validator's verdict on a dispute. The caller holds
// the dispute's lock; the aggregator serializes only its own collusion
// bookkeeping.
func (g *Aggregator) CastVote(ctx context.Context, d *protocol.Dispute, validator protocol.ParticipantID, choice protocol.VoteChoice, confidence float64) (*protocol.Vote, error) {
	now := g.now()

	deadline := d.AdjudicationDeadline
	escalation := d.State == protocol.DisputeEscalated

	switch d.State {
	case protocol.DisputeAdjudicating, protocol.DisputeEscalated:
	default:
		return nil, ErrWindowClosed
	}
	if now.After(deadline) {
		return nil, ErrWindowClosed
	}

	inPanel := false
	for _, id := range d.Panel {
		if id == validator {
			inPanel = true
			break
		}
	}
	if !inPanel {
		return nil, errors.Wrap(ErrNotEligible, "not in assigned panel")
	}

	a, err := g.accounts.Account(validator)
	if err != nil {
		return nil, errors.Wrap(ErrNotEligible, "unknown validator")
	}
	if a.Role != protocol.RoleValidator {
		return nil, errors.Wrap(ErrNotEligible, "role-locked out of validator role")
	}

	round := roundVotes(d, escalation)
	if _, ok := round[validator]; ok {
		return nil, ErrAlreadyVoted
	}

	g.trackChallengerVotes(validator, d.ChallengerID, d.Params, now)

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	v := &protocol.Vote{
		ValidatorID: validator,
		Choice:      choice,
		Confidence:  confidence,
		Weight:      g.voteWeight(d, a),
		Escalation:  escalation,
		CastAt:      now,
	}

	if escalation {
		if d.EscVotes == nil {
			d.EscVotes = make(map[protocol.ParticipantID]*protocol.Vote)
		}
		d.EscVotes[validator] = v
	} else {
		if d.Votes == nil {
			d.Votes = make(map[protocol.ParticipantID]*protocol.Vote)
		}
		d.Votes[validator] = v
	}

	if err := g.audit.AppendVote(ctx, d.ID, v); err != nil {
		return nil, errors.Wrap(err, "auditing vote")
	}

	return v, nil
}

// voteWeight computes stakeShare x clamped calibration x tier
// multiplier against the panel stake snapshot taken at assignment.
func (g *Aggregator) voteWeight(d *protocol.Dispute, a *protocol.Account) float64 {
	g.mu.Lock()
	total := g.panelStake[d.ID]
	g.mu.Unlock()

	if total <= 0 {
		return 0
	}

	stakeShare := (a.Available + a.Locked) / total

	cal := a.Calibration
	if cal < 0.5 {
		cal = 0.5
	}
	if cal > 1.5 {
		cal = 1.5
	}

	return stakeShare * cal * d.Params.TierPolicyFor(a.Tier).WeightMultiplier
}

// trackChallengerVotes enforces the collusion guard: voting on more
// than the limit of disputes from the same challenger in the trailing
// window flips the validator into suspicion mode for the suspicion
// period rather than blocking the vote outright.
func (g *Aggregator) trackChallengerVotes(validator, challenger protocol.ParticipantID, p *protocol.Params, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-p.CollusionVoteWindow)
	kept := g.recent[validator][:0]
	count := 0
	for _, cv := range g.recent[validator] {
		if cv.at.Before(cutoff) {
			continue
		}
		kept = append(kept, cv)
		if cv.challenger == challenger {
			count++
		}
	}

	kept = append(kept, challengerVote{challenger: challenger, at: now})
	g.recent[validator] = kept

	if count+1 > p.CollusionVoteLimit {
		g.suspicion[validator] = now.Add(p.SuspicionPeriod)
		g.logger.WithField("validator", validator).
			WithField("challenger", challenger).
			Warn("validator entered suspicion mode")
	}
}

// Suspected reports whether a validator is currently in suspicion mode.
func (g *Aggregator) Suspected(id protocol.ParticipantID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.suspicion[id]
	return ok && g.now().Before(until)
}

// Tally computes the weighted consensus over a dispute's votes for the
// current round. Abstain votes count toward the quorum denominator but
// toward neither side's weighted sum. Votes from suspected validators
// raise the crossing threshold for the round instead of being dropped.
func (g *Aggregator) Tally(d *protocol.Dispute) *Result {
	escalation := d.State == protocol.DisputeEscalated

	byChoice := make(map[protocol.VoteChoice]float64)
	var total float64
	suspicious := false

	for _, v := range roundVotes(d, escalation) {
		total += v.Weight
		if v.Choice != protocol.VoteAbstain {
			byChoice[v.Choice] += v.Weight
		}
		if g.Suspected(v.ValidatorID) {
			suspicious = true
		}
	}

	r := &Result{
		ByChoice:    byChoice,
		TotalWeight: total,
		Suspicious:  suspicious,
	}

	if total <= 0 {
		return r
	}

	threshold := d.Params.ConsensusThreshold
	if escalation {
		threshold = d.Params.EscalationThreshold
	}
	if suspicious && d.Params.SuspicionThreshold > threshold {
		threshold = d.Params.SuspicionThreshold
	}

	var bestChoice protocol.VoteChoice
	var best, second float64
	for c, w := range byChoice {
		if w > best {
			second = best
			best = w
			bestChoice = c
		} else if w > second {
			second = w
		}
	}

	share := best / total
	tied := best-second <= d.Params.TieTolerance*total

	if share > threshold && !tied {
		r.Converged = true
		r.Share = share
		r.Verdict = verdictFor(bestChoice)
	} else {
		r.Share = share
	}

	return r
}

// Finalize tallies the round at its deadline. ErrNonConvergence is the
// escalation trigger, not a failure: no side crossed the threshold and
// the dispute moves to the next round instead of resolving.
func (g *Aggregator) Finalize(d *protocol.Dispute) (*Result, error) {
	r := g.Tally(d)
	if !r.Converged {
		return r, ErrNonConvergence
	}

	return r, nil
}

// MajorityVoters returns the voters whose choice matched the final
// verdict in the given round, with their frozen weights.
func MajorityVoters(d *protocol.Dispute, verdict protocol.Verdict, escalation bool) []*protocol.Vote {
	var out []*protocol.Vote

	for _, v := range roundVotes(d, escalation) {
		if verdictFor(v.Choice) == verdict {
			out = append(out, v)
		}
	}

	return out
}

// roundVotes returns the vote map for the requested round.
func roundVotes(d *protocol.Dispute, escalation bool) map[protocol.ParticipantID]*protocol.Vote {
	if escalation {
		return d.EscVotes
	}
	return d.Votes
}

func verdictFor(c protocol.VoteChoice) protocol.Verdict {
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
