package dispute

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/pkg/consensus"
	"github.com/tcfw/dialectic/pkg/ledger"
	"github.com/tcfw/dialectic/pkg/protocol"
	"github.com/tcfw/dialectic/pkg/scheduler"
	"github.com/tcfw/dialectic/pkg/tree"
)

// velocityWindow is the trailing period the per-challenger velocity
// cap is measured over.
const velocityWindow = 24 * time.Hour

type auditor interface {
	AppendDispute(context.Context, *protocol.Dispute) error
	AppendVoid(context.Context, protocol.DisputeID, string) error
}

// flagSource answers whether a proposer/challenger pair has been barred
// by the collusion sweep.
type flagSource interface {
	Barred(a, b protocol.ParticipantID) bool
	AssumeRole(protocol.ParticipantID, protocol.Role) error
	ApplySettlement(ctx context.Context, d *protocol.Dispute, verdict protocol.Verdict, undefended bool)
	ApplyEscalationAlignment(ctx context.Context, d *protocol.Dispute, verdict protocol.Verdict)
}

type deadlines interface {
	Schedule(scheduler.Entry)
	Cancel(protocol.DisputeID, scheduler.TimerKind)
}

type triple struct {
	task       protocol.TaskID
	node       protocol.NodeID
	challenger protocol.ParticipantID
}

type tracked struct {
	mu sync.Mutex
	d  *protocol.Dispute
}

// Manager drives every dispute through challenge, defense,
// adjudication, escalation and settlement. All transitions for a given
// dispute are serialized under its lock, so transition logic needs no
// internal synchronization.
type Manager struct {
	trees      tree.Store
	ledger     *ledger.Ledger
	aggregator *consensus.Aggregator
	reputation flagSource
	timers     deadlines
	audit      auditor
	params     func() *protocol.Params
	logger     *logrus.Entry
	now        func() time.Time

	mu         sync.Mutex
	disputes   map[protocol.DisputeID]*tracked
	openTriple map[triple]protocol.DisputeID
	openCount  map[protocol.ParticipantID]int
	recent     map[protocol.ParticipantID][]time.Time
}

func NewManager(trees tree.Store, l *ledger.Ledger, agg *consensus.Aggregator, rep flagSource, timers deadlines, audit auditor, params func() *protocol.Params, logger *logrus.Entry) *Manager {
	return &Manager{
		trees:      trees,
		ledger:     l,
		aggregator: agg,
		reputation: rep,
		timers:     timers,
		audit:      audit,
		params:     params,
		logger:     logger,
		now:        time.Now,
		disputes:   make(map[protocol.DisputeID]*tracked),
		openTriple: make(map[triple]protocol.DisputeID),
		openCount:  make(map[protocol.ParticipantID]int),
		recent:     make(map[protocol.ParticipantID][]time.Time),
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OpenChallenge admits a challenge against one node of a committed
// tree. Admission runs the guard chain; a rejection names its reason
// and leaves the challenger's stake untouched.
func (m *Manager) OpenChallenge(ctx context.Context, ch *protocol.Challenge) (*protocol.Dispute, error) {
	t, err := m.trees.Get(ctx, ch.TaskID)
	if err != nil {
		if errors.Is(err, tree.ErrNotFound) {
			return nil, rejected(ReasonTreeNotFound)
		}
		return nil, errors.Wrap(err, "fetching tree")
	}

	acct, err := m.ledger.Account(ch.ChallengerID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching challenger account")
	}

	now := m.now()
	params := m.params()
	key := triple{ch.TaskID, ch.NodeID, ch.ChallengerID}

	m.mu.Lock()
	_, openForTriple := m.openTriple[key]
	adm := &admission{
		challenge:     ch,
		tree:          t,
		account:       acct,
		params:        params,
		now:           now,
		openForTriple: openForTriple,
		openCount:     m.openCount[ch.ChallengerID],
		recentCount:   m.recentWithin(ch.ChallengerID, now, velocityWindow),
		pairBarred:    m.reputation.Barred(t.ProposerID, ch.ChallengerID),
	}
	m.mu.Unlock()

	for _, g := range admissionGuards {
		if err := g(adm); err != nil {
			return nil, err
		}
	}

	if err := m.reputation.AssumeRole(ch.ChallengerID, protocol.RoleChallenger); err != nil {
		return nil, rejected(ReasonRoleLocked)
	}

	if err := m.ledger.Lock(ctx, ch.ChallengerID, ch.Stake); err != nil {
		return nil, errors.Wrap(err, "locking challenger stake")
	}

	d := &protocol.Dispute{
		ID:              protocol.DisputeID(uuid.NewString()),
		TaskID:          ch.TaskID,
		NodeID:          ch.NodeID,
		ProposerID:      t.ProposerID,
		ChallengerID:    ch.ChallengerID,
		AttackType:      ch.AttackType,
		ProposerStake:   t.TotalStake,
		ChallengerStake: ch.Stake,
		BranchStake:     t.BranchStake(ch.NodeID),
		State:           protocol.DisputeOpen,
		Votes:           make(map[protocol.ParticipantID]*protocol.Vote),
		OpenedAt:        now,
		DefenseDeadline: now.Add(params.DefenseWindow),
		Params:          params,
	}

	m.mu.Lock()
	m.disputes[d.ID] = &tracked{d: d}
	m.openTriple[key] = d.ID
	m.openCount[ch.ChallengerID]++
	m.recent[ch.ChallengerID] = append(m.recent[ch.ChallengerID], now)
	m.mu.Unlock()

	m.timers.Schedule(scheduler.Entry{Kind: scheduler.TimerDefense, DisputeID: d.ID, Due: d.DefenseDeadline})

	if err := m.audit.AppendDispute(ctx, d); err != nil {
		return nil, errors.Wrap(err, "auditing dispute open")
	}

	m.logger.WithField("dispute", d.ID).
		WithField("task", d.TaskID).
		WithField("node", d.NodeID).
		Info("dispute opened")

	return d, nil
}

func (m *Manager) recentWithin(id protocol.ParticipantID, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := m.recent[id][:0]
	for _, ts := range m.recent[id] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.recent[id] = kept

	return len(kept)
}

// Get returns a snapshot copy of a dispute.
func (m *Manager) Get(id protocol.DisputeID) (*protocol.Dispute, error) {
	tr, err := m.tracked(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	cp := *tr.d
	return &cp, nil
}

func (m *Manager) tracked(id protocol.DisputeID) (*tracked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}

	return tr, nil
}

// SubmitDefense records the proposer's response. A concession
// short-circuits adjudication and settles immediately with limited
// damage; refute and partial move the dispute into the validator pool.
func (m *Manager) SubmitDefense(ctx context.Context, id protocol.DisputeID, def *protocol.Defense) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	d := tr.d

	if d.State != protocol.DisputeOpen {
		return ErrWindowClosed
	}
	if m.now().After(d.DefenseDeadline) {
		return ErrWindowClosed
	}

	def.SubmittedAt = m.now()
	d.Defense = def
	d.State = protocol.DisputeDefended

	m.timers.Cancel(id, scheduler.TimerDefense)

	if def.Kind == protocol.DefenseConcede {
		return m.resolveLocked(ctx, d, protocol.VerdictUpheld, false, true)
	}

	m.startAdjudicationLocked(ctx, d)

	return nil
}

// startAdjudicationLocked moves the dispute into the validator pool:
// panel assignment, adjudication deadline and timer.
func (m *Manager) startAdjudicationLocked(ctx context.Context, d *protocol.Dispute) {
	d.State = protocol.DisputeAdjudicating
	d.Panel = m.aggregator.AssignPanel(d)
	d.AdjudicationDeadline = m.now().Add(d.Params.AdjudicationWindow)

	m.timers.Schedule(scheduler.Entry{Kind: scheduler.TimerAdjudication, DisputeID: d.ID, Due: d.AdjudicationDeadline})

	if err := m.audit.AppendDispute(ctx, d); err != nil {
		m.logger.WithError(err).Error("auditing adjudication start")
	}
}

// CastVote delegates to the aggregator under the dispute lock and
// resolves early once a side crosses the threshold.
func (m *Manager) CastVote(ctx context.Context, id protocol.DisputeID, validator protocol.ParticipantID, choice protocol.VoteChoice, confidence float64) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	d := tr.d

	if _, err := m.aggregator.CastVote(ctx, d, validator, choice, confidence); err != nil {
		return err
	}

	escalated := d.State == protocol.DisputeEscalated

	// Early resolution only once the whole panel has spoken; a partial
	// round can still swing and is tallied at the deadline instead.
	votes := d.Votes
	if escalated {
		votes = d.EscVotes
	}
	if len(votes) < len(d.Panel) {
		return nil
	}

	r, err := m.aggregator.Finalize(d)
	if err != nil {
		// The deadline tally decides whether to escalate.
		return nil
	}
	if escalated {
		m.timers.Cancel(id, scheduler.TimerEscalation)
	} else {
		m.timers.Cancel(id, scheduler.TimerAdjudication)
	}

	return m.resolveLocked(ctx, d, r.Verdict, m.undefended(d), false)
}

func (m *Manager) undefended(d *protocol.Dispute) bool {
	return d.Defense == nil
}

// OnDeadline is the scheduler callback driving timeout transitions.
// Timeouts are expected states, never failures to a caller.
func (m *Manager) OnDeadline(ctx context.Context, e scheduler.Entry) {
	tr, err := m.tracked(e.DisputeID)
	if err != nil {
		return
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	d := tr.d

	switch e.Kind {
	case scheduler.TimerDefense:
		m.onDefenseTimeoutLocked(ctx, d)
	case scheduler.TimerAdjudication:
		m.onAdjudicationTimeoutLocked(ctx, d)
	case scheduler.TimerEscalation:
		m.onEscalationTimeoutLocked(ctx, d)
	}
}

// onDefenseTimeoutLocked handles a missed defense window: an automatic
// concession. The dispute still passes through adjudication so the
// verdict is audited, but the default favors the challenger.
func (m *Manager) onDefenseTimeoutLocked(ctx context.Context, d *protocol.Dispute) {
	if d.State != protocol.DisputeOpen {
		return
	}

	d.State = protocol.DisputeUndefended

	m.logger.WithField("dispute", d.ID).Info("defense window elapsed with no defense")

	m.startAdjudicationLocked(ctx, d)
}

func (m *Manager) onAdjudicationTimeoutLocked(ctx context.Context, d *protocol.Dispute) {
	if d.State != protocol.DisputeAdjudicating {
		return
	}

	r, err := m.aggregator.Finalize(d)
	if err == nil {
		if err := m.resolveLocked(ctx, d, r.Verdict, m.undefended(d), false); err != nil {
			m.logger.WithError(err).Error("resolving at adjudication deadline")
		}
		return
	}

	if m.undefended(d) && r.TotalWeight == 0 {
		// Nobody voted on an undefended challenge; the default verdict
		// favors the challenger.
		if err := m.resolveLocked(ctx, d, protocol.VerdictUpheld, true, false); err != nil {
			m.logger.WithError(err).Error("resolving undefended dispute")
		}
		return
	}

	m.escalateLocked(ctx, d)
}

// escalateLocked hands the dispute to a smaller, arbiter-only panel
// with a simple-majority threshold and an extended window. The same
// dispute entity carries the second round.
func (m *Manager) escalateLocked(ctx context.Context, d *protocol.Dispute) {
	d.State = protocol.DisputeEscalated
	d.Escalated = true
	d.Panel = m.aggregator.AssignEscalationPanel(d)
	d.AdjudicationDeadline = m.now().Add(d.Params.EscalationWindow)

	m.timers.Schedule(scheduler.Entry{Kind: scheduler.TimerEscalation, DisputeID: d.ID, Due: d.AdjudicationDeadline})

	m.logger.WithField("dispute", d.ID).Info("dispute escalated")

	if err := m.audit.AppendDispute(ctx, d); err != nil {
		m.logger.WithError(err).Error("auditing escalation")
	}
}

func (m *Manager) onEscalationTimeoutLocked(ctx context.Context, d *protocol.Dispute) {
	if d.State != protocol.DisputeEscalated {
		return
	}

	r, err := m.aggregator.Finalize(d)

	verdict := r.Verdict
	if errors.Is(err, consensus.ErrNonConvergence) {
		// Even the arbiter panel failed to reach a majority. An
		// undefended challenge still defaults for the challenger;
		// anything else fails to prove its case.
		verdict = protocol.VerdictRejected
		if m.undefended(d) {
			verdict = protocol.VerdictUpheld
		}
	}

	if err := m.resolveLocked(ctx, d, verdict, m.undefended(d), false); err != nil {
		m.logger.WithError(err).Error("resolving at escalation deadline")
	}
}

// resolveLocked performs the terminal transition. The not-already-
// resolved check runs under the same lock as the ledger transaction,
// guaranteeing at-most-once settlement even under retries.
func (m *Manager) resolveLocked(ctx context.Context, d *protocol.Dispute, verdict protocol.Verdict, undefended, conceded bool) error {
	if d.State == protocol.DisputeResolved {
		return ErrAlreadyResolved
	}

	var voters []ledger.VoterShare
	for _, v := range consensus.MajorityVoters(d, verdict, d.Escalated) {
		voters = append(voters, ledger.VoterShare{ID: v.ValidatorID, Weight: v.Weight})
	}

	s, err := m.ledger.Settle(ctx, &ledger.Outcome{
		Dispute:        d,
		Verdict:        verdict,
		Undefended:     undefended,
		Conceded:       conceded,
		MajorityVoters: voters,
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyResolved) {
		return errors.Wrap(err, "settling dispute")
	}

	d.Verdict = verdict
	d.State = protocol.DisputeResolved
	d.ResolvedAt = m.now()

	m.mu.Lock()
	delete(m.openTriple, triple{d.TaskID, d.NodeID, d.ChallengerID})
	if m.openCount[d.ChallengerID] > 0 {
		m.openCount[d.ChallengerID]--
	}
	m.mu.Unlock()

	m.reputation.ApplySettlement(ctx, d, verdict, undefended)
	if d.Escalated {
		m.reputation.ApplyEscalationAlignment(ctx, d, verdict)
	}

	if err := m.audit.AppendDispute(ctx, d); err != nil {
		m.logger.WithError(err).Error("auditing resolution")
	}

	fields := logrus.Fields{"dispute": d.ID, "verdict": verdict.String()}
	if s != nil {
		fields["burned"] = s.Burned
	}
	m.logger.WithFields(fields).Info("dispute resolved")

	return nil
}

// Void is the administrative override for detected self-dealing or
// collusion: the sole exception to normal progression. Both stakes are
// released, nothing is transferred, and the triggering evidence is
// always logged.
func (m *Manager) Void(ctx context.Context, id protocol.DisputeID, evidence string) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	d := tr.d

	if d.State == protocol.DisputeResolved {
		return ErrAlreadyResolved
	}

	m.timers.Cancel(id, scheduler.TimerDefense)
	m.timers.Cancel(id, scheduler.TimerAdjudication)
	m.timers.Cancel(id, scheduler.TimerEscalation)

	d.Voided = true

	if err := m.resolveLocked(ctx, d, protocol.VerdictVoided, false, false); err != nil {
		return err
	}

	if err := m.audit.AppendVoid(ctx, id, evidence); err != nil {
		m.logger.WithError(err).Error("auditing void")
	}

	m.logger.WithField("dispute", id).
		WithField("evidence", evidence).
		Warn("dispute voided by administrative override")

	return nil
}

// OpenDisputes returns snapshots of every unresolved dispute.
func (m *Manager) OpenDisputes() []*protocol.Dispute {
	m.mu.Lock()
	trs := make([]*tracked, 0, len(m.disputes))
	for _, tr := range m.disputes {
		trs = append(trs, tr)
	}
	m.mu.Unlock()

	var out []*protocol.Dispute
	for _, tr := range trs {
		tr.mu.Lock()
		if tr.d.State != protocol.DisputeResolved {
			cp := *tr.d
			out = append(out, &cp)
		}
		tr.mu.Unlock()
	}

	return out
}
