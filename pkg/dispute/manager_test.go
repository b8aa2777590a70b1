package dispute

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/tcfw/dialectic/internal/storage"
	"github.com/tcfw/dialectic/pkg/consensus"
	"github.com/tcfw/dialectic/pkg/ledger"
	"github.com/tcfw/dialectic/pkg/protocol"
	"github.com/tcfw/dialectic/pkg/reputation"
	"github.com/tcfw/dialectic/pkg/scheduler"
	"github.com/tcfw/dialectic/pkg/tree"
)

type fakeTimers struct {
	scheduled []scheduler.Entry
	cancelled []scheduler.TimerKind
}

func (f *fakeTimers) Schedule(e scheduler.Entry) { f.scheduled = append(f.scheduled, e) }

func (f *fakeTimers) Cancel(_ protocol.DisputeID, k scheduler.TimerKind) {
	f.cancelled = append(f.cancelled, k)
}

func (f *fakeTimers) lastScheduled() scheduler.TimerKind {
	if len(f.scheduled) == 0 {
		return 0
	}
	return f.scheduled[len(f.scheduled)-1].Kind
}

type fixture struct {
	mgr    *Manager
	led    *ledger.Ledger
	store  *tree.MemStore
	agg    *consensus.Aggregator
	rep    *reputation.Engine
	timers *fakeTimers
	log    *storage.MemLog
}

func newFixture(t *testing.T, validators int) *fixture {
	t.Helper()

	logger := logrus.NewEntry(logrus.New())
	log := storage.NewMemLog()
	params := protocol.DefaultParams()
	pf := func() *protocol.Params { return params }

	led := ledger.New(ledger.NoopCustody{}, log, logger)
	led.Register("alice", 200)
	led.Register("bob", 200)
	led.Register(ledger.PoolAccount, 10000)

	for i := 0; i < validators; i++ {
		id := protocol.ParticipantID("val" + string(rune('a'+i)))
		led.Register(id, 500)
		led.Update(id, func(a *protocol.Account) { a.Role = protocol.RoleValidator })
	}

	store := tree.NewMemStore(params, led, log)
	agg := consensus.NewAggregator(led, log, logger)
	rep := reputation.NewEngine(led, log, pf, logger)
	timers := &fakeTimers{}

	f := &fixture{
		mgr:    NewManager(store, led, agg, rep, timers, log, pf, logger),
		led:    led,
		store:  store,
		agg:    agg,
		rep:    rep,
		timers: timers,
		log:    log,
	}

	f.commitTree(t)

	return f
}

func (f *fixture) commitTree(t *testing.T) {
	t.Helper()

	nodes := map[protocol.NodeID]*protocol.Node{
		"root": {ID: "root", Kind: protocol.NodeKindConclusion, Claim: "the bridge is safe", Children: []protocol.NodeID{"p1", "p2"}},
		"p1":   {ID: "p1", Kind: protocol.NodeKindPremise, Claim: "load tested to 40t", EvidenceRef: "doc://load-test", Children: []protocol.NodeID{"s1"}},
		"p2":   {ID: "p2", Kind: protocol.NodeKindPremise, Claim: "inspected this year", EvidenceRef: "doc://inspection"},
		"s1":   {ID: "s1", Kind: protocol.NodeKindSubPremise, Claim: "test rig calibrated", EvidenceRef: "doc://rig-cal"},
	}

	c, err := tree.Commitment(nodes)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.Commit(context.Background(), &protocol.Tree{
		TaskID:     "t1",
		RootNodeID: "root",
		Nodes:      nodes,
		Commitment: c,
		ProposerID: "alice",
		TotalStake: 50,
	}); err != nil {
		t.Fatal(err)
	}
}

func challenge(node protocol.NodeID, stake float64) *protocol.Challenge {
	return &protocol.Challenge{
		TaskID:       "t1",
		NodeID:       node,
		ChallengerID: "bob",
		AttackType:   protocol.AttackLogicalFallacy,
		Stake:        stake,
	}
}

func TestOpenChallenge(t *testing.T) {
	f := newFixture(t, 0)

	d, err := f.mgr.OpenChallenge(context.Background(), challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, protocol.DisputeOpen, d.State)
	assert.Equal(t, protocol.ParticipantID("alice"), d.ProposerID)
	assert.InDelta(t, 25.0, d.BranchStake, 1e-9)
	assert.NotNil(t, d.Params)
	assert.Equal(t, scheduler.TimerDefense, f.timers.lastScheduled())

	bob, _ := f.led.Account("bob")
	assert.InDelta(t, 15.0, bob.Locked, 1e-9)

	assert.Len(t, f.mgr.OpenDisputes(), 1)
}

func TestOpenChallengeRejections(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		ch     *protocol.Challenge
		reason Reason
	}{
		{"unknown tree", &protocol.Challenge{TaskID: "ghost", NodeID: "p1", ChallengerID: "bob", Stake: 15}, ReasonTreeNotFound},
		{"unknown node", challenge("ghost", 15), ReasonNodeNotFound},
		{"self challenge", &protocol.Challenge{TaskID: "t1", NodeID: "p1", ChallengerID: "alice", Stake: 15}, ReasonSelfChallenge},
		{"stake below minimum", challenge("p1", 4), ReasonStakeTooLow},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.OpenChallenge(ctx, tc.ch)
			reason, ok := RejectionReason(err)
			assert.True(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}

	// Rejections never touch the challenger's stake.
	bob, _ := f.led.Account("bob")
	assert.Zero(t, bob.Locked)
}

func TestOpenChallengeDuplicate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15)); err != nil {
		t.Fatal(err)
	}

	_, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	reason, ok := RejectionReason(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonDuplicateDispute, reason)

	// A different node on the same tree is a distinct dispute.
	_, err = f.mgr.OpenChallenge(ctx, challenge("p2", 15))
	assert.NoError(t, err)
}

func TestOpenChallengeVelocity(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// Reputation 1.0 caps at floor(sqrt(1)) + 2 = 3 challenges per day.
	for _, n := range []protocol.NodeID{"p1", "p2", "s1"} {
		if _, err := f.mgr.OpenChallenge(ctx, challenge(n, 15)); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.mgr.OpenChallenge(ctx, challenge("root", 15))
	reason, ok := RejectionReason(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonVelocity, reason)
}

func TestOpenChallengeBarredPair(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// A one-sided verdict run flags the proposer/challenger pair; the
	// bar then blocks any new challenge between them.
	var history []*protocol.Settlement
	for i := 0; i < protocol.DefaultParams().OneSidedRunThreshold; i++ {
		history = append(history, &protocol.Settlement{
			ProposerID:   "alice",
			ChallengerID: "bob",
			Verdict:      protocol.VerdictUpheld,
		})
	}
	f.rep.DetectCollusion(ctx, history)

	_, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	reason, ok := RejectionReason(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonBarredPair, reason)
	assert.ErrorIs(t, err, reputation.ErrBarredPair)

	bob, _ := f.led.Account("bob")
	assert.Zero(t, bob.Locked)
}

func TestSubmitDefenseConcede(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseConcede}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictUpheld, got.Verdict)
	assert.Contains(t, f.timers.cancelled, scheduler.TimerDefense)

	// Conceding halves the slash: min(50 x 0.30, 25) x 0.5 = 7.5.
	s, ok := f.led.Settled(d.ID)
	assert.True(t, ok)
	assert.InDelta(t, -7.5, s.Delta("alice"), 1e-9)

	// Reputation follows the verdict.
	alice, _ := f.led.Account("alice")
	bob, _ := f.led.Account("bob")
	assert.InDelta(t, 0.90, alice.Reputation, 1e-9)
	assert.InDelta(t, 1.05, bob.Reputation, 1e-9)
}

func TestSubmitDefenseRefute(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseRefute, Response: "rig recertified in march"}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeAdjudicating, got.State)
	assert.NotEmpty(t, got.Panel)
	assert.False(t, got.AdjudicationDeadline.IsZero())
	assert.Equal(t, scheduler.TimerAdjudication, f.timers.lastScheduled())

	// The window closed once the defense landed.
	err = f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseConcede})
	assert.ErrorIs(t, err, ErrWindowClosed)
}

func TestCastVoteResolves(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseRefute}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)

	if err := f.mgr.CastVote(ctx, d.ID, got.Panel[0], protocol.VoteUphold, 0.9); err != nil {
		t.Fatal(err)
	}

	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictUpheld, got.Verdict)

	// Challenger nets stake slash plus the 2.5x logical fallacy reward.
	s, ok := f.led.Settled(d.ID)
	assert.True(t, ok)
	assert.InDelta(t, 52.5, s.Delta("bob"), 1e-9)

	assert.Empty(t, f.mgr.OpenDisputes())
}

func TestRejectedChallenge(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseRefute}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)
	voter := got.Panel[0]

	if err := f.mgr.CastVote(ctx, d.ID, voter, protocol.VoteReject, 0.8); err != nil {
		t.Fatal(err)
	}

	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.VerdictRejected, got.Verdict)

	// Penalty 7.5 splits 60/30/10; the sole majority voter takes the full
	// validator share.
	s, _ := f.led.Settled(d.ID)
	assert.InDelta(t, -7.5, s.Delta("bob"), 1e-9)
	assert.InDelta(t, 4.5, s.Delta("alice"), 1e-9)
	assert.InDelta(t, 2.25, s.Delta(voter), 1e-9)
	assert.InDelta(t, 0.75, s.Burned, 1e-9)

	bob, _ := f.led.Account("bob")
	assert.Less(t, bob.Reputation, 1.0)
}

func TestDefenseTimeout(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerDefense, DisputeID: d.ID})

	got, _ := f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeAdjudicating, got.State)
	assert.Nil(t, got.Defense)

	// Nobody votes: the undefended dispute defaults for the challenger
	// with the no-show slash of 50 x 0.30 x 1.5 = 22.5.
	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerAdjudication, DisputeID: d.ID})

	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictUpheld, got.Verdict)

	s, _ := f.led.Settled(d.ID)
	assert.InDelta(t, -22.5, s.Delta("alice"), 1e-9)

	// No-show reputation penalty.
	alice, _ := f.led.Account("alice")
	assert.InDelta(t, 0.85, alice.Reputation, 1e-9)
}

func TestEscalation(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// Two arbiters for the escalated round.
	for _, id := range []protocol.ParticipantID{"vald", "vale"} {
		f.led.Update(id, func(a *protocol.Account) {
			a.Tier = protocol.TierArbiter
			a.Calibration = 0.9
		})
	}

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseRefute}); err != nil {
		t.Fatal(err)
	}

	// A dead-even split between two equal-weight scouts cannot cross the
	// 0.6 threshold.
	got, _ := f.mgr.Get(d.ID)
	var scouts []protocol.ParticipantID
	for _, id := range got.Panel {
		if id != "vald" && id != "vale" {
			scouts = append(scouts, id)
		}
	}
	if err := f.mgr.CastVote(ctx, d.ID, scouts[0], protocol.VoteUphold, 0.6); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.CastVote(ctx, d.ID, scouts[1], protocol.VoteReject, 0.6); err != nil {
		t.Fatal(err)
	}

	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerAdjudication, DisputeID: d.ID})

	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeEscalated, got.State)
	assert.True(t, got.Escalated)
	assert.Equal(t, scheduler.TimerEscalation, f.timers.lastScheduled())

	// The arbiter round needs only a simple majority.
	for _, id := range got.Panel {
		if err := f.mgr.CastVote(ctx, d.ID, id, protocol.VoteUphold, 0.9); err != nil {
			t.Fatal(err)
		}
	}

	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictUpheld, got.Verdict)
}

func TestEscalationNonConvergence(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseRefute}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)
	if err := f.mgr.CastVote(ctx, d.ID, got.Panel[0], protocol.VoteUphold, 0.6); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.CastVote(ctx, d.ID, got.Panel[1], protocol.VoteReject, 0.6); err != nil {
		t.Fatal(err)
	}

	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerAdjudication, DisputeID: d.ID})
	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerEscalation, DisputeID: d.ID})

	// A defended dispute that never converges fails to prove its case.
	got, _ = f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictRejected, got.Verdict)
}

func TestVoid(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.Void(ctx, d.ID, "shared funding source detected"); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mgr.Get(d.ID)
	assert.Equal(t, protocol.DisputeResolved, got.State)
	assert.Equal(t, protocol.VerdictVoided, got.Verdict)
	assert.True(t, got.Voided)

	// Stakes release without transfer.
	bob, _ := f.led.Account("bob")
	assert.InDelta(t, 200.0, bob.Available, 1e-9)
	assert.Zero(t, bob.Locked)

	assert.ErrorIs(t, f.mgr.Void(ctx, d.ID, "again"), ErrAlreadyResolved)
}

func TestResolveAtMostOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	d, err := f.mgr.OpenChallenge(ctx, challenge("p1", 15))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.SubmitDefense(ctx, d.ID, &protocol.Defense{Kind: protocol.DefenseConcede}); err != nil {
		t.Fatal(err)
	}

	// A late defense timer fires against the resolved dispute and must
	// not settle again.
	bobBefore, _ := f.led.Account("bob")
	f.mgr.OnDeadline(ctx, scheduler.Entry{Kind: scheduler.TimerDefense, DisputeID: d.ID})

	bobAfter, _ := f.led.Account("bob")
	assert.Equal(t, bobBefore.Available, bobAfter.Available)
}
