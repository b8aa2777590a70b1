package tree

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tcfw/dialectic/pkg/protocol"
)

type lockerStub struct {
	locked map[protocol.ParticipantID]float64
	err    error
}

func (l *lockerStub) Lock(_ context.Context, id protocol.ParticipantID, amount float64) error {
	if l.err != nil {
		return l.err
	}
	if l.locked == nil {
		l.locked = map[protocol.ParticipantID]float64{}
	}
	l.locked[id] += amount
	return nil
}

type auditStub struct {
	trees []*protocol.Tree
}

func (a *auditStub) AppendTree(_ context.Context, t *protocol.Tree) error {
	a.trees = append(a.trees, t)
	return nil
}

func newTestStore() (*MemStore, *lockerStub, *auditStub) {
	locker := &lockerStub{}
	audit := &auditStub{}
	return NewMemStore(protocol.DefaultParams(), locker, audit), locker, audit
}

func validTree(task protocol.TaskID, proposer protocol.ParticipantID) *protocol.Tree {
	nodes := map[protocol.NodeID]*protocol.Node{
		"root": {ID: "root", Kind: protocol.NodeKindConclusion, Claim: "the bridge is safe", Children: []protocol.NodeID{"p1", "p2"}},
		"p1":   {ID: "p1", Kind: protocol.NodeKindPremise, Claim: "load tested to 40t", EvidenceRef: "doc://load-test", Children: []protocol.NodeID{"s1"}},
		"p2":   {ID: "p2", Kind: protocol.NodeKindPremise, Claim: "inspected this year", EvidenceRef: "doc://inspection"},
		"s1":   {ID: "s1", Kind: protocol.NodeKindSubPremise, Claim: "test rig calibrated", EvidenceRef: "doc://rig-cal"},
	}

	c, err := Commitment(nodes)
	if err != nil {
		panic(err)
	}

	return &protocol.Tree{
		TaskID:     task,
		RootNodeID: "root",
		Nodes:      nodes,
		Commitment: c,
		ProposerID: proposer,
		TotalStake: 50,
	}
}

func TestCommitmentOrderIndependent(t *testing.T) {
	a := validTree("t1", "alice")
	b := validTree("t1", "alice")

	ca, err := Commitment(a.Nodes)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Commitment(b.Nodes)
	if err != nil {
		t.Fatal(err)
	}

	assert.True(t, ca.Equals(cb))
}

func TestCommitmentChangesWithContent(t *testing.T) {
	a := validTree("t1", "alice")
	b := validTree("t1", "alice")
	b.Nodes["p2"].Claim = "inspected last decade"

	ca, _ := Commitment(a.Nodes)
	cb, _ := Commitment(b.Nodes)

	assert.False(t, ca.Equals(cb))
}

func TestCommit(t *testing.T) {
	s, locker, audit := newTestStore()

	tr := validTree("t1", "alice")
	c, err := s.Commit(context.Background(), tr)
	if err != nil {
		t.Fatal(err)
	}

	assert.True(t, c.Equals(tr.Commitment))
	assert.Equal(t, 50.0, locker.locked["alice"])
	assert.Len(t, audit.trees, 1)
	assert.False(t, tr.SubmittedAt.IsZero())

	got, err := s.Get(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, tr, got)
}

func TestCommitDuplicate(t *testing.T) {
	s, _, _ := newTestStore()

	if _, err := s.Commit(context.Background(), validTree("t1", "alice")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Commit(context.Background(), validTree("t1", "bob"))
	assert.ErrorIs(t, err, ErrDuplicateCommit)
}

func TestCommitValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*protocol.Tree)
	}{
		{"root not conclusion", func(tr *protocol.Tree) {
			tr.Nodes["root"].Kind = protocol.NodeKindPremise
		}},
		{"missing evidence", func(tr *protocol.Tree) {
			tr.Nodes["p1"].EvidenceRef = ""
		}},
		{"unresolved child", func(tr *protocol.Tree) {
			tr.Nodes["p2"].Children = []protocol.NodeID{"ghost"}
		}},
		{"cycle", func(tr *protocol.Tree) {
			tr.Nodes["s1"].Children = []protocol.NodeID{"root"}
		}},
		{"unreachable node", func(tr *protocol.Tree) {
			tr.Nodes["orphan"] = &protocol.Node{ID: "orphan", Kind: protocol.NodeKindQualifier, Claim: "unless flooded"}
		}},
		{"stake below bound", func(tr *protocol.Tree) {
			tr.TotalStake = 1
		}},
		{"stake above bound", func(tr *protocol.Tree) {
			tr.TotalStake = 10000
		}},
		{"wrong node key", func(tr *protocol.Tree) {
			tr.Nodes["p2"].ID = "px"
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, locker, _ := newTestStore()

			tr := validTree("t-"+protocol.TaskID(tc.name), "alice")
			tc.mutate(tr)
			if c, err := Commitment(tr.Nodes); err == nil {
				tr.Commitment = c
			}

			_, err := s.Commit(context.Background(), tr)
			assert.ErrorIs(t, err, ErrInvalidStructure)
			assert.Zero(t, locker.locked["alice"])
		})
	}
}

func TestCommitCommitmentMismatch(t *testing.T) {
	s, _, _ := newTestStore()

	tr := validTree("t1", "alice")
	tr.Nodes["p2"].Claim = "changed after hashing"

	_, err := s.Commit(context.Background(), tr)
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestCommitTaskConstraints(t *testing.T) {
	s, _, _ := newTestStore()

	s.SetTask(&protocol.Task{ID: "t1", MaxDepth: 2, Deadline: time.Now().Add(time.Hour)})

	// Tree depth is 3 (root -> p1 -> s1).
	_, err := s.Commit(context.Background(), validTree("t1", "alice"))
	assert.ErrorIs(t, err, ErrInvalidStructure)

	s.SetTask(&protocol.Task{ID: "t2", MinNodes: 10, Deadline: time.Now().Add(time.Hour)})
	_, err = s.Commit(context.Background(), validTree("t2", "bob"))
	assert.ErrorIs(t, err, ErrInvalidStructure)

	s.SetTask(&protocol.Task{ID: "t3", Deadline: time.Now().Add(-time.Minute)})
	_, err = s.Commit(context.Background(), validTree("t3", "carol"))
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestCommitRateLimited(t *testing.T) {
	s, _, _ := newTestStore()

	if _, err := s.Commit(context.Background(), validTree("t1", "alice")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(context.Background(), validTree("t2", "alice")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Commit(context.Background(), validTree("t3", "alice"))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestGetNotFound(t *testing.T) {
	s, _, _ := newTestStore()

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBranchStake(t *testing.T) {
	tr := validTree("t1", "alice")

	// p1 subtree is p1 and s1: 2 of 4 nodes.
	assert.InDelta(t, 25.0, tr.BranchStake("p1"), 1e-9)
	assert.InDelta(t, 50.0, tr.BranchStake("root"), 1e-9)
	assert.InDelta(t, 12.5, tr.BranchStake("p2"), 1e-9)
}
