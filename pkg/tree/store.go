package tree

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tcfw/dialectic/pkg/protocol"
)

const (
	maxTrackedTrees = 100000
	falsePositive   = 0.01

	submissionsPerHour = 6
	submissionBurst    = 2
)

type Store interface {
	Commit(context.Context, *protocol.Tree) (cid.Cid, error)
	Get(context.Context, protocol.TaskID) (*protocol.Tree, error)
}

// StakeLocker is the slice of the ledger the store needs: locking the
// proposer's stake once a submission has passed structural validation.
type StakeLocker interface {
	Lock(ctx context.Context, id protocol.ParticipantID, amount float64) error
}

type auditor interface {
	AppendTree(context.Context, *protocol.Tree) error
}

var _ Store = (*MemStore)(nil)

// MemStore is the authoritative tree store. Trees are write-once: there
// is no update or delete; corrections happen only through disputes.
type MemStore struct {
	mu    sync.RWMutex
	trees map[protocol.TaskID]*protocol.Tree
	seen  *bloom.BloomFilter

	tasks map[protocol.TaskID]*protocol.Task

	limMu    sync.Mutex
	limiters map[protocol.ParticipantID]*rate.Limiter

	params *protocol.Params
	locker StakeLocker
	audit  auditor
	now    func() time.Time
}

func NewMemStore(params *protocol.Params, locker StakeLocker, audit auditor) *MemStore {
	return &MemStore{
		trees:    make(map[protocol.TaskID]*protocol.Tree),
		seen:     bloom.NewWithEstimates(maxTrackedTrees, falsePositive),
		tasks:    make(map[protocol.TaskID]*protocol.Task),
		limiters: make(map[protocol.ParticipantID]*rate.Limiter),
		params:   params,
		locker:   locker,
		audit:    audit,
		now:      time.Now,
	}
}

// SetTask registers the external task-feed constraints that gate
// admission for its tree.
func (s *MemStore) SetTask(t *protocol.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t
}

func (s *MemStore) Commit(ctx context.Context, t *protocol.Tree) (cid.Cid, error) {
	if !s.limiter(t.ProposerID).Allow() {
		return cid.Undef, ErrRateLimited
	}

	s.mu.RLock()
	task := s.tasks[t.TaskID]
	var exists bool
	// Bloom miss proves the task id is new; only a hit needs the
	// authoritative map lookup.
	if s.seen.Test([]byte(t.TaskID)) {
		_, exists = s.trees[t.TaskID]
	}
	s.mu.RUnlock()

	if exists {
		return cid.Undef, ErrDuplicateCommit
	}

	if err := s.validate(t, task); err != nil {
		return cid.Undef, err
	}

	c, err := Commitment(t.Nodes)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "computing commitment")
	}
	if !c.Equals(t.Commitment) {
		return cid.Undef, errors.Wrap(ErrInvalidStructure, "commitment mismatch")
	}

	// Validation passed; only now does the submission enter the
	// economic system.
	if err := s.locker.Lock(ctx, t.ProposerID, t.TotalStake); err != nil {
		return cid.Undef, errors.Wrap(err, "locking proposer stake")
	}

	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = s.now()
	}

	s.mu.Lock()
	if _, ok := s.trees[t.TaskID]; ok {
		s.mu.Unlock()
		return cid.Undef, ErrDuplicateCommit
	}
	s.trees[t.TaskID] = t
	s.seen.Add([]byte(t.TaskID))
	s.mu.Unlock()

	if err := s.audit.AppendTree(ctx, t); err != nil {
		return cid.Undef, errors.Wrap(err, "auditing tree commit")
	}

	return c, nil
}

func (s *MemStore) Get(_ context.Context, id protocol.TaskID) (*protocol.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trees[id]
	if !ok {
		return nil, ErrNotFound
	}

	return t, nil
}

func (s *MemStore) limiter(id protocol.ParticipantID) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()

	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(submissionsPerHour)/3600), submissionBurst)
		s.limiters[id] = l
	}

	return l
}

func (s *MemStore) validate(t *protocol.Tree, task *protocol.Task) error {
	if len(t.Nodes) == 0 {
		return errors.Wrap(ErrInvalidStructure, "empty node set")
	}

	root, ok := t.Nodes[t.RootNodeID]
	if !ok {
		return errors.Wrap(ErrInvalidStructure, "root not in node set")
	}
	if root.Kind != protocol.NodeKindConclusion {
		return errors.Wrap(ErrInvalidStructure, "root must be a conclusion")
	}

	for id, n := range t.Nodes {
		if id != n.ID {
			return errors.Wrap(ErrInvalidStructure, "node keyed under wrong id")
		}
		if n.Kind.RequiresEvidence() && n.EvidenceRef == "" {
			return errors.Wrapf(ErrInvalidStructure, "node %s missing required evidence", id)
		}
		for _, c := range n.Children {
			if _, ok := t.Nodes[c]; !ok {
				return errors.Wrapf(ErrInvalidStructure, "child %s of node %s unresolved", c, id)
			}
		}
	}

	depth, reach, acyclic := walk(t)
	if !acyclic {
		return errors.Wrap(ErrInvalidStructure, "node graph contains a cycle")
	}
	if reach != len(t.Nodes) {
		return errors.Wrap(ErrInvalidStructure, "unreachable nodes present")
	}

	if task != nil {
		if task.MaxDepth > 0 && depth > task.MaxDepth {
			return errors.Wrapf(ErrInvalidStructure, "depth %d exceeds task max %d", depth, task.MaxDepth)
		}
		if task.MinNodes > 0 && len(t.Nodes) < task.MinNodes {
			return errors.Wrapf(ErrInvalidStructure, "node count %d below task min %d", len(t.Nodes), task.MinNodes)
		}
		if !task.Deadline.IsZero() && s.now().After(task.Deadline) {
			return errors.Wrap(ErrInvalidStructure, "task deadline elapsed")
		}
	}

	min, max, ok := s.params.StakeBoundsFor(len(t.Nodes))
	if !ok {
		return errors.Wrapf(ErrInvalidStructure, "no stake bound for %d nodes", len(t.Nodes))
	}
	if t.TotalStake < min || t.TotalStake > max {
		return errors.Wrapf(ErrInvalidStructure, "stake %.2f outside [%.2f, %.2f]", t.TotalStake, min, max)
	}

	return nil
}

// walk returns tree depth, reachable node count and acyclicity via an
// iterative DFS from the root.
func walk(t *protocol.Tree) (depth, reachable int, acyclic bool) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[protocol.NodeID]int, len(t.Nodes))
	maxDepth := 0

	type frame struct {
		id    protocol.NodeID
		depth int
		next  int
	}

	stack := []frame{{id: t.RootNodeID, depth: 1}}
	state[t.RootNodeID] = visiting

	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.depth > maxDepth {
			maxDepth = f.depth
		}

		node := t.Nodes[f.id]
		if f.next < len(node.Children) {
			c := node.Children[f.next]
			f.next++

			switch state[c] {
			case visiting:
				return 0, 0, false
			case unvisited:
				state[c] = visiting
				stack = append(stack, frame{id: c, depth: f.depth + 1})
			}
			continue
		}

		state[f.id] = done
		stack = stack[:len(stack)-1]
	}

	count := 0
	for _, s := range state {
		if s == done {
			count++
		}
	}

	return maxDepth, count, true
}
