package protocol

import (
	"time"

	"github.com/ipfs/go-cid"
)

type (
	TaskID        string
	NodeID        string
	DisputeID     string
	ParticipantID string
)

// Node is a single claim in a reasoning tree. Nodes are owned by exactly
// one tree and are never shared.
type Node struct {
	ID          NodeID   `msgpack:"i"`
	Kind        NodeKind `msgpack:"k"`
	Claim       string   `msgpack:"c"`
	EvidenceRef string   `msgpack:"e,omitempty"`
	Children    []NodeID `msgpack:"n,omitempty"`
}

// Tree is a committed reasoning tree. Immutable once accepted by the
// tree store; corrections happen only through disputes.
type Tree struct {
	TaskID      TaskID           `msgpack:"t"`
	RootNodeID  NodeID           `msgpack:"r"`
	Nodes       map[NodeID]*Node `msgpack:"n"`
	Commitment  cid.Cid          `msgpack:"h"`
	ProposerID  ParticipantID    `msgpack:"p"`
	TotalStake  float64          `msgpack:"s"`
	SubmittedAt time.Time        `msgpack:"a"`
}

// BranchStake apportions the tree's total stake to the subtree rooted at
// id, pro-rata by node count.
func (t *Tree) BranchStake(id NodeID) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}

	count := 0
	queue := []NodeID{id}
	seen := map[NodeID]struct{}{}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}

		node, ok := t.Nodes[n]
		if !ok {
			continue
		}
		count++
		queue = append(queue, node.Children...)
	}

	return t.TotalStake * float64(count) / float64(len(t.Nodes))
}

// Task carries the externally supplied constraints that gate tree
// admission.
type Task struct {
	ID       TaskID    `msgpack:"i"`
	Domain   string    `msgpack:"d"`
	Prompt   string    `msgpack:"p"`
	MaxDepth int       `msgpack:"md,omitempty"`
	MinNodes int       `msgpack:"mn,omitempty"`
	Deadline time.Time `msgpack:"e"`
}

// Challenge is an attack on a single node of a committed tree.
type Challenge struct {
	TaskID       TaskID        `msgpack:"t"`
	NodeID       NodeID        `msgpack:"n"`
	ChallengerID ParticipantID `msgpack:"c"`
	AttackType   AttackType    `msgpack:"a"`
	Argument     string        `msgpack:"g,omitempty"`
	EvidenceRef  string        `msgpack:"e,omitempty"`
	Stake        float64       `msgpack:"s"`
}

// Defense is the proposer's response to a challenge.
type Defense struct {
	Kind        DefenseKind `msgpack:"k"`
	Response    string      `msgpack:"r,omitempty"`
	EvidenceRef string      `msgpack:"e,omitempty"`
	SubmittedAt time.Time   `msgpack:"a"`
}

// Vote is a validator's verdict on a dispute. Weight is computed once at
// cast time by the aggregator and is immutable thereafter.
type Vote struct {
	ValidatorID ParticipantID `msgpack:"v"`
	Choice      VoteChoice    `msgpack:"c"`
	Confidence  float64       `msgpack:"f"`
	Weight      float64       `msgpack:"w"`
	Escalation  bool          `msgpack:"e,omitempty"`
	CastAt      time.Time     `msgpack:"t"`
}

// Dispute tracks one challenge against one node through its lifecycle.
type Dispute struct {
	ID           DisputeID     `msgpack:"i"`
	TaskID       TaskID        `msgpack:"t"`
	NodeID       NodeID        `msgpack:"n"`
	ProposerID   ParticipantID `msgpack:"p"`
	ChallengerID ParticipantID `msgpack:"c"`
	AttackType   AttackType    `msgpack:"a"`

	ProposerStake   float64 `msgpack:"ps"`
	ChallengerStake float64 `msgpack:"cs"`
	BranchStake     float64 `msgpack:"bs"`

	State     DisputeState `msgpack:"s"`
	Defense   *Defense     `msgpack:"d,omitempty"`
	Verdict   Verdict      `msgpack:"v,omitempty"`
	Voided    bool         `msgpack:"vd,omitempty"`
	Escalated bool         `msgpack:"es,omitempty"`

	Panel []ParticipantID `msgpack:"pl,omitempty"`

	// Votes holds the first adjudication round, EscVotes the escalated
	// round. A validator may appear in both.
	Votes    map[ParticipantID]*Vote `msgpack:"vs,omitempty"`
	EscVotes map[ParticipantID]*Vote `msgpack:"ev,omitempty"`

	OpenedAt             time.Time `msgpack:"o"`
	DefenseDeadline      time.Time `msgpack:"dd"`
	AdjudicationDeadline time.Time `msgpack:"ad,omitempty"`
	ResolvedAt           time.Time `msgpack:"ra,omitempty"`

	// Params in force when the dispute opened. Later config changes
	// never retroactively alter an open dispute.
	Params *Params `msgpack:"pr"`
}

// Account is the ledger view of a participant.
type Account struct {
	ID              ParticipantID `msgpack:"i"`
	Role            Role          `msgpack:"r,omitempty"`
	RoleLockedUntil time.Time     `msgpack:"rl,omitempty"`

	Available float64 `msgpack:"a"`
	Locked    float64 `msgpack:"l"`

	Reputation  float64 `msgpack:"p"`
	Calibration float64 `msgpack:"c"`
	Tier        Tier    `msgpack:"t"`

	VerdictCount   int `msgpack:"vc,omitempty"`
	CorrectCount   int `msgpack:"cc,omitempty"`
	CasesThisEpoch int `msgpack:"ce,omitempty"`

	TierSince            time.Time `msgpack:"ts,omitempty"`
	LastActivityEpoch    uint64    `msgpack:"le,omitempty"`
	LastSlashedAt        time.Time `msgpack:"ls,omitempty"`
	CalibrationUpdatedAt time.Time `msgpack:"cu,omitempty"`

	// Halted marks an account frozen for manual reconciliation after a
	// detected conservation violation. No settlement may touch it.
	Halted bool `msgpack:"h,omitempty"`

	// FundingSource and FundedAt come from the external registration
	// system: the last deposit origin and when it landed.
	FundingSource string    `msgpack:"fs,omitempty"`
	FundedAt      time.Time `msgpack:"fa,omitempty"`
}

// LegKind identifies one movement within a settlement.
type LegKind int8

const (
	LegUnlock LegKind = iota + 1
	LegSlash
	LegReward
	LegBurn
)

func (k LegKind) String() string {
	switch k {
	case LegUnlock:
		return "unlock"
	case LegSlash:
		return "slash"
	case LegReward:
		return "reward"
	case LegBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Leg is one realized movement of stake inside a settlement.
type Leg struct {
	Kind   LegKind       `msgpack:"k"`
	From   ParticipantID `msgpack:"f,omitempty"`
	To     ParticipantID `msgpack:"t,omitempty"`
	Amount float64       `msgpack:"a"`
}

// Settlement is the realized, audited outcome of a resolved dispute.
type Settlement struct {
	DisputeID    DisputeID     `msgpack:"i"`
	TaskID       TaskID        `msgpack:"t"`
	Verdict      Verdict       `msgpack:"v"`
	ProposerID   ParticipantID `msgpack:"p"`
	ChallengerID ParticipantID `msgpack:"c"`
	Legs         []Leg         `msgpack:"l"`
	Burned       float64       `msgpack:"b"`
	SettledAt    time.Time     `msgpack:"a"`
}

// ReputationEvent is one audited change to a participant's scores.
type ReputationEvent struct {
	ParticipantID ParticipantID `msgpack:"i"`
	Kind          string        `msgpack:"k"`
	Delta         float64       `msgpack:"d"`
	Calibration   float64       `msgpack:"c"`
	Reputation    float64       `msgpack:"r"`
	Tier          Tier          `msgpack:"t"`
	Epoch         uint64        `msgpack:"e"`
	At            time.Time     `msgpack:"a"`
}

// Delta returns the net movement for a participant across all legs.
func (s *Settlement) Delta(id ParticipantID) float64 {
	var d float64
	for _, l := range s.Legs {
		if l.To == id {
			d += l.Amount
		}
		if l.From == id {
			d -= l.Amount
		}
	}
	return d
}
