package protocol

type NodeKind int8

const (
	NodeKindConclusion NodeKind = iota + 1
	NodeKindPremise
	NodeKindSubPremise
	NodeKindRebuttal
	NodeKindQualifier
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindConclusion:
		return "conclusion"
	case NodeKindPremise:
		return "premise"
	case NodeKindSubPremise:
		return "sub_premise"
	case NodeKindRebuttal:
		return "rebuttal"
	case NodeKindQualifier:
		return "qualifier"
	default:
		return "unknown"
	}
}

// RequiresEvidence reports whether a node of this kind must carry an
// evidence reference to be accepted by the tree store.
func (k NodeKind) RequiresEvidence() bool {
	return k == NodeKindPremise || k == NodeKindSubPremise
}

type AttackType int8

const (
	AttackFactualError AttackType = iota + 1
	AttackLogicalFallacy
	AttackMissingContext
	AttackContradiction
	AttackOutdated
)

func (a AttackType) String() string {
	switch a {
	case AttackFactualError:
		return "factual_error"
	case AttackLogicalFallacy:
		return "logical_fallacy"
	case AttackMissingContext:
		return "missing_context"
	case AttackContradiction:
		return "contradiction"
	case AttackOutdated:
		return "outdated"
	default:
		return "unknown"
	}
}

type DefenseKind int8

const (
	DefenseRefute DefenseKind = iota + 1
	DefenseConcede
	DefensePartial
)

func (d DefenseKind) String() string {
	switch d {
	case DefenseRefute:
		return "refute"
	case DefenseConcede:
		return "concede"
	case DefensePartial:
		return "partial"
	default:
		return "unknown"
	}
}

type VoteChoice int8

const (
	VoteUphold VoteChoice = iota + 1
	VoteReject
	VotePartial
	VoteAbstain
)

func (v VoteChoice) String() string {
	switch v {
	case VoteUphold:
		return "uphold"
	case VoteReject:
		return "reject"
	case VotePartial:
		return "partial"
	case VoteAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

type Verdict int8

const (
	VerdictUpheld Verdict = iota + 1
	VerdictRejected
	VerdictPartial
	VerdictVoided
)

func (v Verdict) String() string {
	switch v {
	case VerdictUpheld:
		return "upheld"
	case VerdictRejected:
		return "rejected"
	case VerdictPartial:
		return "partial"
	case VerdictVoided:
		return "voided"
	default:
		return "unknown"
	}
}

type Tier int8

const (
	TierScout Tier = iota + 1
	TierAuditor
	TierArbiter
)

func (t Tier) String() string {
	switch t {
	case TierScout:
		return "scout"
	case TierAuditor:
		return "auditor"
	case TierArbiter:
		return "arbiter"
	default:
		return "unknown"
	}
}

type Role int8

const (
	RoleProposer Role = iota + 1
	RoleChallenger
	RoleValidator
)

func (r Role) String() string {
	switch r {
	case RoleProposer:
		return "proposer"
	case RoleChallenger:
		return "challenger"
	case RoleValidator:
		return "validator"
	default:
		return "unknown"
	}
}

type DisputeState int8

const (
	DisputeOpen DisputeState = iota + 1
	DisputeDefended
	DisputeUndefended
	DisputeAdjudicating
	DisputeEscalated
	DisputeResolved
)

func (s DisputeState) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeDefended:
		return "defended"
	case DisputeUndefended:
		return "undefended"
	case DisputeAdjudicating:
		return "adjudicating"
	case DisputeEscalated:
		return "escalated"
	case DisputeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s DisputeState) Terminal() bool {
	return s == DisputeResolved
}
