package storage

import (
	"context"
	"time"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// RecordKind types an audit record so replay can dispatch without
// decoding the payload.
type RecordKind byte

const (
	RecordTree RecordKind = iota + 1
	RecordDispute
	RecordVote
	RecordSettlement
	RecordReputation
	RecordVoid
	RecordParams
)

func (k RecordKind) String() string {
	switch k {
	case RecordTree:
		return "tree"
	case RecordDispute:
		return "dispute"
	case RecordVote:
		return "vote"
	case RecordSettlement:
		return "settlement"
	case RecordReputation:
		return "reputation"
	case RecordVoid:
		return "void"
	case RecordParams:
		return "params"
	default:
		return "unknown"
	}
}

// Record is one append-only audit trail entry. Key is the taskId or
// disputeId the record belongs to; Data is the msgpack-encoded payload.
// The trail is sufficient to replay any settlement decision.
type Record struct {
	Kind RecordKind `msgpack:"k"`
	Seq  uint64     `msgpack:"s"`
	Key  string     `msgpack:"i"`
	Data []byte     `msgpack:"d"`
	At   time.Time  `msgpack:"t"`
}

// VoidRecord carries the evidence behind an administrative void.
type VoidRecord struct {
	DisputeID protocol.DisputeID `msgpack:"d"`
	Evidence  string             `msgpack:"e"`
}

// Log is the append-only durable audit trail.
type Log interface {
	AppendTree(context.Context, *protocol.Tree) error
	AppendDispute(context.Context, *protocol.Dispute) error
	AppendVote(context.Context, protocol.DisputeID, *protocol.Vote) error
	AppendSettlement(context.Context, *protocol.Settlement) error
	AppendReputation(context.Context, *protocol.ReputationEvent) error
	AppendVoid(context.Context, protocol.DisputeID, string) error
	AppendParams(context.Context, *protocol.Params) error

	Replay(context.Context, func(*Record) error) error
}
