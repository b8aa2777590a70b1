package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/dialectic/pkg/protocol"
)

var _ Log = (*MemLog)(nil)

// MemLog is the in-memory audit trail, used in tests and as the
// reference semantics for the pebble-backed log.
type MemLog struct {
	mu      sync.Mutex
	records []*Record
	seq     uint64
}

func NewMemLog() *MemLog {
	return &MemLog{}
}

func (m *MemLog) append(kind RecordKind, key string, payload interface{}) error {
	d, err := msgpack.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshaling audit payload")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.records = append(m.records, &Record{
		Kind: kind,
		Seq:  m.seq,
		Key:  key,
		Data: d,
		At:   time.Now(),
	})

	return nil
}

func (m *MemLog) AppendTree(_ context.Context, t *protocol.Tree) error {
	return m.append(RecordTree, string(t.TaskID), t)
}

func (m *MemLog) AppendDispute(_ context.Context, d *protocol.Dispute) error {
	return m.append(RecordDispute, string(d.ID), d)
}

func (m *MemLog) AppendVote(_ context.Context, id protocol.DisputeID, v *protocol.Vote) error {
	return m.append(RecordVote, string(id), v)
}

func (m *MemLog) AppendSettlement(_ context.Context, s *protocol.Settlement) error {
	return m.append(RecordSettlement, string(s.DisputeID), s)
}

func (m *MemLog) AppendReputation(_ context.Context, e *protocol.ReputationEvent) error {
	return m.append(RecordReputation, string(e.ParticipantID), e)
}

func (m *MemLog) AppendVoid(_ context.Context, id protocol.DisputeID, evidence string) error {
	return m.append(RecordVoid, string(id), &VoidRecord{DisputeID: id, Evidence: evidence})
}

func (m *MemLog) AppendParams(_ context.Context, p *protocol.Params) error {
	return m.append(RecordParams, "", p)
}

func (m *MemLog) Replay(_ context.Context, fn func(*Record) error) error {
	m.mu.Lock()
	records := make([]*Record, len(m.records))
	copy(records, m.records)
	m.mu.Unlock()

	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}

	return nil
}
