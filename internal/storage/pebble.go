package storage

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/dialectic/pkg/protocol"
)

const (
	cacheSize = 1 << 20 * 64

	recordTPrefix byte = 'r'
	seqKey             = "seq"
)

var _ Log = (*PebbleLog)(nil)

// PebbleLog is the durable append-only audit trail. Records are keyed
// by a monotonic sequence so replay observes append order.
type PebbleLog struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

func NewPebbleLog(repo string) (*PebbleLog, error) {
	c := pebble.NewCache(cacheSize)
	tc := pebble.NewTableCache(c, 16, 100)
	defer tc.Unref()
	defer c.Unref()

	db, err := pebble.Open(repo, &pebble.Options{Cache: c, TableCache: tc})
	if err != nil {
		return nil, errors.Wrap(err, "opening audit log")
	}

	l := &PebbleLog{db: db}

	if err := l.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *PebbleLog) Close() error {
	return l.db.Close()
}

func (l *PebbleLog) loadSeq() error {
	v, done, err := l.db.Get([]byte(seqKey))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading audit sequence")
	}
	defer done.Close()

	l.seq = binary.BigEndian.Uint64(v)

	return nil
}

func recordKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = recordTPrefix
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

func (l *PebbleLog) append(kind RecordKind, key string, payload interface{}) error {
	d, err := msgpack.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshaling audit payload")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	r := &Record{
		Kind: kind,
		Seq:  l.seq,
		Key:  key,
		Data: d,
		At:   time.Now(),
	}

	rb, err := msgpack.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshaling audit record")
	}

	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(recordKey(l.seq), rb, nil); err != nil {
		return errors.Wrap(err, "staging audit record")
	}

	seqB := make([]byte, 8)
	binary.BigEndian.PutUint64(seqB, l.seq)
	if err := b.Set([]byte(seqKey), seqB, nil); err != nil {
		return errors.Wrap(err, "staging audit sequence")
	}

	if err := b.Commit(&pebble.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "committing audit record")
	}

	return nil
}

func (l *PebbleLog) AppendTree(_ context.Context, t *protocol.Tree) error {
	return l.append(RecordTree, string(t.TaskID), t)
}

func (l *PebbleLog) AppendDispute(_ context.Context, d *protocol.Dispute) error {
	return l.append(RecordDispute, string(d.ID), d)
}

func (l *PebbleLog) AppendVote(_ context.Context, id protocol.DisputeID, v *protocol.Vote) error {
	return l.append(RecordVote, string(id), v)
}

func (l *PebbleLog) AppendSettlement(_ context.Context, s *protocol.Settlement) error {
	return l.append(RecordSettlement, string(s.DisputeID), s)
}

func (l *PebbleLog) AppendReputation(_ context.Context, e *protocol.ReputationEvent) error {
	return l.append(RecordReputation, string(e.ParticipantID), e)
}

func (l *PebbleLog) AppendVoid(_ context.Context, id protocol.DisputeID, evidence string) error {
	return l.append(RecordVoid, string(id), &VoidRecord{DisputeID: id, Evidence: evidence})
}

func (l *PebbleLog) AppendParams(_ context.Context, p *protocol.Params) error {
	return l.append(RecordParams, "", p)
}

func (l *PebbleLog) Replay(ctx context.Context, fn func(*Record) error) error {
	iter := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{recordTPrefix},
		UpperBound: []byte{recordTPrefix + 1},
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r := &Record{}
		if err := msgpack.Unmarshal(iter.Value(), r); err != nil {
			return errors.Wrap(err, "unmarshaling audit record")
		}

		if err := fn(r); err != nil {
			return err
		}
	}

	return errors.Wrap(iter.Error(), "iterating audit log")
}
