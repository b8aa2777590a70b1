package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/pkg/protocol"
)

type TimerKind int8

const (
	TimerDefense TimerKind = iota + 1
	TimerAdjudication
	TimerEscalation
	TimerEpoch
)

func (k TimerKind) String() string {
	switch k {
	case TimerDefense:
		return "defense"
	case TimerAdjudication:
		return "adjudication"
	case TimerEscalation:
		return "escalation"
	case TimerEpoch:
		return "epoch"
	default:
		return "unknown"
	}
}

// Entry is one pending deadline. Entries are plain data so they can be
// persisted and re-armed on restart; the state machine never holds a
// thread while waiting.
type Entry struct {
	Kind      TimerKind          `msgpack:"k"`
	DisputeID protocol.DisputeID `msgpack:"d,omitempty"`
	Due       time.Time          `msgpack:"t"`
}

// Handler receives fired deadlines. Timeouts drive state transitions;
// they are never surfaced as errors to a caller.
type Handler func(ctx context.Context, e Entry)

type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler tracks challenge/defense/adjudication/escalation windows
// and the epoch boundary, firing each deadline exactly once.
type Scheduler struct {
	clk     clock.Clock
	handler Handler
	logger  *logrus.Entry

	mu      sync.Mutex
	pending entryHeap

	wake chan struct{}
}

func New(clk clock.Clock, handler Handler, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		clk:     clk,
		handler: handler,
		logger:  logger,
		pending: entryHeap{},
		wake:    make(chan struct{}, 1),
	}
}

// Schedule arms a deadline.
func (s *Scheduler) Schedule(e Entry) {
	s.mu.Lock()
	heap.Push(&s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel removes a pending dispute deadline, e.g. when a defense
// arrives before the window elapses. Cancelling a kind with nothing
// pending is a no-op; an entry scheduled afterwards still fires.
func (s *Scheduler) Cancel(id protocol.DisputeID, kind TimerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.pending); i++ {
		if s.pending[i].DisputeID == id && s.pending[i].Kind == kind {
			heap.Remove(&s.pending, i)
			i--
		}
	}
}

// Pending returns a snapshot of unfired entries, for persistence.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.pending))
	copy(out, s.pending)

	return out
}

// Run fires deadlines until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, ok := s.peek()

		var wait <-chan time.Time
		var t *clock.Timer
		if ok {
			d := next.Due.Sub(s.clk.Now())
			if d < 0 {
				d = 0
			}
			t = s.clk.Timer(d)
			wait = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if t != nil {
				t.Stop()
			}
		case <-wait:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) peek() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return Entry{}, false
	}

	return s.pending[0], true
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clk.Now()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].Due.After(now) {
			s.mu.Unlock()
			return
		}

		e := heap.Pop(&s.pending).(Entry)
		s.mu.Unlock()

		s.logger.WithField("kind", e.Kind.String()).
			WithField("dispute", e.DisputeID).
			Debug("deadline elapsed")

		s.handler(ctx, e)
	}
}
