package ledger

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// Custody is the external token ledger that actually holds funds. The
// core mirrors it 1:1 in abstract stake units. A custody failure blocks
// the in-core operation entirely; it never produces a partial in-core
// state change.
type Custody interface {
	Reserve(ctx context.Context, id protocol.ParticipantID, amount float64) error
	Release(ctx context.Context, id protocol.ParticipantID, amount float64) error
}

const (
	custodyAttempts   = 4
	custodyMinBackoff = 100 * time.Millisecond
	custodyMaxBackoff = 2 * time.Second
)

// RetryingCustody wraps a Custody client with bounded exponential
// backoff for transient failures.
type RetryingCustody struct {
	inner Custody
}

func NewRetryingCustody(inner Custody) *RetryingCustody {
	return &RetryingCustody{inner: inner}
}

func (c *RetryingCustody) Reserve(ctx context.Context, id protocol.ParticipantID, amount float64) error {
	return c.retry(ctx, func() error { return c.inner.Reserve(ctx, id, amount) })
}

func (c *RetryingCustody) Release(ctx context.Context, id protocol.ParticipantID, amount float64) error {
	return c.retry(ctx, func() error { return c.inner.Release(ctx, id, amount) })
}

func (c *RetryingCustody) retry(ctx context.Context, op func() error) error {
	b := &backoff.Backoff{
		Min:    custodyMinBackoff,
		Max:    custodyMaxBackoff,
		Jitter: true,
	}

	var err error
	for i := 0; i < custodyAttempts; i++ {
		if err = op(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return errors.Wrap(ErrCustodyUnavailable, err.Error())
}

// NoopCustody is used when the core runs against an already-funded
// mirror, and in tests.
type NoopCustody struct{}

func (NoopCustody) Reserve(context.Context, protocol.ParticipantID, float64) error { return nil }
func (NoopCustody) Release(context.Context, protocol.ParticipantID, float64) error { return nil }
