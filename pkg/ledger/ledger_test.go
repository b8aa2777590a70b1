package ledger

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/tcfw/dialectic/internal/storage"
	"github.com/tcfw/dialectic/pkg/protocol"
)

func TestLockUnlock(t *testing.T) {
	l := newTestLedger()
	l.Register("alice", 100)

	ctx := context.Background()

	if err := l.Lock(ctx, "alice", 60); err != nil {
		t.Fatal(err)
	}

	a, _ := l.Account("alice")
	assert.InDelta(t, 40.0, a.Available, 1e-9)
	assert.InDelta(t, 60.0, a.Locked, 1e-9)

	assert.ErrorIs(t, l.Lock(ctx, "alice", 50), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Unlock(ctx, "alice", 70), ErrInsufficientFunds)

	if err := l.Unlock(ctx, "alice", 60); err != nil {
		t.Fatal(err)
	}

	a, _ = l.Account("alice")
	assert.InDelta(t, 100.0, a.Available, 1e-9)
	assert.Zero(t, a.Locked)
}

func TestRegisterIdempotent(t *testing.T) {
	l := newTestLedger()

	a := l.Register("alice", 100)
	b := l.Register("alice", 500)

	assert.Same(t, a, b)
	assert.Equal(t, 100.0, b.Available)
	assert.Equal(t, protocol.TierScout, a.Tier)
	assert.Equal(t, 1.0, a.Reputation)
}

func TestAccountSnapshot(t *testing.T) {
	l := newTestLedger()
	l.Register("alice", 100)

	a, err := l.Account("alice")
	if err != nil {
		t.Fatal(err)
	}
	a.Available = 0

	again, _ := l.Account("alice")
	assert.Equal(t, 100.0, again.Available)

	_, err = l.Account("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockHalted(t *testing.T) {
	l := newTestLedger()
	l.Register("alice", 100)

	if err := l.Update("alice", func(a *protocol.Account) { a.Halted = true }); err != nil {
		t.Fatal(err)
	}

	assert.ErrorIs(t, l.Lock(context.Background(), "alice", 10), ErrAccountHalted)
}

func TestValidators(t *testing.T) {
	l := newTestLedger()
	l.Register("alice", 100)
	l.Register("val1", 500)

	l.Update("val1", func(a *protocol.Account) { a.Role = protocol.RoleValidator })

	vals := l.Validators()
	assert.Len(t, vals, 1)
	assert.Equal(t, protocol.ParticipantID("val1"), vals[0].ID)

	assert.Len(t, l.IDs(), 2)
}

type custodyMove struct {
	id     protocol.ParticipantID
	amount float64
}

// recordingCustody captures every reserve and release so tests can
// assert the external mirror stayed balanced.
type recordingCustody struct {
	reserves []custodyMove
	releases []custodyMove
}

func (c *recordingCustody) Reserve(_ context.Context, id protocol.ParticipantID, amount float64) error {
	c.reserves = append(c.reserves, custodyMove{id, amount})
	return nil
}

func (c *recordingCustody) Release(_ context.Context, id protocol.ParticipantID, amount float64) error {
	c.releases = append(c.releases, custodyMove{id, amount})
	return nil
}

func TestLockReleasesReservationOnInsufficientFunds(t *testing.T) {
	custody := &recordingCustody{}
	l := New(custody, storage.NewMemLog(), logrus.NewEntry(logrus.New()))
	l.Register("alice", 5)

	err := l.Lock(context.Background(), "alice", 10)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// The reserve that could not be honoured in core is compensated.
	assert.Equal(t, []custodyMove{{"alice", 10}}, custody.reserves)
	assert.Equal(t, []custodyMove{{"alice", 10}}, custody.releases)

	a, _ := l.Account("alice")
	assert.Equal(t, 5.0, a.Available)
	assert.Zero(t, a.Locked)
}

func TestLockReleasesReservationOnHaltedAccount(t *testing.T) {
	custody := &recordingCustody{}
	l := New(custody, storage.NewMemLog(), logrus.NewEntry(logrus.New()))
	l.Register("alice", 100)
	l.Update("alice", func(a *protocol.Account) { a.Halted = true })

	err := l.Lock(context.Background(), "alice", 10)
	assert.ErrorIs(t, err, ErrAccountHalted)

	assert.Len(t, custody.reserves, 1)
	assert.Equal(t, custody.reserves, custody.releases)
}

type flakyCustody struct {
	failures int
	calls    int
}

func (c *flakyCustody) Reserve(context.Context, protocol.ParticipantID, float64) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("custody timeout")
	}
	return nil
}

func (c *flakyCustody) Release(context.Context, protocol.ParticipantID, float64) error {
	return nil
}

func TestRetryingCustody(t *testing.T) {
	inner := &flakyCustody{failures: 2}
	c := NewRetryingCustody(inner)

	err := c.Reserve(context.Background(), "alice", 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingCustodyExhausted(t *testing.T) {
	inner := &flakyCustody{failures: 100}
	c := NewRetryingCustody(inner)

	err := c.Reserve(context.Background(), "alice", 10)
	assert.ErrorIs(t, err, ErrCustodyUnavailable)
}
