package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// PoolAccount is the emission pool that funds challenger rewards.
const PoolAccount = protocol.ParticipantID("emission_pool")

// BurnAccount is a virtual sink; burned stake leaves the system.
const BurnAccount = protocol.ParticipantID("burn")

type auditor interface {
	AppendSettlement(context.Context, *protocol.Settlement) error
}

// Ledger holds per-participant balances and serializes all mutation per
// account. Multi-account operations take account locks in sorted id
// order to prevent deadlock.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[protocol.ParticipantID]*protocol.Account
	locks    map[protocol.ParticipantID]*sync.Mutex

	settleMu sync.Mutex
	settled  map[protocol.DisputeID]*protocol.Settlement

	burned float64

	custody Custody
	audit   auditor
	logger  *logrus.Entry
	now     func() time.Time
}

func New(custody Custody, audit auditor, logger *logrus.Entry) *Ledger {
	return &Ledger{
		accounts: make(map[protocol.ParticipantID]*protocol.Account),
		locks:    make(map[protocol.ParticipantID]*sync.Mutex),
		settled:  make(map[protocol.DisputeID]*protocol.Settlement),
		custody:  custody,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates an account with an initial available balance. The
// identity and on-chain stake come from the external registration
// system; the ledger never mutates them directly.
func (l *Ledger) Register(id protocol.ParticipantID, available float64) *protocol.Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.accounts[id]; ok {
		return a
	}

	a := &protocol.Account{
		ID:          id,
		Available:   available,
		Reputation:  1.0,
		Calibration: 1.0,
		Tier:        protocol.TierScout,
		TierSince:   l.now(),
	}
	l.accounts[id] = a
	l.locks[id] = &sync.Mutex{}

	return a
}

// Account returns a snapshot copy of an account.
func (l *Ledger) Account(id protocol.ParticipantID) (*protocol.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *a
	return &cp, nil
}

// Update applies fn to an account under its single-writer lock. Used by
// the reputation engine so score mutation shares the ledger's account
// discipline.
func (l *Ledger) Update(id protocol.ParticipantID, fn func(*protocol.Account)) error {
	mu, a, err := l.acquire(id)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	fn(a)
	return nil
}

// Lock moves amount from available to locked stake, reserving it with
// external custody first.
func (l *Ledger) Lock(ctx context.Context, id protocol.ParticipantID, amount float64) error {
	if err := l.custody.Reserve(ctx, id, amount); err != nil {
		return errors.Wrap(err, "reserving with custody")
	}

	mu, a, err := l.acquire(id)
	if err != nil {
		l.releaseReservation(ctx, id, amount)
		return err
	}
	defer mu.Unlock()

	if a.Halted {
		l.releaseReservation(ctx, id, amount)
		return ErrAccountHalted
	}
	if a.Available < amount {
		l.releaseReservation(ctx, id, amount)
		return ErrInsufficientFunds
	}

	a.Available -= amount
	a.Locked += amount

	return nil
}

// releaseReservation compensates a custody reserve the in-core lock
// could not honour, so the external ledger stays a 1:1 mirror.
func (l *Ledger) releaseReservation(ctx context.Context, id protocol.ParticipantID, amount float64) {
	if err := l.custody.Release(ctx, id, amount); err != nil {
		l.logger.WithError(err).
			WithField("account", id).
			Error("releasing custody reservation")
	}
}

// Unlock releases locked stake back to available.
func (l *Ledger) Unlock(ctx context.Context, id protocol.ParticipantID, amount float64) error {
	if err := l.custody.Release(ctx, id, amount); err != nil {
		return errors.Wrap(err, "releasing with custody")
	}

	mu, a, err := l.acquire(id)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	if a.Locked < amount {
		return ErrInsufficientFunds
	}

	a.Locked -= amount
	a.Available += amount

	return nil
}

// Burned reports the total stake destroyed so far.
func (l *Ledger) Burned() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.burned
}

// TotalStake sums available and locked stake across all accounts.
func (l *Ledger) TotalStake() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t float64
	for _, a := range l.accounts {
		t += a.Available + a.Locked
	}

	return t
}

// Validators returns snapshot copies of every account currently
// committed to the validator role.
func (l *Ledger) Validators() []*protocol.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*protocol.Account
	for _, a := range l.accounts {
		if a.Role != protocol.RoleValidator {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}

	return out
}

// IDs returns every registered account id.
func (l *Ledger) IDs() []protocol.ParticipantID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]protocol.ParticipantID, 0, len(l.accounts))
	for id := range l.accounts {
		out = append(out, id)
	}

	return out
}

func (l *Ledger) acquire(id protocol.ParticipantID) (*sync.Mutex, *protocol.Account, error) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	mu := l.locks[id]
	l.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}

	mu.Lock()
	return mu, a, nil
}

// acquireAll locks a set of accounts in sorted id order and returns the
// unlock function.
func (l *Ledger) acquireAll(ids []protocol.ParticipantID) (map[protocol.ParticipantID]*protocol.Account, func(), error) {
	uniq := make(map[protocol.ParticipantID]struct{}, len(ids))
	ordered := make([]protocol.ParticipantID, 0, len(ids))
	for _, id := range ids {
		if _, ok := uniq[id]; ok {
			continue
		}
		uniq[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	l.mu.RLock()
	accounts := make(map[protocol.ParticipantID]*protocol.Account, len(ordered))
	muxes := make([]*sync.Mutex, 0, len(ordered))
	for _, id := range ordered {
		a, ok := l.accounts[id]
		if !ok {
			l.mu.RUnlock()
			return nil, nil, errors.Wrapf(ErrNotFound, "account %s", id)
		}
		accounts[id] = a
		muxes = append(muxes, l.locks[id])
	}
	l.mu.RUnlock()

	for _, mu := range muxes {
		mu.Lock()
	}

	release := func() {
		for i := len(muxes) - 1; i >= 0; i-- {
			muxes[i].Unlock()
		}
	}

	return accounts, release, nil
}
