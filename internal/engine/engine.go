package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tcfw/dialectic/internal/config"
	"github.com/tcfw/dialectic/internal/storage"
	"github.com/tcfw/dialectic/internal/utils/logging"
	"github.com/tcfw/dialectic/pkg/consensus"
	"github.com/tcfw/dialectic/pkg/dispute"
	"github.com/tcfw/dialectic/pkg/ledger"
	"github.com/tcfw/dialectic/pkg/protocol"
	"github.com/tcfw/dialectic/pkg/reputation"
	"github.com/tcfw/dialectic/pkg/scheduler"
	"github.com/tcfw/dialectic/pkg/tree"
)

// Engine wires the verification protocol's components together with a
// fixed construction order: audit log and ledger first, then the tree
// store, then the aggregation and reputation services, and the dispute
// state machine last since it drives all of them.
type Engine struct {
	cfg     *config.Config
	audit   storage.Log
	custody ledger.Custody
	clk     clock.Clock
	logger  *logrus.Entry

	ledger     *ledger.Ledger
	trees      *tree.MemStore
	aggregator *consensus.Aggregator
	reputation *reputation.Engine
	disputes   *dispute.Manager
	sched      *scheduler.Scheduler

	paramsMu sync.RWMutex
	versions []*protocol.Params
}

func New(opts ...Option) (*Engine, error) {
	e := &Engine{}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.cfg == nil {
		cfg, err := config.GetConfig()
		if err != nil {
			return nil, errors.Wrap(err, "loading config")
		}
		e.cfg = cfg
	}
	if e.audit == nil {
		e.audit = storage.NewMemLog()
	}
	if e.custody == nil {
		e.custody = ledger.NoopCustody{}
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	if e.logger == nil {
		e.logger = logging.Entry()
	}

	e.versions = []*protocol.Params{e.cfg.Params()}

	e.ledger = ledger.New(e.custody, e.audit, e.logger)
	e.ledger.Register(ledger.PoolAccount, e.cfg.PoolStake())

	e.trees = tree.NewMemStore(e.cfg.Params(), e.ledger, e.audit)
	e.aggregator = consensus.NewAggregator(e.ledger, e.audit, e.logger)
	e.reputation = reputation.NewEngine(e.ledger, e.audit, e.Params, e.logger)
	e.sched = scheduler.New(e.clk, e.onDeadline, e.logger)
	e.disputes = dispute.NewManager(e.trees, e.ledger, e.aggregator, e.reputation, e.sched, e.audit, e.Params, e.logger)

	return e, nil
}

func (e *Engine) Ledger() *ledger.Ledger            { return e.ledger }
func (e *Engine) Trees() *tree.MemStore             { return e.trees }
func (e *Engine) Disputes() *dispute.Manager        { return e.disputes }
func (e *Engine) Aggregator() *consensus.Aggregator { return e.aggregator }
func (e *Engine) Reputation() *reputation.Engine    { return e.reputation }
func (e *Engine) Scheduler() *scheduler.Scheduler   { return e.sched }

// Params returns the newest policy version already in effect. Future-
// dated versions stay dormant until their effective time passes;
// nothing ever applies retroactively.
func (e *Engine) Params() *protocol.Params {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()

	now := e.clk.Now()

	for i := len(e.versions) - 1; i >= 0; i-- {
		if !e.versions[i].EffectiveFrom.After(now) {
			return e.versions[i]
		}
	}

	return e.versions[0]
}

// UpdateParams registers a new policy version with its effective date.
func (e *Engine) UpdateParams(ctx context.Context, p *protocol.Params) error {
	e.paramsMu.Lock()
	e.versions = append(e.versions, p)
	sort.SliceStable(e.versions, func(i, j int) bool {
		return e.versions[i].EffectiveFrom.Before(e.versions[j].EffectiveFrom)
	})
	e.paramsMu.Unlock()

	return errors.Wrap(e.audit.AppendParams(ctx, p), "auditing params update")
}

func (e *Engine) onDeadline(ctx context.Context, entry scheduler.Entry) {
	if entry.Kind == scheduler.TimerEpoch {
		e.onEpoch(ctx)
		return
	}

	e.disputes.OnDeadline(ctx, entry)
}

// onEpoch runs the boundary hook: reputation decay and tier
// re-evaluation, the collusion sweep, and voiding of any pending
// dispute between freshly flagged pairs.
func (e *Engine) onEpoch(ctx context.Context) {
	e.logger.WithField("epoch", e.reputation.Epoch()+1).Info("epoch boundary")

	e.reputation.EpochBoundary(ctx)

	flagged := e.reputation.DetectCollusion(ctx, e.ledger.Settlements())
	for _, f := range flagged {
		for _, d := range e.disputes.OpenDisputes() {
			if (d.ProposerID == f.A && d.ChallengerID == f.B) ||
				(d.ProposerID == f.B && d.ChallengerID == f.A) {
				if err := e.disputes.Void(ctx, d.ID, f.Evidence); err != nil {
					e.logger.WithError(err).Error("voiding flagged dispute")
				}
			}
		}
	}

	e.scheduleEpoch()
}

func (e *Engine) scheduleEpoch() {
	e.sched.Schedule(scheduler.Entry{
		Kind: scheduler.TimerEpoch,
		Due:  e.clk.Now().Add(e.Params().EpochInterval),
	})
}

// Run starts the deadline loop and blocks until the context is done.
func (e *Engine) Run(ctx context.Context) error {
	e.scheduleEpoch()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.sched.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
