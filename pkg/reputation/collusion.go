package reputation

import (
	"context"
	"time"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// FlaggedPair is one proposer/challenger pair the collusion sweep
// considers self-dealing, with the evidence that triggered the flag.
type FlaggedPair struct {
	A, B     protocol.ParticipantID
	Evidence string
}

// DetectCollusion is the batch job over settlement history. Two signals
// flag a pair: a shared funding source, and a suspiciously one-sided
// outcome run between the same proposer and challenger. Flagged pairs
// are barred from interacting; pending disputes between them may be
// voided through the administrative override path.
func (e *Engine) DetectCollusion(ctx context.Context, history []*protocol.Settlement) []FlaggedPair {
	p := e.params()

	type pairStats struct {
		total    int
		oneSided int
	}

	stats := make(map[pairKey]*pairStats)

	for _, s := range history {
		k := newPairKey(s.ProposerID, s.ChallengerID)
		st, ok := stats[k]
		if !ok {
			st = &pairStats{}
			stats[k] = st
		}

		st.total++
		if s.Verdict == protocol.VerdictUpheld {
			st.oneSided++
		} else {
			// A mixed record resets the run; collusion farms verdicts
			// in one direction.
			st.oneSided = 0
		}
	}

	var flagged []FlaggedPair

	for k, st := range stats {
		if st.oneSided >= p.OneSidedRunThreshold {
			flagged = append(flagged, FlaggedPair{
				A:        k.a,
				B:        k.b,
				Evidence: "one-sided verdict run",
			})
			continue
		}

		if e.sharedFunding(k.a, k.b, p.SharedFundingWindow) {
			flagged = append(flagged, FlaggedPair{
				A:        k.a,
				B:        k.b,
				Evidence: "shared funding source",
			})
		}
	}

	e.mu.Lock()
	for _, f := range flagged {
		e.flagged[newPairKey(f.A, f.B)] = struct{}{}
	}
	e.mu.Unlock()

	for _, f := range flagged {
		e.logger.WithField("a", f.A).
			WithField("b", f.B).
			WithField("evidence", f.Evidence).
			Warn("flagged colluding pair")
	}

	return flagged
}

// sharedFunding flags a pair funded from the same source within the
// configured window of each other. Deposits far apart in time are not
// treated as coordinated.
func (e *Engine) sharedFunding(a, b protocol.ParticipantID, window time.Duration) bool {
	aa, errA := e.accounts.Account(a)
	ab, errB := e.accounts.Account(b)
	if errA != nil || errB != nil {
		return false
	}

	if aa.FundingSource == "" || aa.FundingSource != ab.FundingSource {
		return false
	}

	gap := aa.FundedAt.Sub(ab.FundedAt)
	if gap < 0 {
		gap = -gap
	}

	return gap <= window
}
