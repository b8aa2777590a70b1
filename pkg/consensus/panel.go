package consensus

import (
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/multiformats/go-multihash"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// panelSeed derives a deterministic selection seed from a dispute id so
// any auditor can reproduce the assignment.
func panelSeed(id protocol.DisputeID) int64 {
	h, err := multihash.Sum([]byte(id), multihash.SHA3_256, multihash.DefaultLengths[multihash.SHA3_256])
	if err != nil {
		// multihash.Sum on SHA3-256 cannot fail for non-nil input
		return int64(len(id))
	}

	dec, err := multihash.Decode(h)
	if err != nil || len(dec.Digest) < 8 {
		return int64(len(id))
	}

	return int64(binary.BigEndian.Uint64(dec.Digest[:8]))
}

// effectiveWeight is the selection and voting weight basis for a
// validator: stake x clamped calibration x tier multiplier.
func effectiveWeight(a *protocol.Account, p *protocol.Params) float64 {
	cal := a.Calibration
	if cal < 0.5 {
		cal = 0.5
	}
	if cal > 1.5 {
		cal = 1.5
	}

	stake := a.Available + a.Locked

	return stake * cal * p.TierPolicyFor(a.Tier).WeightMultiplier
}

// selectPanel draws size validators from candidates without replacement,
// weighted by effective weight, using the dispute-seeded generator.
// Candidates are ordered by id first so the draw is reproducible.
func selectPanel(id protocol.DisputeID, candidates []*protocol.Account, p *protocol.Params, size int) []protocol.ParticipantID {
	if len(candidates) == 0 || size <= 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	rng := rand.New(rand.NewSource(panelSeed(id)))

	type weighted struct {
		id protocol.ParticipantID
		w  float64
	}

	pool := make([]weighted, 0, len(candidates))
	var total float64
	for _, c := range candidates {
		w := effectiveWeight(c, p)
		if w <= 0 {
			continue
		}
		pool = append(pool, weighted{id: c.ID, w: w})
		total += w
	}

	if size > len(pool) {
		size = len(pool)
	}

	selected := make([]protocol.ParticipantID, 0, size)
	for len(selected) < size {
		r := rng.Float64() * total

		var cum float64
		for i, c := range pool {
			cum += c.w
			if r <= cum {
				selected = append(selected, c.id)
				total -= c.w
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}

	return selected
}
