package protocol

import (
	"math"
	"time"
)

// TierPolicy gates case load and vote weight for one validator tier.
type TierPolicy struct {
	StakeRequired    float64       `msgpack:"s"`
	MaxCasesPerEpoch int           `msgpack:"m"` // 0 = unlimited
	WeightMultiplier float64       `msgpack:"w"`
	MinCalibration   float64       `msgpack:"c"`
	MinVerdicts      int           `msgpack:"v"`
	MinTenure        time.Duration `msgpack:"t"`
	CleanSlashWindow time.Duration `msgpack:"x"`
}

// StakeBound keys minimum and maximum proposer stake to tree size.
type StakeBound struct {
	MaxNodes int     `msgpack:"n"` // applies to trees up to this many nodes
	Min      float64 `msgpack:"l"`
	Max      float64 `msgpack:"h"`
}

// Params is the versioned economic policy surface. Every constant that
// settlement math depends on lives here; disputes snapshot the params in
// force when they open so later changes never apply retroactively.
type Params struct {
	Version       uint32    `msgpack:"v"`
	EffectiveFrom time.Time `msgpack:"e"`

	AttackMultipliers map[AttackType]float64 `msgpack:"am"`

	ProposerSlashRate      float64 `msgpack:"sr"`
	FailedChallengeRate    float64 `msgpack:"fr"`
	UndefendedSlashFactor  float64 `msgpack:"uf"`
	PartialFraction        float64 `msgpack:"pf"`
	MinChallengeStakeRatio float64 `msgpack:"mr"`

	// Failed-challenge split, must sum to 1.
	ProposerSplit  float64 `msgpack:"p6"`
	ValidatorSplit float64 `msgpack:"v3"`
	BurnSplit      float64 `msgpack:"b1"`

	ConsensusThreshold  float64 `msgpack:"ct"`
	TieTolerance        float64 `msgpack:"tt"`
	EscalationThreshold float64 `msgpack:"et"`
	SuspicionThreshold  float64 `msgpack:"st"`
	PanelSize           int     `msgpack:"pz"`
	EscalationPanelSize int     `msgpack:"ez"`

	ChallengeWindow    time.Duration `msgpack:"cw"`
	DefenseWindow      time.Duration `msgpack:"dw"`
	AdjudicationWindow time.Duration `msgpack:"aw"`
	EscalationWindow   time.Duration `msgpack:"ew"`
	EpochInterval      time.Duration `msgpack:"ei"`

	Tiers       map[Tier]TierPolicy `msgpack:"tp"`
	StakeBounds []StakeBound        `msgpack:"sb"`

	CollusionVoteLimit   int           `msgpack:"cl"`
	CollusionVoteWindow  time.Duration `msgpack:"cv"`
	SuspicionPeriod      time.Duration `msgpack:"sp"`
	RoleLockPeriod       time.Duration `msgpack:"rp"`
	OneSidedRunThreshold int           `msgpack:"or"`
	SharedFundingWindow  time.Duration `msgpack:"sf"`

	CalibrationTimeConstant time.Duration `msgpack:"tc"`
	CalibrationDecay        float64       `msgpack:"cd"`
	CalibrationFloor        float64       `msgpack:"cf"`
	CalibrationCeil         float64       `msgpack:"cc"`
	AbstainPenalty          float64       `msgpack:"ap"`
	MajorityAlignBonus      float64       `msgpack:"mb"`
	MajorityAlignPenalty    float64       `msgpack:"mp"`

	Reps RepDeltas `msgpack:"rd"`
}

// RepDeltas are the per-outcome reputation movements for the two
// principals of a dispute, scaled by verdict confidence.
type RepDeltas struct {
	ProposerLoss      float64 `msgpack:"pl"`
	ChallengerWin     float64 `msgpack:"cw"`
	ProposerWin       float64 `msgpack:"pw"`
	ChallengerLoss    float64 `msgpack:"cl"`
	NoShowLoss        float64 `msgpack:"nl"`
	NoShowWin         float64 `msgpack:"nw"`
	PartialProposer   float64 `msgpack:"pp"`
	PartialChallenger float64 `msgpack:"pc"`
}

func DefaultParams() *Params {
	return &Params{
		Version: 1,

		AttackMultipliers: map[AttackType]float64{
			AttackFactualError:   2.0,
			AttackLogicalFallacy: 2.5,
			AttackMissingContext: 1.5,
			AttackContradiction:  3.0,
			AttackOutdated:       1.5,
		},

		ProposerSlashRate:      0.30,
		FailedChallengeRate:    0.50,
		UndefendedSlashFactor:  1.5,
		PartialFraction:        0.5,
		MinChallengeStakeRatio: 0.1,

		ProposerSplit:  0.6,
		ValidatorSplit: 0.3,
		BurnSplit:      0.1,

		ConsensusThreshold:  0.6,
		TieTolerance:        0.01,
		EscalationThreshold: 0.5,
		SuspicionThreshold:  0.75,
		PanelSize:           5,
		EscalationPanelSize: 3,

		ChallengeWindow:    6 * time.Hour,
		DefenseWindow:      2 * time.Hour,
		AdjudicationWindow: 4 * time.Hour,
		EscalationWindow:   6 * time.Hour,
		EpochInterval:      24 * time.Hour,

		Tiers: map[Tier]TierPolicy{
			TierScout: {
				StakeRequired:    100,
				MaxCasesPerEpoch: 10,
				WeightMultiplier: 1.0,
				MinCalibration:   0.5,
			},
			TierAuditor: {
				StakeRequired:    500,
				MaxCasesPerEpoch: 50,
				WeightMultiplier: 2.0,
				MinCalibration:   0.7,
				MinVerdicts:      50,
				MinTenure:        30 * 24 * time.Hour,
			},
			TierArbiter: {
				StakeRequired:    2000,
				MaxCasesPerEpoch: 0,
				WeightMultiplier: 5.0,
				MinCalibration:   0.85,
				MinVerdicts:      200,
				MinTenure:        90 * 24 * time.Hour,
				CleanSlashWindow: 60 * 24 * time.Hour,
			},
		},

		StakeBounds: []StakeBound{
			{MaxNodes: 5, Min: 10, Max: 500},
			{MaxNodes: 20, Min: 25, Max: 2000},
			{MaxNodes: 100, Min: 50, Max: 10000},
		},

		CollusionVoteLimit:   3,
		CollusionVoteWindow:  24 * time.Hour,
		SuspicionPeriod:      72 * time.Hour,
		RoleLockPeriod:       24 * time.Hour,
		OneSidedRunThreshold: 5,
		SharedFundingWindow:  7 * 24 * time.Hour,

		CalibrationTimeConstant: 30 * 24 * time.Hour,
		CalibrationDecay:        0.02,
		CalibrationFloor:        0.3,
		CalibrationCeil:         1.5,
		AbstainPenalty:          0.01,
		MajorityAlignBonus:      0.02,
		MajorityAlignPenalty:    0.01,

		Reps: RepDeltas{
			ProposerLoss:      0.10,
			ChallengerWin:     0.05,
			ProposerWin:       0.02,
			ChallengerLoss:    0.05,
			NoShowLoss:        0.15,
			NoShowWin:         0.05,
			PartialProposer:   0.03,
			PartialChallenger: 0.01,
		},
	}
}

// Multiplier returns the reward multiplier for an attack type.
func (p *Params) Multiplier(a AttackType) float64 {
	m, ok := p.AttackMultipliers[a]
	if !ok {
		return 1.0
	}
	return m
}

// StakeBoundsFor returns the min/max proposer stake for a tree of n nodes.
func (p *Params) StakeBoundsFor(n int) (min, max float64, ok bool) {
	for _, b := range p.StakeBounds {
		if n <= b.MaxNodes {
			return b.Min, b.Max, true
		}
	}
	return 0, 0, false
}

// TierPolicyFor returns the policy for a tier, falling back to scout.
func (p *Params) TierPolicyFor(t Tier) TierPolicy {
	tp, ok := p.Tiers[t]
	if !ok {
		return p.Tiers[TierScout]
	}
	return tp
}

// MaxChallengesPer24h is the challenge velocity cap for a participant
// with the given reputation.
func MaxChallengesPer24h(reputation float64) int {
	if reputation < 0 {
		reputation = 0
	}
	return int(math.Floor(math.Sqrt(reputation))) + 2
}

// ChallengeEV estimates the expected value of a challenge before
// submission, in stake units.
func ChallengeEV(p *Params, stake float64, attack AttackType, proposerStake, winProbability float64) float64 {
	reward := stake*p.Multiplier(attack) + proposerStake*p.ProposerSlashRate
	penalty := stake * p.FailedChallengeRate

	return winProbability*reward - (1-winProbability)*penalty
}
