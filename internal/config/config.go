package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tcfw/dialectic/internal/utils/logging"
	"github.com/tcfw/dialectic/pkg/protocol"
)

var (
	defaults = map[string]interface{}{
		"verbose":    false,
		"data_dir":   "/var/lib/dialectic",
		"pool_stake": 1_000_000.0,
	}
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

// Config is the node-level configuration; economic policy lives in
// Params and is versioned separately.
type Config struct {
	dataDir   string
	poolStake float64
	params    *protocol.Params
}

func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("dialectic")
	viper.AddConfigPath("/etc/dialectic/")
	viper.AddConfigPath("$HOME/.dialectic")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("DIALECTIC")
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
			logging.Entry().Warnf("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c := &Config{
		dataDir:   viper.GetString("data_dir"),
		poolStake: viper.GetFloat64("pool_stake"),
	}

	c.params, err = buildParams()
	if err != nil {
		return nil, errors.Wrap(err, "params config")
	}

	if viper.GetBool("verbose") {
		logging.SetLevel(logrus.DebugLevel)
		logging.WithField("level", "debug").Debug("setting log level")
	}

	return c, nil
}

func (c *Config) DataDir() string          { return c.dataDir }
func (c *Config) PoolStake() float64       { return c.poolStake }
func (c *Config) Params() *protocol.Params { return c.params }

// buildParams overlays any configured policy values onto the defaults.
// Changes take effect from params.effective_from; they never alter
// already-open disputes, which carry their own snapshot.
func buildParams() (*protocol.Params, error) {
	p := protocol.DefaultParams()

	if v := viper.GetFloat64("params.proposer_slash_rate"); v > 0 {
		p.ProposerSlashRate = v
	}
	if v := viper.GetFloat64("params.failed_challenge_rate"); v > 0 {
		p.FailedChallengeRate = v
	}
	if v := viper.GetFloat64("params.partial_fraction"); v > 0 {
		p.PartialFraction = v
	}
	if v := viper.GetFloat64("params.consensus_threshold"); v > 0 {
		p.ConsensusThreshold = v
	}
	if v := viper.GetDuration("params.defense_window"); v > 0 {
		p.DefenseWindow = v
	}
	if v := viper.GetDuration("params.adjudication_window"); v > 0 {
		p.AdjudicationWindow = v
	}
	if v := viper.GetDuration("params.escalation_window"); v > 0 {
		p.EscalationWindow = v
	}
	if v := viper.GetDuration("params.challenge_window"); v > 0 {
		p.ChallengeWindow = v
	}
	if v := viper.GetDuration("params.epoch_interval"); v > 0 {
		p.EpochInterval = v
	}
	if v := viper.GetInt("params.panel_size"); v > 0 {
		p.PanelSize = v
	}
	if v := viper.GetUint32("params.version"); v > 0 {
		p.Version = v
	}

	if s := viper.GetString("params.effective_from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, errors.Wrap(err, "parsing effective_from")
		}
		p.EffectiveFrom = t
	}

	if p.ProposerSplit+p.ValidatorSplit+p.BurnSplit != 1.0 {
		return nil, errors.New("failed-challenge split must sum to 1")
	}

	return p, nil
}
