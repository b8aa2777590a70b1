package engine

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/dialectic/internal/config"
	"github.com/tcfw/dialectic/internal/storage"
	"github.com/tcfw/dialectic/internal/utils/logging"
	"github.com/tcfw/dialectic/pkg/ledger"
)

type Option func(*Engine) error

func WithAuditLog(l storage.Log) Option {
	return func(e *Engine) error {
		e.audit = l
		return nil
	}
}

func WithCustody(c ledger.Custody) Option {
	return func(e *Engine) error {
		e.custody = c
		return nil
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) error {
		e.clk = c
		return nil
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

func WithDefaultOptions() Option {
	return func(e *Engine) error {
		cfg, err := config.GetConfig()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}

		audit, err := storage.NewPebbleLog(cfg.DataDir())
		if err != nil {
			return errors.Wrap(err, "opening audit log")
		}

		e.cfg = cfg
		e.audit = audit
		e.custody = ledger.NoopCustody{}
		e.clk = clock.New()
		e.logger = logging.Entry()

		return nil
	}
}

// WithConfig supplies an already-built config, for tests.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}
