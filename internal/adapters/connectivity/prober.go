// Package connectivity turns backend health checks into network monitor signals.
package connectivity

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

// CheckFunc reports nil when the backend is reachable.
type CheckFunc func(context.Context) error

// Monitor holds the current connectivity flag. *app.Queue satisfies it.
type Monitor interface {
	SetOnline(bool)
	Online() bool
}

// Config tunes probing.
type Config struct {
	Interval time.Duration
	// Timeout bounds one check. Zero uses Interval.
	Timeout time.Duration
	// FailureThreshold is how many consecutive failures mark the network offline. Minimum 1.
	FailureThreshold int
}

// Prober polls a health check and reports transitions to a Monitor.
type Prober struct {
	check    CheckFunc
	monitor  Monitor
	cfg      Config
	logger   *log.Logger
	failures int
}

// NewProber validates cfg and returns a prober. logger may be nil.
func NewProber(check CheckFunc, monitor Monitor, cfg Config, logger *log.Logger) (*Prober, error) {
	if check == nil || monitor == nil {
		return nil, errors.New("connectivity check and monitor are required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("probe interval must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)
	if logger == nil {
		logger = log.Default()
	}
	return &Prober{check: check, monitor: monitor, cfg: cfg, logger: logger}, nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Probe runs one check and reports a transition when the result differs from the monitor's
// current flag, so a manual override is corrected by the next conclusive probe. Not safe for
// concurrent use.
func (p *Prober) Probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.check(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		p.failures = 0
		p.report(true, nil)
		return
	}
	p.failures++
	if p.failures >= p.cfg.FailureThreshold {
		p.report(false, err)
		return
	}
	p.logger.Debug("health check failed", "failures", p.failures, "err", err)
}

func (p *Prober) report(online bool, err error) {
	if p.monitor.Online() == online {
		return
	}
	if online {
		p.logger.Info("backend reachable")
	} else {
		p.logger.Warn("backend unreachable", "failures", p.failures, "err", err)
	}
	p.monitor.SetOnline(online)
}
