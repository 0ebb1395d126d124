package supervisor

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron"
)

// Sweeper runs the periodic reap_supervisors/respawn_dead pass on a cron
// schedule instead of a bare time.Ticker, so the daemon's sweep cadence
// is configurable the same way cortex's tick interval is — robfig/cron
// is already transitively present in the teacher's dependency closure
// (its temporal/docker stack pulls it in); here it drives the
// supervisor's own sweep directly instead of being an incidental
// transitive dependency.
type Sweeper struct {
	mgr    *Manager
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper builds a Sweeper that runs mgr.ReapSupervisors and
// mgr.RespawnDead on the given cron spec (e.g. "@every 30s"). CheckStale
// is deliberately not scheduled here — spec.md §4.F runs it once at
// startup, not on a recurring cadence.
func NewSweeper(mgr *Manager, cronSpec string, logger *slog.Logger) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{mgr: mgr, cron: c, logger: logger}

	if err := c.AddFunc(cronSpec, s.tick); err != nil {
		return nil, fmt.Errorf("supervisor: invalid sweep cron %q: %w", cronSpec, err)
	}
	return s, nil
}

func (s *Sweeper) tick() {
	if err := s.mgr.ReapSupervisors(); err != nil {
		s.logger.Error("reap_supervisors failed", "error", err)
	}
	if err := s.mgr.RespawnDead(); err != nil {
		s.logger.Error("respawn_dead failed", "error", err)
	}
}

// Start begins the cron scheduler in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the cron scheduler. Already-running ticks finish.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
