package shifts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/telemetry"
)

// TimeoutSweeper periodically scans for shifts abandoned mid-state and
// force-terminates them through the state machine's normal end-shift path.
type TimeoutSweeper struct {
	machine *StateMachine
	repo    Repository
	policy  Policy
	clock   Clock
	log     *zap.SugaredLogger
	stop    chan struct{}
	done    chan struct{}
}

// NewTimeoutSweeper builds a sweeper over the given state machine. A nil
// clock defaults to the wall clock.
func NewTimeoutSweeper(machine *StateMachine, repo Repository, policy Policy, log *zap.SugaredLogger, clock Clock) *TimeoutSweeper {
	if clock == nil {
		clock = RealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TimeoutSweeper{
		machine: machine,
		repo:    repo,
		policy:  policy,
		clock:   clock,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run sweeps on the policy interval until the context is cancelled or Stop
// is called. Stopping ceases scheduling new sweeps; an in-flight shift
// mutation is never interrupted.
func (s *TimeoutSweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()

	s.log.Infow("timeout sweeper started",
		"interval", s.policy.SweepInterval, "idle_timeout", s.policy.IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("timeout sweeper stopped (context cancelled)")
			return
		case <-s.stop:
			s.log.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop signals the sweeper loop to exit and waits for it.
func (s *TimeoutSweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one scan-and-terminate pass. Failure on one shift is logged
// and never aborts the sweep of the rest.
func (s *TimeoutSweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.policy.IdleTimeout).Unix()

	stale, err := s.repo.List(ctx, Filter{
		States: []models.ShiftState{
			models.ShiftStateInShift,
			models.ShiftStateOnBreak,
		},
		ActiveOnly:         true,
		LastActivityBefore: cutoff,
	})
	if err != nil {
		s.log.Errorw("timeout sweep query failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	s.log.Infow("timeout sweep found stale shifts", "count", len(stale))

	now := s.clock.Now().Unix()
	for _, shift := range stale {
		idle := time.Duration(now-shift.LastActivityTime) * time.Second
		if err := s.machine.ForceTimeout(ctx, shift.ID, idle); err != nil {
			telemetry.SweepErrorsTotal.Inc()
			s.log.Errorw("failed to force-terminate stale shift",
				"shift_id", shift.ID, "error", err)
		}
	}
}
