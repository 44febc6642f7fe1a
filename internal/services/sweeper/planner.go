package sweeper

import "time"

type PlannerConfig struct {
	// PendingPollAfter is how long an accepted push may sit unresolved
	// before the sweep queries the provider for its status.
	PendingPollAfter time.Duration // default: 2 minutes

	Backoff1 time.Duration // default: 1 minute
	Backoff2 time.Duration // default: 5 minutes
	Backoff3 time.Duration // default: 15 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		PendingPollAfter: 2 * time.Minute,

		Backoff1: 1 * time.Minute,
		Backoff2: 5 * time.Minute,
		Backoff3: 15 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.PendingPollAfter <= 0 {
		cfg.PendingPollAfter = def.PendingPollAfter
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	return &Planner{cfg: cfg}
}

func (p *Planner) PollDelay() time.Duration {
	return p.cfg.PendingPollAfter
}

// RetryDelay is the wait before retry attempt number attempt (1-based).
func (p *Planner) RetryDelay(attempt int32) time.Duration {
	switch {
	case attempt <= 1:
		return p.cfg.Backoff1
	case attempt == 2:
		return p.cfg.Backoff2
	default:
		return p.cfg.Backoff3
	}
}
