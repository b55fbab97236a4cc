package policy

import "time"

// DefaultPollInterval is the cadence at which clients are expected to poll
// the presence snapshot. TTL defaults derive from it.
const DefaultPollInterval = 8 * time.Second

// Clock returns the current time. Injectable so TTL behavior can be tested
// against a simulated clock.
type Clock func() time.Time

// Policy holds the timing configuration shared by the presence registry,
// the lock manager and the sweeper.
type Policy struct {
	// HeartbeatInterval is the expected client poll cadence. Informational;
	// the coordinator never enforces it.
	HeartbeatInterval time.Duration
	// PresenceTTL is how long a presence entry stays live without a heartbeat.
	PresenceTTL time.Duration
	// LockTTL is how long a section lock stays live without a renewal.
	LockTTL time.Duration
	// SweepInterval is the cadence of the background eviction pass.
	SweepInterval time.Duration
}

// Option mutates a Policy.
type Option func(*Policy)

// WithPresenceTTL overrides the presence TTL.
func WithPresenceTTL(d time.Duration) Option {
	return func(p *Policy) { p.PresenceTTL = d }
}

// WithLockTTL overrides the lock TTL.
func WithLockTTL(d time.Duration) Option {
	return func(p *Policy) { p.LockTTL = d }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Policy) { p.SweepInterval = d }
}

// WithHeartbeatInterval overrides the expected poll cadence and rederives
// the TTLs from it, unless they are overridden by a later option.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Policy) {
		p.HeartbeatInterval = d
		p.PresenceTTL = 3 * d
		p.LockTTL = 3 * d
		p.SweepInterval = p.PresenceTTL / 2
	}
}

// Default returns the policy derived from the default 8s poll cadence:
// presence and lock TTLs at three missed polls, sweep at half the shorter
// TTL so nothing lingers past roughly 1.5x its TTL.
func Default(opts ...Option) Policy {
	p := Policy{HeartbeatInterval: DefaultPollInterval}
	p.PresenceTTL = 3 * p.HeartbeatInterval
	p.LockTTL = p.PresenceTTL
	p.SweepInterval = min(p.PresenceTTL, p.LockTTL) / 2
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
