// Package sweeper runs the periodic eviction pass over presence and lock
// state. Each tick executes two independent phases: expired presence
// entries are removed and the locks of their vanished holders cascaded
// away, then locks past their own expiry are removed regardless of the
// holder's presence. Every eviction is a version-checked per-key delete, so
// a record renewed mid-sweep survives and a long scan never blocks
// concurrent operations on unrelated keys.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/mirkobrombin/go-coedit/v1/eventbus"
	"github.com/mirkobrombin/go-coedit/v1/lock"
	"github.com/mirkobrombin/go-coedit/v1/metrics"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presence"
)

// Invalidator drops cached per-document reads after an eviction.
// Implemented by snapcache.Cache.
type Invalidator interface {
	Invalidate(documentID string)
}

// Sweeper evicts stale presence entries and expired locks on a fixed
// cadence.
type Sweeper struct {
	presence *presence.Registry
	locks    *lock.Manager
	interval time.Duration
	bus      eventbus.Bus
	inval    Invalidator
	now      policy.Clock
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithEventBus sets the bus evictions are published on.
func WithEventBus(bus eventbus.Bus) Option {
	return func(s *Sweeper) { s.bus = bus }
}

// WithInvalidator sets the snapshot cache to invalidate on eviction.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Sweeper) { s.inval = inv }
}

// WithClock injects the time source, mainly for tests.
func WithClock(c policy.Clock) Option {
	return func(s *Sweeper) { s.now = c }
}

// New returns a Sweeper ticking at the policy's sweep interval.
func New(reg *presence.Registry, locks *lock.Manager, pol policy.Policy, opts ...Option) *Sweeper {
	s := &Sweeper{presence: reg, locks: locks, interval: pol.SweepInterval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured cadence until the context ends. A failed
// pass is logged and retried on the next tick; it never stops the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("coedit: sweep failed: %v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sweeper) publish(ctx context.Context, typ, documentID, sectionID, userID string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, eventbus.New(typ, documentID, sectionID, userID, s.now()))
}

func (s *Sweeper) invalidate(documentID string) {
	if s.inval != nil {
		s.inval.Invalidate(documentID)
	}
}

// SweepOnce executes one two-phase eviction pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	// phase 1: stale presence, cascading to the vanished holders' locks
	evicted, err := s.presence.SweepExpired(ctx)
	for _, e := range evicted {
		metrics.SweepPresenceEvictions.Inc()
		s.invalidate(e.DocumentID)
		s.publish(ctx, eventbus.TypePresenceExpired, e.DocumentID, "", e.UserID)

		// a lock renewed after the evicted entry's last heartbeat belongs
		// to a session that rejoined mid-sweep and must survive
		cascaded, cerr := s.locks.EvictHolderBefore(ctx, e.DocumentID, e.UserID, e.LastHeartbeatAt)
		for _, l := range cascaded {
			metrics.SweepLockEvictions.Inc()
			s.publish(ctx, eventbus.TypeLockExpired, l.DocumentID, l.SectionID, l.HolderID)
		}
		if cerr != nil {
			return cerr
		}
	}
	if err != nil {
		return err
	}

	// phase 2: locks past their own expiry, independent of presence
	expired, err := s.locks.SweepExpired(ctx)
	for _, l := range expired {
		metrics.SweepLockEvictions.Inc()
		s.invalidate(l.DocumentID)
		s.publish(ctx, eventbus.TypeLockExpired, l.DocumentID, l.SectionID, l.HolderID)
	}
	return err
}
