// Package coordinator is the public façade of the collaborative editing
// coordinator. It combines the presence registry and the section lock
// manager into the operations external callers use: the polled snapshot
// (which doubles as the caller's heartbeat), explicit lock and unlock, and
// best-effort cursor updates. Every state transition is published on the
// event bus so push transports can notify instead of waiting for a poll.
package coordinator

import (
	"context"
	stdErrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
	"github.com/mirkobrombin/go-coedit/v1/eventbus"
	"github.com/mirkobrombin/go-coedit/v1/lock"
	"github.com/mirkobrombin/go-coedit/v1/metrics"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presence"
	"github.com/mirkobrombin/go-coedit/v1/snapcache"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coedit/v1/coordinator")

// User is the already-authenticated caller identity supplied by the
// surrounding application. The coordinator trusts it as-is.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is the merged read returned to pollers.
type Snapshot struct {
	Presence []presence.Entry   `json:"presence"`
	Locks    []lock.SectionLock `json:"locks"`
	Cursors  []presence.Cursor  `json:"cursors"`
}

// Service combines the presence registry, the lock manager and the event
// bus behind the operations of the public API.
type Service struct {
	presence    *presence.Registry
	locks       *lock.Manager
	bus         eventbus.Bus
	snaps       *snapcache.Cache[Snapshot]
	presenceTTL time.Duration
	now         policy.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithEventBus sets the bus state transitions are published on.
func WithEventBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithSnapshotCache enables short-TTL snapshot caching.
func WithSnapshotCache(c *snapcache.Cache[Snapshot]) Option {
	return func(s *Service) { s.snaps = c }
}

// WithClock injects the time source, mainly for tests.
func WithClock(c policy.Clock) Option {
	return func(s *Service) { s.now = c }
}

// NewService returns a coordinator façade over the given registry and
// manager.
func NewService(reg *presence.Registry, locks *lock.Manager, pol policy.Policy, opts ...Option) *Service {
	s := &Service{presence: reg, locks: locks, presenceTTL: pol.PresenceTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(ctx context.Context, typ, documentID, sectionID, userID string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, eventbus.New(typ, documentID, sectionID, userID, s.now()))
}

func (s *Service) invalidate(documentID string) {
	if s.snaps != nil {
		s.snaps.Invalidate(documentID)
	}
}

// Snapshot renews the caller's presence (joining on first contact), extends
// the locks the caller holds, and returns the merged presence, lock and
// cursor state of the document.
func (s *Service) Snapshot(ctx context.Context, documentID string, user User) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Snapshot",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	joined := false
	if _, err := s.presence.Heartbeat(ctx, documentID, user.ID); err != nil {
		if !stdErrors.Is(err, coerrors.ErrUnknownSession) {
			return Snapshot{}, err
		}
		if _, err := s.presence.Join(ctx, documentID, user.ID, user.Name); err != nil {
			return Snapshot{}, err
		}
		joined = true
	}
	if joined {
		metrics.JoinCounter.Inc()
		s.invalidate(documentID)
		s.publish(ctx, eventbus.TypeJoined, documentID, "", user.ID)
	} else {
		metrics.HeartbeatCounter.Inc()
	}

	// heartbeat-by-holder: polling keeps the caller's locks renewed
	if err := s.locks.RenewHolder(ctx, documentID, user.ID); err != nil {
		return Snapshot{}, err
	}

	if !joined && s.snaps != nil {
		if snap, ok := s.snaps.Get(documentID); ok {
			return s.filterLive(snap), nil
		}
	}
	snap, err := s.buildSnapshot(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	if s.snaps != nil {
		s.snaps.Set(documentID, snap)
	}
	return snap, nil
}

// filterLive re-applies the read-time TTL rules to a cached snapshot. A
// record that expired inside the cache window must read as gone, the same as
// it does on a fresh read from the store.
func (s *Service) filterLive(snap Snapshot) Snapshot {
	now := s.now()
	out := Snapshot{
		Presence: make([]presence.Entry, 0, len(snap.Presence)),
		Locks:    make([]lock.SectionLock, 0, len(snap.Locks)),
		Cursors:  make([]presence.Cursor, 0, len(snap.Cursors)),
	}
	for _, e := range snap.Presence {
		if now.Sub(e.LastHeartbeatAt) <= s.presenceTTL {
			out.Presence = append(out.Presence, e)
		}
	}
	for _, l := range snap.Locks {
		if l.ExpiresAt.After(now) {
			out.Locks = append(out.Locks, l)
		}
	}
	for _, c := range snap.Cursors {
		if now.Sub(c.UpdatedAt) <= s.presenceTTL {
			out.Cursors = append(out.Cursors, c)
		}
	}
	return out
}

func (s *Service) buildSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	entries, err := s.presence.List(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	locks, err := s.locks.ListForDocument(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	cursors, err := s.presence.Cursors(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Presence: entries, Locks: locks, Cursors: cursors}, nil
}

// LockSection grants or refreshes the exclusive lock on a section. A live
// lock held by someone else yields a ConflictError; a caller without live
// presence gets ErrNotPresent.
func (s *Service) LockSection(ctx context.Context, documentID, sectionID string, user User) (lock.SectionLock, error) {
	ctx, span := tracer.Start(ctx, "coordinator.LockSection",
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("section.id", sectionID),
		))
	defer span.End()

	l, err := s.locks.Acquire(ctx, documentID, sectionID, user.ID, user.Name)
	if err != nil {
		if _, ok := coerrors.AsConflict(err); ok {
			metrics.LockConflictCounter.Inc()
		}
		return lock.SectionLock{}, err
	}
	metrics.LockAcquireCounter.Inc()
	s.invalidate(documentID)
	typ := eventbus.TypeLockAcquired
	if l.RenewedAt.After(l.AcquiredAt) {
		typ = eventbus.TypeLockRenewed
	}
	s.publish(ctx, typ, documentID, sectionID, user.ID)
	return l, nil
}

// UnlockSection releases the caller's lock on a section. Releasing an
// absent lock succeeds; a lock held by someone else yields ErrLockNotHeld.
func (s *Service) UnlockSection(ctx context.Context, documentID, sectionID string, user User) error {
	ctx, span := tracer.Start(ctx, "coordinator.UnlockSection",
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("section.id", sectionID),
		))
	defer span.End()

	released, err := s.locks.Release(ctx, documentID, sectionID, user.ID)
	if err != nil {
		return err
	}
	if released {
		metrics.LockReleaseCounter.Inc()
		s.invalidate(documentID)
		s.publish(ctx, eventbus.TypeLockReleased, documentID, sectionID, user.ID)
	}
	return nil
}

// UpdateCursor records the caller's cursor position. Best-effort: never
// consulted for locking decisions and never blocks them.
func (s *Service) UpdateCursor(ctx context.Context, documentID, sectionID string, user User, offset int) error {
	if _, err := s.presence.UpdateCursor(ctx, documentID, user.ID, sectionID, offset); err != nil {
		return err
	}
	s.invalidate(documentID)
	s.publish(ctx, eventbus.TypeCursorMoved, documentID, sectionID, user.ID)
	return nil
}

// Leave removes the caller's presence on a clean disconnect and releases
// every lock they hold, so the sections free immediately instead of after
// the TTL.
func (s *Service) Leave(ctx context.Context, documentID string, user User) error {
	evicted, err := s.locks.EvictHolder(ctx, documentID, user.ID)
	if err != nil {
		return err
	}
	if err := s.presence.Leave(ctx, documentID, user.ID); err != nil {
		return err
	}
	s.invalidate(documentID)
	for _, l := range evicted {
		metrics.LockReleaseCounter.Inc()
		s.publish(ctx, eventbus.TypeLockReleased, documentID, l.SectionID, user.ID)
	}
	s.publish(ctx, eventbus.TypeLeft, documentID, "", user.ID)
	return nil
}
