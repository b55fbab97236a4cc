package lock

import (
	"context"
	"sort"
	"time"

	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/store"
)

// KeyPrefix is the namespace for section lock records in the shared store.
const KeyPrefix = "coedit:lock:"

// Key returns the store key for a section's lock.
func Key(documentID, sectionID string) string {
	return KeyPrefix + documentID + ":" + sectionID
}

// SectionLock is an exclusive claim by one user on one document section.
type SectionLock struct {
	DocumentID string    `json:"document_id"`
	SectionID  string    `json:"section_id"`
	HolderID   string    `json:"holder_user_id"`
	HolderName string    `json:"holder_display_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l SectionLock) live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// PresenceChecker reports whether a user has a live presence entry for a
// document. Implemented by presence.Registry.
type PresenceChecker interface {
	IsPresent(ctx context.Context, documentID, userID string) (bool, error)
}

// Manager enforces the acquire/release rules for section locks.
type Manager struct {
	locks    store.Store[SectionLock]
	presence PresenceChecker
	ttl      time.Duration
	now      policy.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source, mainly for tests.
func WithClock(c policy.Clock) Option {
	return func(m *Manager) { m.now = c }
}

// NewManager returns a Manager persisting through the given store.
func NewManager(locks store.Store[SectionLock], presence PresenceChecker, pol policy.Policy, opts ...Option) *Manager {
	m := &Manager{locks: locks, presence: presence, ttl: pol.LockTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants the section lock to the caller, or refreshes it when the
// caller already holds it. A live lock held by someone else yields a
// ConflictError and leaves the record untouched. The caller must have a
// live presence entry for the document.
func (m *Manager) Acquire(ctx context.Context, documentID, sectionID, userID, displayName string) (SectionLock, error) {
	present, err := m.presence.IsPresent(ctx, documentID, userID)
	if err != nil {
		return SectionLock{}, err
	}
	if !present {
		return SectionLock{}, coerrors.ErrNotPresent
	}

	key := Key(documentID, sectionID)
	for {
		cur, found, err := m.locks.Get(ctx, key)
		if err != nil {
			return SectionLock{}, err
		}
		now := m.now()
		l := SectionLock{
			DocumentID: documentID,
			SectionID:  sectionID,
			HolderID:   userID,
			HolderName: displayName,
			AcquiredAt: now,
			RenewedAt:  now,
			ExpiresAt:  now.Add(m.ttl),
		}
		var expected int64
		if found {
			expected = cur.Version
			if cur.Value.live(now) {
				if cur.Value.HolderID != userID {
					return SectionLock{}, &coerrors.ConflictError{
						HeldBy: cur.Value.HolderID,
						Since:  cur.Value.AcquiredAt,
					}
				}
				// re-entrant acquire keeps the original grant time
				l.AcquiredAt = cur.Value.AcquiredAt
				if cur.Value.RenewedAt.After(l.RenewedAt) {
					l.RenewedAt = cur.Value.RenewedAt
					l.ExpiresAt = cur.Value.ExpiresAt
				}
			}
			// an expired leftover is overwritten as a fresh grant
		}
		if _, ok, err := m.locks.CompareAndSwap(ctx, key, expected, l); err != nil {
			return SectionLock{}, err
		} else if ok {
			return l, nil
		}
		// lost the write race, re-read; a race lost to another holder
		// surfaces as a conflict on the next pass
	}
}

// Release deletes the lock if the caller holds it. Releasing an absent or
// expired lock is an idempotent success; a live lock held by someone else
// yields ErrLockNotHeld and is left untouched. The boolean return reports
// whether a lock held by the caller was actually removed.
func (m *Manager) Release(ctx context.Context, documentID, sectionID, userID string) (bool, error) {
	key := Key(documentID, sectionID)
	for {
		cur, found, err := m.locks.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		now := m.now()
		if !cur.Value.live(now) {
			// clear the expired leftover, nothing to report
			if _, err := m.locks.Delete(ctx, key, cur.Version); err != nil {
				return false, err
			}
			return false, nil
		}
		if cur.Value.HolderID != userID {
			return false, coerrors.ErrLockNotHeld
		}
		ok, err := m.locks.Delete(ctx, key, cur.Version)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
}

// Get returns the live lock for a section, if any. Expired records read as
// absent even before the sweeper removes them.
func (m *Manager) Get(ctx context.Context, documentID, sectionID string) (SectionLock, bool, error) {
	cur, found, err := m.locks.Get(ctx, Key(documentID, sectionID))
	if err != nil {
		return SectionLock{}, false, err
	}
	if !found || !cur.Value.live(m.now()) {
		return SectionLock{}, false, nil
	}
	return cur.Value, true, nil
}

// ListForDocument returns the live locks of a document, ordered by section.
func (m *Manager) ListForDocument(ctx context.Context, documentID string) ([]SectionLock, error) {
	found, err := m.locks.List(ctx, KeyPrefix+documentID+":")
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]SectionLock, 0, len(found))
	for _, l := range found {
		if l.Value.live(now) {
			out = append(out, l.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out, nil
}

// RenewHolder extends every live lock the user holds in the document. Used
// by the heartbeat path so a polling holder keeps its sections. Lost write
// races are skipped; the next heartbeat catches up.
func (m *Manager) RenewHolder(ctx context.Context, documentID, userID string) error {
	found, err := m.locks.List(ctx, KeyPrefix+documentID+":")
	if err != nil {
		return err
	}
	now := m.now()
	for key, cur := range found {
		l := cur.Value
		if l.HolderID != userID || !l.live(now) {
			continue
		}
		if now.After(l.RenewedAt) {
			l.RenewedAt = now
			l.ExpiresAt = now.Add(m.ttl)
		}
		if _, _, err := m.locks.CompareAndSwap(ctx, key, cur.Version, l); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired removes locks past their own expiry regardless of the
// holder's presence. Deletions are version-checked, so a lock renewed
// mid-sweep survives.
func (m *Manager) SweepExpired(ctx context.Context) ([]SectionLock, error) {
	found, err := m.locks.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var evicted []SectionLock
	for key, l := range found {
		if l.Value.live(now) {
			continue
		}
		ok, err := m.locks.Delete(ctx, key, l.Version)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted = append(evicted, l.Value)
		}
	}
	return evicted, nil
}

// EvictHolder removes every lock the user holds in the document, live or
// not. Used on an explicit leave, where the caller means all of them.
func (m *Manager) EvictHolder(ctx context.Context, documentID, userID string) ([]SectionLock, error) {
	return m.evictHolder(ctx, documentID, userID, time.Time{})
}

// EvictHolderBefore removes the user's locks in the document whose last
// renewal does not postdate cutoff. This is the cascade applied when a
// holder's presence lapses: a lock renewed after the evicted entry's last
// heartbeat belongs to a fresh session of the same user and is left alone.
func (m *Manager) EvictHolderBefore(ctx context.Context, documentID, userID string, cutoff time.Time) ([]SectionLock, error) {
	return m.evictHolder(ctx, documentID, userID, cutoff)
}

func (m *Manager) evictHolder(ctx context.Context, documentID, userID string, cutoff time.Time) ([]SectionLock, error) {
	found, err := m.locks.List(ctx, KeyPrefix+documentID+":")
	if err != nil {
		return nil, err
	}
	var evicted []SectionLock
	for key, l := range found {
		if l.Value.HolderID != userID {
			continue
		}
		if !cutoff.IsZero() && l.Value.RenewedAt.After(cutoff) {
			continue
		}
		ok, err := m.locks.Delete(ctx, key, l.Version)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted = append(evicted, l.Value)
		}
	}
	return evicted, nil
}
