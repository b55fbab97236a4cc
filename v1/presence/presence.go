// Package presence tracks which users are actively viewing a document.
// Entries are renewed by heartbeats and considered gone once the presence
// TTL lapses; expired entries are filtered out of every read even before
// the sweeper physically removes them.
package presence

import (
	"context"
	"sort"
	"time"

	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/store"
)

// KeyPrefix is the namespace for presence records in the shared store.
const KeyPrefix = "coedit:presence:"

// CursorKeyPrefix is the namespace for cursor records.
const CursorKeyPrefix = "coedit:cursor:"

// Key returns the store key for a user's presence in a document.
func Key(documentID, userID string) string {
	return KeyPrefix + documentID + ":" + userID
}

// CursorKey returns the store key for a user's cursor in a document.
func CursorKey(documentID, userID string) string {
	return CursorKeyPrefix + documentID + ":" + userID
}

// Entry records that a user is viewing a document.
type Entry struct {
	DocumentID      string    `json:"document_id"`
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	JoinedAt        time.Time `json:"joined_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Cursor is a best-effort marker of where a user last edited. It shares the
// presence TTL lifecycle and is never consulted for locking decisions.
type Cursor struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	SectionID  string    `json:"section_id"`
	Offset     int       `json:"offset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry tracks presence entries and cursors through the shared store.
type Registry struct {
	entries store.Store[Entry]
	cursors store.Store[Cursor]
	ttl     time.Duration
	now     policy.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the time source, mainly for tests.
func WithClock(c policy.Clock) Option {
	return func(r *Registry) { r.now = c }
}

// NewRegistry returns a Registry persisting through the given stores.
func NewRegistry(entries store.Store[Entry], cursors store.Store[Cursor], pol policy.Policy, opts ...Option) *Registry {
	r := &Registry{entries: entries, cursors: cursors, ttl: pol.PresenceTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) live(e Entry, now time.Time) bool {
	return now.Sub(e.LastHeartbeatAt) <= r.ttl
}

// Join registers the user as present in the document. It is idempotent: a
// live entry is renewed as if by Heartbeat, an expired leftover is replaced
// by a fresh session.
func (r *Registry) Join(ctx context.Context, documentID, userID, displayName string) (Entry, error) {
	key := Key(documentID, userID)
	for {
		cur, found, err := r.entries.Get(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		now := r.now()
		e := Entry{
			DocumentID:      documentID,
			UserID:          userID,
			DisplayName:     displayName,
			JoinedAt:        now,
			LastHeartbeatAt: now,
		}
		var expected int64
		if found {
			expected = cur.Version
			if r.live(cur.Value, now) {
				e.JoinedAt = cur.Value.JoinedAt
				if displayName == "" {
					e.DisplayName = cur.Value.DisplayName
				}
				// timestamps never move backward
				if cur.Value.LastHeartbeatAt.After(now) {
					e.LastHeartbeatAt = cur.Value.LastHeartbeatAt
				}
			}
		}
		if _, ok, err := r.entries.CompareAndSwap(ctx, key, expected, e); err != nil {
			return Entry{}, err
		} else if ok {
			return e, nil
		}
		// lost the write race, re-read and go again
	}
}

// Heartbeat renews the user's presence entry. It fails with
// ErrUnknownSession when the user never joined or the entry has expired;
// the caller should join instead.
func (r *Registry) Heartbeat(ctx context.Context, documentID, userID string) (Entry, error) {
	key := Key(documentID, userID)
	for {
		cur, found, err := r.entries.Get(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		now := r.now()
		if !found || !r.live(cur.Value, now) {
			return Entry{}, coerrors.ErrUnknownSession
		}
		e := cur.Value
		if now.After(e.LastHeartbeatAt) {
			e.LastHeartbeatAt = now
		}
		if _, ok, err := r.entries.CompareAndSwap(ctx, key, cur.Version, e); err != nil {
			return Entry{}, err
		} else if ok {
			return e, nil
		}
	}
}

// List returns the live presence entries for a document, oldest join first.
func (r *Registry) List(ctx context.Context, documentID string) ([]Entry, error) {
	found, err := r.entries.List(ctx, KeyPrefix+documentID+":")
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Entry, 0, len(found))
	for _, e := range found {
		if r.live(e.Value, now) {
			out = append(out, e.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// IsPresent reports whether the user has a live presence entry.
func (r *Registry) IsPresent(ctx context.Context, documentID, userID string) (bool, error) {
	cur, found, err := r.entries.Get(ctx, Key(documentID, userID))
	if err != nil {
		return false, err
	}
	return found && r.live(cur.Value, r.now()), nil
}

// Leave removes the user's presence entry and cursor. It is an idempotent
// no-op when the user is not present.
func (r *Registry) Leave(ctx context.Context, documentID, userID string) error {
	if _, err := r.entries.Delete(ctx, Key(documentID, userID), 0); err != nil {
		return err
	}
	_, err := r.cursors.Delete(ctx, CursorKey(documentID, userID), 0)
	return err
}

// UpdateCursor overwrites the user's cursor position. Best-effort: a lost
// write race is simply retried against the newer version.
func (r *Registry) UpdateCursor(ctx context.Context, documentID, userID, sectionID string, offset int) (Cursor, error) {
	key := CursorKey(documentID, userID)
	for {
		cur, found, err := r.cursors.Get(ctx, key)
		if err != nil {
			return Cursor{}, err
		}
		c := Cursor{
			DocumentID: documentID,
			UserID:     userID,
			SectionID:  sectionID,
			Offset:     offset,
			UpdatedAt:  r.now(),
		}
		var expected int64
		if found {
			expected = cur.Version
			if cur.Value.UpdatedAt.After(c.UpdatedAt) {
				c.UpdatedAt = cur.Value.UpdatedAt
			}
		}
		if _, ok, err := r.cursors.CompareAndSwap(ctx, key, expected, c); err != nil {
			return Cursor{}, err
		} else if ok {
			return c, nil
		}
	}
}

// Cursors returns the live cursor positions for a document.
func (r *Registry) Cursors(ctx context.Context, documentID string) ([]Cursor, error) {
	found, err := r.cursors.List(ctx, CursorKeyPrefix+documentID+":")
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Cursor, 0, len(found))
	for _, c := range found {
		if now.Sub(c.Value.UpdatedAt) <= r.ttl {
			out = append(out, c.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SweepExpired removes presence entries past the TTL and their cursors,
// returning the evicted entries so dependent locks can be cascaded. Each
// eviction is version-checked, so an entry renewed mid-sweep survives.
func (r *Registry) SweepExpired(ctx context.Context) ([]Entry, error) {
	found, err := r.entries.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var evicted []Entry
	for key, e := range found {
		if r.live(e.Value, now) {
			continue
		}
		ok, err := r.entries.Delete(ctx, key, e.Version)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted = append(evicted, e.Value)
			if _, err := r.cursors.Delete(ctx, CursorKey(e.Value.DocumentID, e.Value.UserID), 0); err != nil {
				return evicted, err
			}
		}
	}
	return evicted, nil
}
