// Package eventbus propagates coordinator state transitions. Poll-based
// clients never need it; push transports and peer coordinator instances
// subscribe per document and are notified on every transition instead of
// waiting for the next poll. Delivery is best-effort: the store is the
// source of truth, events only shorten the time to notice a change.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Event types emitted by the coordinator and the sweeper.
const (
	TypeJoined          = "presence.joined"
	TypeLeft            = "presence.left"
	TypePresenceExpired = "presence.expired"
	TypeLockAcquired    = "lock.acquired"
	TypeLockRenewed     = "lock.renewed"
	TypeLockReleased    = "lock.released"
	TypeLockExpired     = "lock.expired"
	TypeCursorMoved     = "cursor.moved"
)

// Event describes one state transition in one document.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	DocumentID string    `json:"document_id"`
	SectionID  string    `json:"section_id,omitempty"`
	UserID     string    `json:"user_id"`
	At         time.Time `json:"at"`
}

// New builds an event with a fresh id.
func New(typ, documentID, sectionID, userID string, at time.Time) Event {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = ""
	}
	return Event{ID: id, Type: typ, DocumentID: documentID, SectionID: sectionID, UserID: userID, At: at}
}

// Bus fans events out to all subscribers of a document.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, documentID string) (chan Event, error)
	Unsubscribe(ctx context.Context, documentID string, ch chan Event) error
}

// Metrics reports publish/delivery counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus for single-instance
// deployments and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	// sends stay under the mutex: they never block (best-effort drop), and
	// Unsubscribe closes channels under the same mutex, so a send can never
	// race a close
	b.mu.Lock()
	for _, ch := range b.subs[ev.DocumentID] {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The channel is closed when the
// context ends or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, documentID string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[documentID] = append(b.subs[documentID], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), documentID, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, documentID string, ch chan Event) error {
	b.mu.Lock()
	subs := b.subs[documentID]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[documentID] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, documentID)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
