package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/store"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pol := policy.Default() // 24s presence TTL
	r := NewRegistry(
		store.NewInMemory[Entry](),
		store.NewInMemory[Cursor](),
		pol,
		WithClock(func() time.Time { return now }),
	)
	return r, &now
}

func TestJoinThenList(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	e, err := r.Join(ctx, "42", "alice", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if e.DocumentID != "42" || e.UserID != "alice" || e.DisplayName != "Alice" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.JoinedAt.Equal(e.LastHeartbeatAt) {
		t.Fatal("fresh join should set joined_at == last_heartbeat_at")
	}

	got, err := r.List(ctx, "42")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("unexpected list %+v", got)
	}
}

func TestJoinIsIdempotentHeartbeat(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	first, _ := r.Join(ctx, "42", "alice", "Alice")
	*now = now.Add(8 * time.Second)
	second, err := r.Join(ctx, "42", "alice", "Alice")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if !second.JoinedAt.Equal(first.JoinedAt) {
		t.Fatal("re-join should keep the original joined_at")
	}
	if !second.LastHeartbeatAt.After(first.LastHeartbeatAt) {
		t.Fatal("re-join should renew the heartbeat")
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "42", "ghost"); !errors.Is(err, coerrors.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}

	// an expired entry reads as no session at all
	_, _ = r.Join(ctx, "42", "alice", "Alice")
	*now = now.Add(25 * time.Second)
	if _, err := r.Heartbeat(ctx, "42", "alice"); !errors.Is(err, coerrors.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession after expiry, got %v", err)
	}
}

func TestExpiredEntriesFilteredFromReads(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Join(ctx, "42", "alice", "Alice")
	_, _ = r.Join(ctx, "42", "bob", "Bob")
	*now = now.Add(20 * time.Second)
	if _, err := r.Heartbeat(ctx, "42", "bob"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	*now = now.Add(10 * time.Second) // alice now 30s stale, bob 10s

	got, err := r.List(ctx, "42")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("expected only bob, got %+v", got)
	}
	if ok, _ := r.IsPresent(ctx, "42", "alice"); ok {
		t.Fatal("alice should not read as present")
	}
	if ok, _ := r.IsPresent(ctx, "42", "bob"); !ok {
		t.Fatal("bob should read as present")
	}
}

func TestJoinAfterExpiryStartsFreshSession(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	first, _ := r.Join(ctx, "42", "alice", "Alice")
	*now = now.Add(time.Minute)
	second, err := r.Join(ctx, "42", "alice", "Alice")
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if !second.JoinedAt.After(first.JoinedAt) {
		t.Fatal("join over an expired entry should reset joined_at")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Join(ctx, "42", "alice", "Alice")
	_, _ = r.UpdateCursor(ctx, "42", "alice", "7", 120)
	if err := r.Leave(ctx, "42", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got, _ := r.List(ctx, "42"); len(got) != 0 {
		t.Fatalf("expected empty presence, got %+v", got)
	}
	if got, _ := r.Cursors(ctx, "42"); len(got) != 0 {
		t.Fatalf("expected cursor removed with presence, got %+v", got)
	}
	if err := r.Leave(ctx, "42", "alice"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestCursorsOverwrittenPerUser(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.UpdateCursor(ctx, "42", "alice", "7", 10)
	*now = now.Add(time.Second)
	_, _ = r.UpdateCursor(ctx, "42", "alice", "9", 55)

	got, err := r.Cursors(ctx, "42")
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	if len(got) != 1 || got[0].SectionID != "9" || got[0].Offset != 55 {
		t.Fatalf("unexpected cursors %+v", got)
	}

	// cursors expire on the presence TTL
	*now = now.Add(time.Minute)
	if got, _ := r.Cursors(ctx, "42"); len(got) != 0 {
		t.Fatalf("expected expired cursor filtered, got %+v", got)
	}
}

func TestSweepExpiredEvictsStaleOnly(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Join(ctx, "42", "alice", "Alice")
	_, _ = r.Join(ctx, "42", "bob", "Bob")
	_, _ = r.UpdateCursor(ctx, "42", "alice", "7", 10)
	*now = now.Add(20 * time.Second)
	_, _ = r.Heartbeat(ctx, "42", "bob")
	*now = now.Add(10 * time.Second)

	evicted, err := r.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(evicted) != 1 || evicted[0].UserID != "alice" {
		t.Fatalf("expected alice evicted, got %+v", evicted)
	}
	if got, _ := r.Cursors(ctx, "42"); len(got) != 0 {
		t.Fatalf("expected alice's cursor swept, got %+v", got)
	}
	if ok, _ := r.IsPresent(ctx, "42", "bob"); !ok {
		t.Fatal("bob should survive the sweep")
	}
}

func TestHeartbeatsPerDocumentAreIndependent(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Join(ctx, "42", "alice", "Alice")
	_, _ = r.Join(ctx, "43", "alice", "Alice")
	*now = now.Add(20 * time.Second)
	_, _ = r.Heartbeat(ctx, "43", "alice")
	*now = now.Add(10 * time.Second)

	if ok, _ := r.IsPresent(ctx, "42", "alice"); ok {
		t.Fatal("doc 42 presence should have expired")
	}
	if ok, _ := r.IsPresent(ctx, "43", "alice"); !ok {
		t.Fatal("doc 43 presence should still be live")
	}
}
