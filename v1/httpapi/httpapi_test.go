package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-coedit/v1/coordinator"
	"github.com/mirkobrombin/go-coedit/v1/eventbus"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presets"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	stack := presets.NewInMemoryStandalone(policy.Default())
	srv := httptest.NewServer(New(stack.Service, WithEventBus(stack.Bus)))
	t.Cleanup(func() {
		srv.Close()
		stack.Cache.Close()
	})
	return srv
}

func do(t *testing.T, method, url, userID, userName string, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Name", userName)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestSnapshotRequiresUser(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSnapshotJoinsAndReturnsState(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	var snap coordinator.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Presence) != 1 || snap.Presence[0].UserID != "alice" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLockConflictMapsTo409(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "").Body.Close()
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "bob", "Bob", "").Body.Close()

	resp := do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "alice", "Alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "bob", "Bob", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var body struct {
		Error  string `json:"error"`
		HeldBy string `json:"held_by"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "lock_conflict" || body.HeldBy != "alice" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestLockWithoutPresenceMapsTo403(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "alice", "Alice", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUnlockFlow(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "").Body.Close()
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "bob", "Bob", "").Body.Close()
	do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "alice", "Alice", "").Body.Close()

	// non-holder cannot release
	resp := do(t, http.MethodDelete, srv.URL+"/v1/documents/42/sections/7/lock", "bob", "Bob", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodDelete, srv.URL+"/v1/documents/42/sections/7/lock", "alice", "Alice", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "bob", "Bob", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after release, got %d", resp.StatusCode)
	}
}

func TestCursorUpdate(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "").Body.Close()

	resp := do(t, http.MethodPut, srv.URL+"/v1/documents/42/cursor", "alice", "Alice",
		`{"section_id":"7","offset":120}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "")
	defer resp.Body.Close()
	var snap coordinator.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Cursors) != 1 || snap.Cursors[0].Offset != 120 {
		t.Fatalf("unexpected cursors %+v", snap.Cursors)
	}
}

func TestLeave(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "").Body.Close()

	resp := do(t, http.MethodDelete, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "bob", "Bob", "")
	defer resp.Body.Close()
	var snap coordinator.Snapshot
	_ = json.NewDecoder(resp.Body).Decode(&snap)
	for _, e := range snap.Presence {
		if e.UserID == "alice" {
			t.Fatal("alice still present after leave")
		}
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/documents/42/presence", "alice", "Alice", "").Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/documents/42/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	// give the subscription a moment, then trigger a transition
	time.Sleep(100 * time.Millisecond)
	do(t, http.MethodPost, srv.URL+"/v1/documents/42/sections/7/lock", "alice", "Alice", "").Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != eventbus.TypeLockAcquired || ev.SectionID != "7" {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("no event received: %v", scanner.Err())
}
