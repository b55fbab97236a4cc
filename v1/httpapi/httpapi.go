// Package httpapi exposes the coordinator over REST plus SSE/WebSocket
// event streams. Caller identity arrives pre-authenticated in the
// X-User-ID and X-User-Name headers; the coordinator trusts it.
package httpapi

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	"github.com/mirkobrombin/go-coedit/v1/coordinator"
	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
	"github.com/mirkobrombin/go-coedit/v1/eventbus"
)

// Handler routes the coordinator API.
type Handler struct {
	svc *coordinator.Service
	bus eventbus.Bus
}

// Option configures a Handler.
type Option func(*Handler)

// WithEventBus enables the /events and /ws streaming endpoints.
func WithEventBus(bus eventbus.Bus) Option {
	return func(h *Handler) { h.bus = bus }
}

// New returns the coordinator HTTP handler.
func New(svc *coordinator.Service, opts ...Option) http.Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/documents/{doc}/presence", h.snapshot)
	mux.HandleFunc("DELETE /v1/documents/{doc}/presence", h.leave)
	mux.HandleFunc("POST /v1/documents/{doc}/sections/{section}/lock", h.lockSection)
	mux.HandleFunc("DELETE /v1/documents/{doc}/sections/{section}/lock", h.unlockSection)
	mux.HandleFunc("PUT /v1/documents/{doc}/cursor", h.updateCursor)
	if h.bus != nil {
		mux.HandleFunc("GET /v1/documents/{doc}/events", h.sse)
		mux.HandleFunc("GET /v1/documents/{doc}/ws", h.websocket)
	}
	return withRequestID(mux)
}

func caller(r *http.Request) (coordinator.User, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return coordinator.User{}, false
	}
	return coordinator.User{ID: id, Name: r.Header.Get("X-User-Name")}, true
}

type errorBody struct {
	Error  string `json:"error"`
	HeldBy string `json:"held_by,omitempty"`
	Since  string `json:"since,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if ce, ok := coerrors.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:  "lock_conflict",
			HeldBy: ce.HeldBy,
			Since:  ce.Since.UTC().Format(time.RFC3339Nano),
		})
		return
	}
	switch {
	case stdErrors.Is(err, coerrors.ErrNotPresent):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "not_present"})
	case stdErrors.Is(err, coerrors.ErrLockNotHeld):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "lock_not_held"})
	case stdErrors.Is(err, coerrors.ErrUnknownSession):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown_session"})
	case stdErrors.Is(err, coerrors.ErrStoreUnavailable),
		stdErrors.Is(err, coerrors.ErrTimeout),
		stdErrors.Is(err, coerrors.ErrConnectionClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

// snapshot returns the merged presence/lock/cursor view and renews the
// caller's presence as a side effect. This is the poll clients issue every
// heartbeat interval.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_user"})
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), r.PathValue("doc"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_user"})
		return
	}
	if err := h.svc.Leave(r.Context(), r.PathValue("doc"), user); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lockSection(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_user"})
		return
	}
	l, err := h.svc.LockSection(r.Context(), r.PathValue("doc"), r.PathValue("section"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) unlockSection(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_user"})
		return
	}
	if err := h.svc.UnlockSection(r.Context(), r.PathValue("doc"), r.PathValue("section"), user); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cursorRequest struct {
	SectionID string `json:"section_id"`
	Offset    int    `json:"offset"`
}

func (h *Handler) updateCursor(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_user"})
		return
	}
	var req cursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request"})
		return
	}
	if err := h.svc.UpdateCursor(r.Context(), r.PathValue("doc"), req.SectionID, user, req.Offset); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
