package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-coedit/v1/metrics"
)

// sse streams the document's coordination events over Server-Sent Events.
// The same state machine drives poll and push clients; subscribers are
// simply told about transitions as they happen.
func (h *Handler) sse(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("doc")
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := h.bus.Subscribe(ctx, documentID)
	if err != nil {
		cancel()
		writeError(w, err)
		return
	}
	defer func() {
		cancel()
		_ = h.bus.Unsubscribe(context.Background(), documentID, ch)
	}()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	metrics.WatcherGauge.Inc()
	defer metrics.WatcherGauge.Dec()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{}

// websocket streams the document's coordination events over WebSocket.
func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("doc")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := h.bus.Subscribe(ctx, documentID)
	if err != nil {
		cancel()
		return
	}
	defer func() {
		cancel()
		_ = h.bus.Unsubscribe(context.Background(), documentID, ch)
	}()
	metrics.WatcherGauge.Inc()
	defer metrics.WatcherGauge.Dec()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
