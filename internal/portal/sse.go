package portal

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"wifi-captive/internal/wifitypes"
)

// sseEvent is one named Server-Sent Event frame.
type sseEvent struct {
	name string // "List", "Added", "Removed"
	data string
}

// sseHub fan-outs AP change events to every /events subscriber. The scan
// cache lives in the backend; the hub only forwards what the Supervisor
// relays from the backend's ap_change_stream, so every subscriber's view
// stays consistent with the backend's modulo delivery lag.
type sseHub struct {
	mu   sync.Mutex
	subs map[chan sseEvent]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{subs: make(map[chan sseEvent]struct{})}
}

func (h *sseHub) subscribe() chan sseEvent {
	ch := make(chan sseEvent, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *sseHub) unsubscribe(ch chan sseEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *sseHub) broadcast(ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the broadcaster.
			// The next List snapshot (on their next reconnect) resyncs them.
		}
	}
}

func accessPointEvent(ap wifitypes.AccessPoint) sseEvent {
	return sseEvent{name: "Added", data: apJSON(ap)}
}

func removedEvent(hw string) sseEvent {
	return sseEvent{name: "Removed", data: fmt.Sprintf(`{"hw":%q}`, hw)}
}

func listEvent(aps wifitypes.AccessPoints) sseEvent {
	return sseEvent{name: "List", data: apsJSON(aps)}
}

// serveEvents implements GET /events: text/event-stream, a List snapshot on
// connect, then Added/Removed as they occur, with a heartbeat comment every
// 20s. The subscription is held for the connection's life; a Supervisor
// shutdown signal (Stop closing p.shutdown) flushes a final comment and
// closes, while a client disconnect closes without one.
func (p *Portal) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := p.hub.subscribe()
	defer p.hub.unsubscribe(ch)

	writeSSE(w, listEvent(p.snapshot()))
	flusher.Flush()

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-p.shutdown:
			fmt.Fprint(w, ": closing\n\n")
			flusher.Flush()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
}
