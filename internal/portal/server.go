// Package portal implements the captive-portal HTTP service: serving the
// UI, the network list, accepting credentials, pushing live scan updates
// over SSE, and satisfying OS captive-portal probes.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wifi-captive/internal/wifitypes"
)

// fallbackIndex is served when no UIDirectory is configured: enough markup
// for a captive-portal browser to list networks and submit credentials
// against /networks and /connect without any bundled frontend.
const fallbackIndex = `<!DOCTYPE html>
<html><head><title>wifi-captive</title></head>
<body>
<h1>Wi-Fi setup</h1>
<div id="networks"></div>
<form id="connect">
<input name="ssid" placeholder="SSID" required>
<input name="passphrase" placeholder="Passphrase" type="password">
<button type="submit">Connect</button>
</form>
</body></html>`

// errorResponse is the machine-readable body on every 4xx/5xx, mirroring
// the teacher's writeError/ErrorResponse helpers in internal/handlers.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reasonCode string) {
	writeJSON(w, status, errorResponse{Error: reasonCode})
}

// connectRequest is the POST /connect body.
type connectRequest struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase,omitempty"`
	Identity   string `json:"identity,omitempty"`
	HW         string `json:"hw,omitempty"`
}

// Portal wires the HTTP routes to the Supervisor (via the Credentials
// channel and ReportConnectResult) and to the Backend's scan cache (via the
// snapshot/refresh callbacks the Supervisor injects at construction time;
// the portal never talks to the Backend directly).
type Portal struct {
	cfg      wifitypes.PortalConfig
	log      zerolog.Logger
	snapshot func() wifitypes.AccessPoints
	refresh  func() error

	creds   chan wifitypes.Credentials
	lastErr atomic.Value // stores error, possibly nil-wrapped

	hub      *sseHub
	shutdown chan struct{}
	router   chi.Router
	srv      *http.Server

	onActivity func()
}

// OnActivity registers a callback invoked on every inbound request, letting
// the Supervisor reset its retry timer whenever a client is actively using
// the portal.
func (p *Portal) OnActivity(fn func()) {
	p.onActivity = fn
}

// New constructs a Portal bound to cfg.Gateway:cfg.ListenPort. snapshot
// returns the backend's current scan cache; refresh asks the backend to
// rescan.
func New(cfg wifitypes.PortalConfig, log zerolog.Logger, snapshot func() wifitypes.AccessPoints, refresh func() error) *Portal {
	p := &Portal{
		cfg:      cfg,
		log:      log.With().Str("component", "portal").Logger(),
		snapshot: snapshot,
		refresh:  refresh,
		creds:    make(chan wifitypes.Credentials, 1),
		hub:      newSSEHub(),
		shutdown: make(chan struct{}),
	}
	p.lastErr.Store(errBox{})
	p.router = p.routes()
	return p
}

// errBox wraps an error so atomic.Value can hold a nil one.
type errBox struct{ err error }

// Credentials returns the single-shot, single-producer/single-consumer
// channel POST /connect feeds. Capacity 1: a second submission before the
// Supervisor consumes the first overwrites it.
func (p *Portal) Credentials() <-chan wifitypes.Credentials {
	return p.creds
}

// ReportConnectResult lets the Supervisor hand back the outcome of the
// most recent connect attempt so the next /connect response can surface it.
func (p *Portal) ReportConnectResult(err error) {
	p.lastErr.Store(errBox{err: err})
}

func (p *Portal) takeLastError() error {
	box := p.lastErr.Swap(errBox{}).(errBox)
	return box.err
}

// BroadcastAdded/BroadcastRemoved let the Supervisor forward the backend's
// ap_change_stream to every connected /events subscriber.
func (p *Portal) BroadcastAdded(ap wifitypes.AccessPoint) { p.hub.broadcast(accessPointEvent(ap)) }
func (p *Portal) BroadcastRemoved(hw string)              { p.hub.broadcast(removedEvent(hw)) }

// Router exposes the chi router for tests.
func (p *Portal) Router() chi.Router { return p.router }

func (p *Portal) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(p.requestLogger)

	r.Get("/", p.handleIndex)
	r.Get("/ssid", p.handleSSID)
	r.Get("/networks", p.handleNetworks)
	r.Post("/connect", p.handleConnect)
	r.Get("/refresh", p.handleRefresh)
	r.Get("/events", p.serveEvents)

	for _, path := range []string{"/generate_204", "/hotspot-detect.html", "/ncsi.txt", "/connecttest.txt", "/redirect"} {
		r.Get(path, p.redirectToIndex)
	}

	r.NotFound(p.handleNotFound)
	return r
}

func (p *Portal) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if p.onActivity != nil {
			p.onActivity()
		}
		reqID := uuid.New().String()
		next.ServeHTTP(w, r)
		p.log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (p *Portal) handleIndex(w http.ResponseWriter, r *http.Request) {
	if p.cfg.UIDirectory != "" {
		http.ServeFile(w, r, p.cfg.UIDirectory+"/index.html")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(fallbackIndex))
}

func (p *Portal) handleSSID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ssid": p.cfg.SSID})
}

func (p *Portal) handleNetworks(w http.ResponseWriter, r *http.Request) {
	aps := p.snapshot()
	aps.SortByStrength()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(apsJSON(aps)))
}

func (p *Portal) handleConnect(w http.ResponseWriter, r *http.Request) {
	prev := p.takeLastError()
	if prev != nil {
		p.log.Debug().Err(prev).Msg("surfacing previous connect error to UI")
	}

	var body connectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if body.SSID == "" {
		writeError(w, http.StatusBadRequest, "invalid_ssid")
		return
	}
	if body.Passphrase != "" && len(body.Passphrase) < 8 {
		writeError(w, http.StatusBadRequest, "passphrase_too_short")
		return
	}

	creds := wifitypes.Credentials{
		SSID:       wifitypes.SSID(body.SSID),
		Passphrase: body.Passphrase,
		Identity:   body.Identity,
		HW:         body.HW,
	}

	select {
	case p.creds <- creds:
	default:
		// Capacity-1 overwrite semantics: drain the stale entry, then push
		// the new one.
		select {
		case <-p.creds:
		default:
		}
		p.creds <- creds
	}

	resp := map[string]string{"status": "submitted"}
	if prev != nil {
		if kind, ok := wifitypes.KindOf(prev); ok {
			resp["error"] = kind.String()
		} else {
			resp["error"] = "connect_failed"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Portal) handleRefresh(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := p.refresh(); err != nil {
			p.log.Warn().Err(err).Msg("refresh scan failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// redirectToIndex answers every captive-portal probe URL with a redirect
// to "/" so modern OSes trigger their captive-portal UX.
func (p *Portal) redirectToIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleNotFound is the unconditional fallback redirect for any unknown
// path whose Host header doesn't already point at the gateway.
func (p *Portal) handleNotFound(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	if host == p.cfg.Gateway.String() && r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Start begins serving on cfg.Gateway:cfg.ListenPort, bound to the gateway
// address only.
func (p *Portal) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Gateway.String(), p.cfg.ListenPort)
	p.srv = &http.Server{
		Addr:    addr,
		Handler: p.router,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return wifitypes.New(wifitypes.ErrIO, "portal.Start", err)
	}
	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Msg("portal http server error")
		}
	}()
	p.log.Info().Str("addr", addr).Msg("portal listening")
	return nil
}

// Stop signals every open SSE stream to flush a final comment and close,
// then shuts down the HTTP server within a 2s cancellation budget.
func (p *Portal) Stop() error {
	close(p.shutdown)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}
