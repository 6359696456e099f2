// Package supervisor implements the top-level state machine described by
// the original project's state_machine.rs: TryReconnect, PortalActive,
// Connected and the terminal Exit state, fusing the wireless backend, the
// hotspot services and the HTTP portal into one cancellation-safe loop.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wifi-captive/internal/dhcp"
	"wifi-captive/internal/dns"
	"wifi-captive/internal/portal"
	"wifi-captive/internal/wifitypes"
)

// State names the current node in the state machine.
type State int

const (
	StateTryReconnect State = iota
	StatePortalActive
	StateConnected
	StateExit
)

func (s State) String() string {
	switch s {
	case StateTryReconnect:
		return "TryReconnect"
	case StatePortalActive:
		return "PortalActive"
	case StateConnected:
		return "Connected"
	case StateExit:
		return "Exit"
	default:
		return "Unknown"
	}
}

// ExitCode mirrors the process's exit codes.
type ExitCode int

const (
	ExitNormal             ExitCode = 0
	ExitConfigError        ExitCode = 1
	ExitBackendUnreachable ExitCode = 2
	ExitInterfaceUnusable  ExitCode = 3
	ExitSocketBindError    ExitCode = 4
)

// Supervisor drives the state machine. One Supervisor owns exactly one
// wireless interface for its lifetime.
type Supervisor struct {
	cfg     wifitypes.PortalConfig
	backend wifitypes.Backend
	log     zerolog.Logger

	iface wifitypes.Interface

	state State
	exit  ExitCode

	dhcpServer *dhcp.Server
	dnsServer  *dns.Server
	portal     *portal.Portal

	activityCh chan struct{}
}

// New constructs a Supervisor for the given config and backend. Run starts
// the state machine; it must be called at most once.
func New(cfg wifitypes.PortalConfig, backend wifitypes.Backend, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		backend:    backend,
		log:        log.With().Str("component", "supervisor").Str("run_id", uuid.New().String()).Logger(),
		state:      StateTryReconnect,
		activityCh: make(chan struct{}, 1),
	}
}

// backendRetryAttempts and backendRetryBase implement the backend-unavailable
// policy: retry up to backendRetryAttempts times total (the initial probe
// plus backendRetryAttempts-1 retries) with exponential backoff between
// attempts, fatal once exhausted. Vars rather than consts so tests can shrink
// them.
var (
	backendRetryAttempts = 5
	backendRetryBase     = 500 * time.Millisecond
)

// callBackend runs fn once; if it fails with ErrBackendUnavailable it retries
// with exponential backoff (base, 2*base, 4*base, ...) up to
// backendRetryAttempts total attempts, returning the last error once
// attempts are exhausted, or ctx.Err() if ctx is cancelled during a backoff
// wait. Any other error kind returns
// immediately after the probe, since retrying won't help a config or
// permission error.
func (s *Supervisor) callBackend(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if kind, ok := wifitypes.KindOf(err); !ok || kind != wifitypes.ErrBackendUnavailable {
		return err
	}

	for attempt := 1; attempt < backendRetryAttempts; attempt++ {
		wait := backendRetryBase << uint(attempt-1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err = fn(); err == nil {
			return nil
		}
		if kind, ok := wifitypes.KindOf(err); !ok || kind != wifitypes.ErrBackendUnavailable {
			return err
		}
	}
	return err
}

// Run executes the state machine until it reaches S3 Exit, honoring ctx
// cancellation as the Ctrl+C/SIGTERM path. It returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) ExitCode {
	ifaces, err := s.backend.ListInterfaces(ctx)
	if err != nil || len(ifaces) == 0 {
		s.log.Error().Err(err).Msg("no usable wireless interface")
		return ExitInterfaceUnusable
	}
	s.iface = ifaces[0]
	if s.cfg.Interface != "" {
		for _, i := range ifaces {
			if i.Name == s.cfg.Interface {
				s.iface = i
				break
			}
		}
	}

	for s.state != StateExit {
		stateCtx, cancel := context.WithCancel(ctx)
		next := s.step(stateCtx)
		cancel()

		if ctx.Err() != nil {
			s.state = StateExit
			continue
		}
		s.state = next
	}
	return s.exit
}

func (s *Supervisor) step(ctx context.Context) State {
	switch s.state {
	case StateTryReconnect:
		return s.runTryReconnect(ctx)
	case StatePortalActive:
		return s.runPortalActive(ctx)
	case StateConnected:
		return s.runConnected(ctx)
	default:
		return StateExit
	}
}

// runTryReconnect implements S0: attempt connect_to_any_known with a
// deadline of wait-before-reconfigure; success -> S2, else -> S1.
func (s *Supervisor) runTryReconnect(ctx context.Context) State {
	s.log.Info().Msg("trying to reconnect to a known network")
	deadline, cancel := context.WithTimeout(ctx, s.cfg.WaitBeforeReconfigure)
	defer cancel()

	err := s.callBackend(deadline, func() error { return s.backend.ConnectToAnyKnown(deadline, s.iface) })
	if err != nil {
		if kind, ok := wifitypes.KindOf(err); ok && kind.FatalAtStartup() {
			s.log.Error().Err(err).Msg("fatal backend error during reconnect attempt")
			s.exit = ExitBackendUnreachable
			return StateExit
		}
		s.log.Info().Err(err).Msg("no known network reachable, activating portal")
		return StatePortalActive
	}
	return StateConnected
}

// runPortalActive implements S1: hotspot + DHCP + DNS + HTTP all running,
// racing credentials, the retry timer, connectivity and fatal errors.
func (s *Supervisor) runPortalActive(ctx context.Context) State {
	s.log.Info().Msg("activating portal")

	if err := s.callBackend(ctx, func() error {
		return s.backend.HotspotStart(ctx, s.iface, s.cfg.SSID, s.cfg.Passphrase, s.cfg.Gateway)
	}); err != nil {
		if kind, ok := wifitypes.KindOf(err); ok && kind == wifitypes.ErrHotspotUnsupported {
			s.log.Error().Err(err).Msg("hotspot unsupported by backend")
			s.exit = ExitInterfaceUnusable
			return StateExit
		}
		s.log.Error().Err(err).Msg("failed to start hotspot")
		s.exit = ExitBackendUnreachable
		return StateExit
	}

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer s.stopPortalServices(childCtx, cancelChildren)

	snapshot := func() wifitypes.AccessPoints {
		aps, err := s.backend.AccessPoints(childCtx, s.iface)
		if err != nil {
			return nil
		}
		return aps
	}
	refresh := func() error { return s.backend.Scan(childCtx, s.iface) }

	s.portal = portal.New(s.cfg, s.log, snapshot, refresh)
	s.portal.OnActivity(func() {
		select {
		case s.activityCh <- struct{}{}:
		default:
		}
	})
	if err := s.portal.Start(childCtx); err != nil {
		s.log.Error().Err(err).Msg("failed to start http portal")
		s.exit = ExitSocketBindError
		return StateExit
	}

	s.dhcpServer = dhcp.New(s.cfg, s.log)
	if err := s.dhcpServer.Start(childCtx); err != nil {
		s.log.Error().Err(err).Msg("failed to start dhcp server")
		s.exit = ExitSocketBindError
		return StateExit
	}

	s.dnsServer = dns.New(s.cfg.Gateway, s.cfg.DNSPort, s.log)
	if err := s.dnsServer.Start(childCtx); err != nil {
		s.log.Error().Err(err).Msg("failed to start dns server")
		s.exit = ExitSocketBindError
		return StateExit
	}

	_ = s.backend.Scan(childCtx, s.iface)

	apChanges, err := s.backend.ApChangeStream(childCtx, s.iface)
	if err == nil {
		go s.forwardApChanges(childCtx, apChanges)
	}

	stateEvents, _ := s.backend.SignalOnStateChange(childCtx, s.iface)

	retryTimer := time.NewTimer(s.cfg.RetryIn)
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateExit

		case creds := <-s.portal.Credentials():
			next, ok := s.attemptConnect(childCtx, creds)
			if ok {
				return next
			}
			retryTimer.Reset(s.cfg.RetryIn)

		case <-s.activityCh:
			retryTimer.Reset(s.cfg.RetryIn)

		case <-retryTimer.C:
			s.log.Debug().Msg("retry timer elapsed, attempting known-network reconnect")
			if err := s.stopHotspotForAttempt(childCtx); err == nil {
				connErr := s.callBackend(childCtx, func() error { return s.backend.ConnectToAnyKnown(childCtx, s.iface) })
				if connErr == nil {
					return StateConnected
				}
				s.log.Info().Err(connErr).Msg("retry reconnect failed, restarting hotspot")
				if err := s.callBackend(childCtx, func() error {
					return s.backend.HotspotStart(childCtx, s.iface, s.cfg.SSID, s.cfg.Passphrase, s.cfg.Gateway)
				}); err != nil {
					s.log.Error().Err(err).Msg("failed to restart hotspot after retry")
					s.exit = ExitBackendUnreachable
					return StateExit
				}
			}
			retryTimer.Reset(s.cfg.RetryIn)

		case ev, ok := <-stateEvents:
			if !ok {
				continue
			}
			if ev.Kind == wifitypes.EventConnectivityChanged && ev.Connectivity.Satisfies(s.cfg.RequiredConnectivity()) {
				return StateConnected
			}
		}
	}
}

// attemptConnect stops the hotspot, tries the submitted credentials within
// the 30s connect deadline, and either returns S2 or restarts the hotspot
// and stays in S1, reporting the failure back through the portal.
func (s *Supervisor) attemptConnect(ctx context.Context, creds wifitypes.Credentials) (State, bool) {
	if err := s.stopHotspotForAttempt(ctx); err != nil {
		s.portal.ReportConnectResult(err)
		return StatePortalActive, false
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.callBackend(connectCtx, func() error { return s.backend.Connect(connectCtx, s.iface, creds) })
	s.portal.ReportConnectResult(err)
	if err == nil {
		return StateConnected, true
	}

	s.log.Info().Err(err).Str("ssid", creds.SSID.Display()).Msg("connect attempt failed, restoring hotspot")
	if restartErr := s.callBackend(ctx, func() error {
		return s.backend.HotspotStart(ctx, s.iface, s.cfg.SSID, s.cfg.Passphrase, s.cfg.Gateway)
	}); restartErr != nil {
		s.log.Error().Err(restartErr).Msg("failed to restart hotspot after failed connect")
		s.exit = ExitBackendUnreachable
		return StateExit, true
	}
	return StatePortalActive, false
}

func (s *Supervisor) stopHotspotForAttempt(ctx context.Context) error {
	return s.backend.HotspotStop(ctx, s.iface)
}

func (s *Supervisor) forwardApChanges(ctx context.Context, ch <-chan wifitypes.ApChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Added != nil {
				s.portal.BroadcastAdded(*ev.Added)
			} else if ev.Removed != "" {
				s.portal.BroadcastRemoved(ev.Removed)
			}
		}
	}
}

// stopPortalServices tears down the hotspot's children within a 2s
// cancellation budget, then deactivates the hotspot profile itself so no
// lease is handed out after the AP disappears.
func (s *Supervisor) stopPortalServices(ctx context.Context, cancel context.CancelFunc) {
	cancel()

	done := make(chan struct{})
	go func() {
		if s.dhcpServer != nil {
			s.dhcpServer.Stop()
		}
		if s.dnsServer != nil {
			s.dnsServer.Stop()
		}
		if s.portal != nil {
			s.portal.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warn().Msg("hotspot services did not shut down within budget, aborting")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := s.backend.HotspotStop(shutdownCtx, s.iface); err != nil {
		s.log.Warn().Err(err).Msg("failed to deactivate hotspot profile during teardown")
	}
}

// runConnected implements S2: watch for disconnection/connectivity loss,
// debounce by wait-before-reconfigure, and either stay connected or fall
// back to S0.
func (s *Supervisor) runConnected(ctx context.Context) State {
	s.log.Info().Msg("connected")
	if s.cfg.QuitAfterConnected {
		s.exit = ExitNormal
		return StateExit
	}

	stateEvents, err := s.backend.SignalOnStateChange(ctx, s.iface)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not subscribe to state changes, polling connectivity instead")
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		var pollC <-chan time.Time
		if stateEvents == nil {
			pollC = time.After(5 * time.Second)
		}

		select {
		case <-ctx.Done():
			return StateExit

		case ev, ok := <-stateEvents:
			if !ok {
				stateEvents = nil
				continue
			}
			lost := ev.Kind == wifitypes.EventDisconnected ||
				(ev.Kind == wifitypes.EventConnectivityChanged && !ev.Connectivity.Satisfies(s.cfg.RequiredConnectivity()))

			if lost {
				if debounce == nil {
					debounce = time.NewTimer(s.cfg.WaitBeforeReconfigure)
					debounceC = debounce.C
				}
			} else if debounce != nil {
				debounce.Stop()
				debounce = nil
				debounceC = nil
			}

		case <-debounceC:
			s.log.Info().Msg("connectivity lost past debounce window, retrying")
			return StateTryReconnect

		case <-pollC:
			connectivity, err := s.backend.Connectivity(ctx, s.iface)
			if err != nil {
				continue
			}
			if !connectivity.Satisfies(s.cfg.RequiredConnectivity()) {
				if debounce == nil {
					debounce = time.NewTimer(s.cfg.WaitBeforeReconfigure)
					debounceC = debounce.C
				}
			} else if debounce != nil {
				debounce.Stop()
				debounce = nil
				debounceC = nil
			}
		}
	}
}
