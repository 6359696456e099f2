// Package fake provides an in-memory wifitypes.Backend double for testing
// the Supervisor state machine without a running D-Bus daemon.
package fake

import (
	"context"
	"net"
	"sync"

	"wifi-captive/internal/wifitypes"
)

// Backend is a scriptable, goroutine-safe wifitypes.Backend. Tests mutate
// its exported fields/methods between Supervisor transitions to simulate
// scan results, connect outcomes and connectivity changes.
type Backend struct {
	mu sync.Mutex

	Iface        wifitypes.Interface
	APs          wifitypes.AccessPoints
	Known        []wifitypes.KnownConnection

	ConnectErr      error
	ConnectAnyErr   error
	HotspotStartErr error
	HotspotActive   bool
	ScanErr         error

	connectivity wifitypes.Connectivity
	apChanges    chan wifitypes.ApChangeEvent
	stateChanges chan wifitypes.StateEvent

	ConnectCalls []wifitypes.Credentials
}

// New constructs a fake backend with a single interface named ifaceName.
func New(ifaceName string) *Backend {
	return &Backend{
		Iface:        wifitypes.Interface{Name: ifaceName, Handle: ifaceName},
		connectivity: wifitypes.ConnectivityNone,
		apChanges:    make(chan wifitypes.ApChangeEvent, 32),
		stateChanges: make(chan wifitypes.StateEvent, 32),
	}
}

func (b *Backend) ListInterfaces(ctx context.Context) ([]wifitypes.Interface, error) {
	return []wifitypes.Interface{b.Iface}, nil
}

func (b *Backend) Scan(ctx context.Context, iface wifitypes.Interface) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ScanErr
}

func (b *Backend) AccessPoints(ctx context.Context, iface wifitypes.Interface) (wifitypes.AccessPoints, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(wifitypes.AccessPoints, len(b.APs))
	copy(out, b.APs)
	return out, nil
}

func (b *Backend) ApChangeStream(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.ApChangeEvent, error) {
	return b.apChanges, nil
}

// PushApChange lets a test simulate a live scan update.
func (b *Backend) PushApChange(ev wifitypes.ApChangeEvent) {
	b.apChanges <- ev
}

func (b *Backend) Connect(ctx context.Context, iface wifitypes.Interface, creds wifitypes.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ConnectCalls = append(b.ConnectCalls, creds)
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.connectivity = wifitypes.ConnectivityFull
	return nil
}

func (b *Backend) ConnectToAnyKnown(ctx context.Context, iface wifitypes.Interface) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectAnyErr != nil {
		return b.ConnectAnyErr
	}
	if len(b.Known) == 0 {
		return wifitypes.New(wifitypes.ErrNetworkUnavailable, "fake.ConnectToAnyKnown", errNoKnown)
	}
	b.connectivity = wifitypes.ConnectivityFull
	return nil
}

var errNoKnown = &noKnownErr{}

type noKnownErr struct{}

func (*noKnownErr) Error() string { return "no known connections" }

func (b *Backend) HotspotStart(ctx context.Context, iface wifitypes.Interface, ssid, passphrase string, gateway net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.HotspotStartErr != nil {
		return b.HotspotStartErr
	}
	b.HotspotActive = true
	return nil
}

func (b *Backend) HotspotStop(ctx context.Context, iface wifitypes.Interface) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.HotspotActive = false
	return nil
}

func (b *Backend) Connectivity(ctx context.Context, iface wifitypes.Interface) (wifitypes.Connectivity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectivity, nil
}

// SetConnectivity lets a test drive the connectivity level directly and
// emits the corresponding signal on the state channel.
func (b *Backend) SetConnectivity(c wifitypes.Connectivity) {
	b.mu.Lock()
	b.connectivity = c
	b.mu.Unlock()
	b.stateChanges <- wifitypes.StateEvent{Kind: wifitypes.EventConnectivityChanged, Connectivity: c}
}

func (b *Backend) SignalOnStateChange(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.StateEvent, error) {
	return b.stateChanges, nil
}

// HotspotIsActive is a goroutine-safe read of HotspotActive for tests that
// drive the Supervisor concurrently.
func (b *Backend) HotspotIsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HotspotActive
}

// ConnectAttempts is a goroutine-safe snapshot of ConnectCalls.
func (b *Backend) ConnectAttempts() []wifitypes.Credentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wifitypes.Credentials, len(b.ConnectCalls))
	copy(out, b.ConnectCalls)
	return out
}

// SetConnectErr lets a test change the next Connect outcome while the
// Supervisor is running in another goroutine.
func (b *Backend) SetConnectErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ConnectErr = err
}

// SetKnown lets a test change the known-network list while the Supervisor
// is running in another goroutine.
func (b *Backend) SetKnown(known []wifitypes.KnownConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Known = known
}
