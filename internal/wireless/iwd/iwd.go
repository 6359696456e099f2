// Package iwd implements wifitypes.Backend against iwd (net.connman.iwd),
// the lightweight wireless daemon used on embedded and minimal
// distributions as an alternative to NetworkManager. Unlike NetworkManager,
// iwd does not take a plaintext passphrase on the activation call; it
// calls back into an Agent object this package registers on the bus.
package iwd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"wifi-captive/internal/wifitypes"
)

const (
	busName          = "net.connman.iwd"
	rootPath         = dbus.ObjectPath("/")
	agentPath        = dbus.ObjectPath("/wifi_captive/agent")
	ifaceObjMgr      = "org.freedesktop.DBus.ObjectManager"
	ifaceDevice      = "net.connman.iwd.Device"
	ifaceStation     = "net.connman.iwd.Station"
	ifaceNetwork     = "net.connman.iwd.Network"
	ifaceAP          = "net.connman.iwd.AccessPoint"
	ifaceKnownNet    = "net.connman.iwd.KnownNetwork"
	ifaceAgentMgr    = "net.connman.iwd.AgentManager"
	ifaceAgent       = "net.connman.iwd.Agent"
	ifaceProps       = "org.freedesktop.DBus.Properties"
)

// Backend talks to iwd over the system bus and fields its Agent callbacks.
type Backend struct {
	conn *dbus.Conn

	mu        sync.Mutex
	pending   map[string]wifitypes.Credentials // station device path -> credentials awaiting the agent callback
	agentUp   bool
}

// New connects to the system bus and registers the credentials agent.
func New() (*Backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.New", err)
	}
	b := &Backend{conn: conn, pending: make(map[string]wifitypes.Credentials)}
	if err := b.registerAgent(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) obj(p dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, p)
}

// agent implements net.connman.iwd.Agent's RequestPassphrase method by
// returning the passphrase of the first staged credentials that have one;
// the calling networkPath is not used to choose among them.
type agent struct{ b *Backend }

func (a *agent) RequestPassphrase(networkPath dbus.ObjectPath) (string, *dbus.Error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	for _, creds := range a.b.pending {
		if creds.Passphrase != "" {
			return creds.Passphrase, nil
		}
	}
	return "", dbus.NewError("net.connman.iwd.Agent.Error.Canceled", []interface{}{"no credentials staged"})
}

func (b *Backend) registerAgent() error {
	if b.agentUp {
		return nil
	}
	if err := b.conn.Export(&agent{b: b}, agentPath, ifaceAgent); err != nil {
		return wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.registerAgent", err)
	}
	call := b.obj(rootPath).Call(ifaceAgentMgr+".RegisterAgent", 0, agentPath)
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.registerAgent", call.Err)
	}
	b.agentUp = true
	return nil
}

func (b *Backend) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := b.obj(rootPath).Call(ifaceObjMgr+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// ListInterfaces enumerates objects implementing net.connman.iwd.Station,
// i.e. devices in client mode.
func (b *Backend) ListInterfaces(ctx context.Context) ([]wifitypes.Interface, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.ListInterfaces", err)
	}

	var out []wifitypes.Interface
	for p, ifaces := range objects {
		if _, ok := ifaces[ifaceStation]; !ok {
			continue
		}
		dev, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		name, _ := dev["Name"].Value().(string)
		out = append(out, wifitypes.Interface{Name: name, Handle: p})
	}
	if len(out) == 0 {
		return nil, wifitypes.New(wifitypes.ErrInterface, "iwd.ListInterfaces", fmt.Errorf("no station device found"))
	}
	return out, nil
}

func (b *Backend) devicePath(iface wifitypes.Interface) (dbus.ObjectPath, error) {
	dp, ok := iface.Handle.(dbus.ObjectPath)
	if !ok {
		return "", wifitypes.New(wifitypes.ErrInterface, "iwd.devicePath", fmt.Errorf("interface handle is not a dbus object path"))
	}
	return dp, nil
}

// Scan calls Station.Scan and waves for the GetOrderedNetworks list to
// become usable; iwd has no LastScan timestamp, so this simply gives the
// daemon a fixed window to finish its in-kernel scan.
func (b *Backend) Scan(ctx context.Context, iface wifitypes.Interface) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}
	call := b.obj(dp).Call(ifaceStation+".Scan", 0)
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrScanUnsupported, "iwd.Scan", call.Err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(4 * time.Second):
	}
	return nil
}

// AccessPoints reads Station.GetOrderedNetworks and resolves each network
// path's Network/security properties.
func (b *Backend) AccessPoints(ctx context.Context, iface wifitypes.Interface) (wifitypes.AccessPoints, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return nil, err
	}

	var ordered []struct {
		Path     dbus.ObjectPath
		Strength int16
	}
	if err := b.obj(dp).Call(ifaceStation+".GetOrderedNetworks", 0).Store(&ordered); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.AccessPoints", err)
	}

	out := make(wifitypes.AccessPoints, 0, len(ordered))
	for _, entry := range ordered {
		props, err := b.getAllProps(entry.Path, ifaceNetwork)
		if err != nil {
			continue
		}
		name, _ := props["Name"].Value().(string)
		security, _ := props["Type"].Value().(string)

		out = append(out, wifitypes.AccessPoint{
			SSID:      wifitypes.SSID(name),
			HW:        string(entry.Path),
			Strength:  rssiToPercent(entry.Strength),
			Frequency: 0, // iwd does not expose per-network frequency before association
			Security:  classifySecurity(security),
		})
	}
	return out, nil
}

// rssiToPercent maps iwd's hundredths-of-a-dBm RSSI scale onto the 0-100
// percent scale the rest of this program uses, clamped to [0,100].
func rssiToPercent(rssiCentiDbm int16) int {
	dbm := int(rssiCentiDbm) / 100
	pct := 2 * (dbm + 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func classifySecurity(iwdType string) wifitypes.SecurityKind {
	switch iwdType {
	case "open":
		return wifitypes.SecurityOpen
	case "wep":
		return wifitypes.SecurityWEP
	case "8021x":
		return wifitypes.SecurityEnterprise
	default: // "psk" and anything wpa/wpa2-flavored
		return wifitypes.SecurityWPA
	}
}

// ApChangeStream watches InterfacesAdded/InterfacesRemoved for objects
// implementing net.connman.iwd.Network, iwd's equivalent of NM's AP signals.
func (b *Backend) ApChangeStream(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.ApChangeEvent, error) {
	if err := b.conn.AddMatchSignal(dbus.WithMatchInterface(ifaceObjMgr)); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.ApChangeStream", err)
	}

	signals := make(chan *dbus.Signal, 32)
	b.conn.Signal(signals)

	out := make(chan wifitypes.ApChangeEvent, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.conn.RemoveSignal(signals)
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				switch sig.Name {
				case ifaceObjMgr + ".InterfacesAdded":
					if len(sig.Body) < 2 {
						continue
					}
					p, _ := sig.Body[0].(dbus.ObjectPath)
					ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
					netProps, ok := ifaces[ifaceNetwork]
					if !ok {
						continue
					}
					name, _ := netProps["Name"].Value().(string)
					ap := wifitypes.AccessPoint{SSID: wifitypes.SSID(name), HW: string(p)}
					out <- wifitypes.ApChangeEvent{Added: &ap}
				case ifaceObjMgr + ".InterfacesRemoved":
					if len(sig.Body) < 2 {
						continue
					}
					p, _ := sig.Body[0].(dbus.ObjectPath)
					removed, _ := sig.Body[1].([]string)
					for _, ifc := range removed {
						if ifc == ifaceNetwork {
							out <- wifitypes.ApChangeEvent{Removed: string(p)}
						}
					}
				}
			}
		}
	}()
	return out, nil
}

// Connect finds the Network object matching creds.SSID and calls its
// Connect method; any passphrase request iwd issues during that call is
// served by the registered Agent from the staged credentials.
func (b *Backend) Connect(ctx context.Context, iface wifitypes.Interface, creds wifitypes.Credentials) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}

	netPath, err := b.findNetwork(dp, creds.SSID.Display())
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.pending[string(dp)] = creds
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, string(dp))
		b.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		call := b.obj(netPath).Call(ifaceNetwork+".Connect", 0)
		done <- call.Err
	}()

	select {
	case <-callCtx.Done():
		return wifitypes.New(wifitypes.ErrTimeout, "iwd.Connect", callCtx.Err())
	case err := <-done:
		if err != nil {
			return wifitypes.New(wifitypes.ErrAuthFailed, "iwd.Connect", err)
		}
		return nil
	}
}

func (b *Backend) findNetwork(dp dbus.ObjectPath, ssid string) (dbus.ObjectPath, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return "", wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.findNetwork", err)
	}
	for p, ifaces := range objects {
		netProps, ok := ifaces[ifaceNetwork]
		if !ok {
			continue
		}
		devicePath, _ := netProps["Device"].Value().(dbus.ObjectPath)
		if devicePath != dp {
			continue
		}
		name, _ := netProps["Name"].Value().(string)
		if name == ssid {
			return p, nil
		}
	}
	return "", wifitypes.New(wifitypes.ErrNetworkUnavailable, "iwd.findNetwork", fmt.Errorf("network %q not found in scan results", ssid))
}

// ConnectToAnyKnown asks the station to connect using iwd's own known-network
// autoconnect policy by invoking Station.ConnectAnyway semantics: actually
// iwd autoconnects on its own once Scan results list a KnownNetwork, so this
// triggers a scan and lets iwd's policy engine take over.
func (b *Backend) ConnectToAnyKnown(ctx context.Context, iface wifitypes.Interface) error {
	return b.Scan(ctx, iface)
}

// HotspotStart switches the device into iwd's built-in AP mode
// (net.connman.iwd.AccessPoint.Start), which is why the iwd backend
// requires the caller to have already assigned the gateway address to the
// interface (iwd does not manage IP configuration itself).
func (b *Backend) HotspotStart(ctx context.Context, iface wifitypes.Interface, ssid, passphrase string, gateway net.IP) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}

	apObjects, err := b.managedObjects()
	if err != nil {
		return wifitypes.New(wifitypes.ErrHotspotUnsupported, "iwd.HotspotStart", err)
	}
	var apPath dbus.ObjectPath
	for p, ifaces := range apObjects {
		if _, ok := ifaces[ifaceAP]; ok {
			if dev, ok := ifaces[ifaceDevice]; ok {
				if devPath, _ := dev["Device"].Value().(dbus.ObjectPath); devPath == dp {
					apPath = p
					break
				}
			}
		}
	}
	if apPath == "" {
		apPath = dp
	}

	var call *dbus.Call
	if passphrase != "" {
		c := b.obj(apPath).Call(ifaceAP+".Start", 0, ssid, passphrase)
		call = c
	} else {
		c := b.obj(apPath).Call(ifaceAP+".StartOpen", 0, ssid)
		call = c
	}
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrHotspotUnsupported, "iwd.HotspotStart", call.Err)
	}
	return nil
}

// HotspotStop calls AccessPoint.Stop.
func (b *Backend) HotspotStop(ctx context.Context, iface wifitypes.Interface) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}
	call := b.obj(dp).Call(ifaceAP+".Stop", 0)
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.HotspotStop", call.Err)
	}
	return nil
}

// Connectivity derives a coarse level from Station.State: "connected" is
// treated as Full since iwd itself does not distinguish limited/full the
// way NetworkManager's connectivity checker does.
func (b *Backend) Connectivity(ctx context.Context, iface wifitypes.Interface) (wifitypes.Connectivity, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return wifitypes.ConnectivityNone, err
	}
	state, err := b.getProp(dp, ifaceStation, "State")
	if err != nil {
		return wifitypes.ConnectivityNone, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.Connectivity", err)
	}
	switch state.Value().(string) {
	case "connected":
		return wifitypes.ConnectivityFull, nil
	case "roaming":
		return wifitypes.ConnectivityLimited, nil
	default:
		return wifitypes.ConnectivityNone, nil
	}
}

// SignalOnStateChange watches Station.State's PropertiesChanged signal.
func (b *Backend) SignalOnStateChange(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.StateEvent, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return nil, err
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dp),
		dbus.WithMatchInterface(ifaceProps),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "iwd.SignalOnStateChange", err)
	}

	signals := make(chan *dbus.Signal, 32)
	b.conn.Signal(signals)

	out := make(chan wifitypes.StateEvent, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.conn.RemoveSignal(signals)
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if len(sig.Body) < 2 {
					continue
				}
				iface, _ := sig.Body[0].(string)
				if iface != ifaceStation {
					continue
				}
				connectivity, err := b.Connectivity(ctx, wifitypes.Interface{Handle: dp})
				if err != nil {
					continue
				}
				out <- wifitypes.StateEvent{Kind: wifitypes.EventConnectivityChanged, Connectivity: connectivity}
			}
		}
	}()
	return out, nil
}

func (b *Backend) getProp(p dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.obj(p).Call(ifaceProps+".Get", 0, iface, name).Store(&v)
	return v, err
}

func (b *Backend) getAllProps(p dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var m map[string]dbus.Variant
	err := b.obj(p).Call(ifaceProps+".GetAll", 0, iface).Store(&m)
	return m, err
}
