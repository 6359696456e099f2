// Package nm implements wifitypes.Backend against NetworkManager over
// D-Bus (org.freedesktop.NetworkManager), the default Linux distribution
// network stack. Object paths, property names and the settings dictionary
// shape mirror what NetworkManager actually exposes on the system bus.
package nm

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
	busName      = "org.freedesktop.NetworkManager"
	path         = "/org/freedesktop/NetworkManager"
	ifaceNM      = "org.freedesktop.NetworkManager"
	ifaceDevice  = "org.freedesktop.NetworkManager.Device"
	ifaceWireless = "org.freedesktop.NetworkManager.Device.Wireless"
	ifaceAP      = "org.freedesktop.NetworkManager.AccessPoint"
	ifaceProps   = "org.freedesktop.DBus.Properties"
	ifaceConn    = "org.freedesktop.NetworkManager.Connection.Active"
)

// NM80211ApSecurityFlags, mirrored from the NetworkManager D-Bus API.
const (
	apSecKeyMgmt8021X = 0x0000_0200
	apSecPairTKIP     = 0x0000_0004
	apSecPairCCMP     = 0x0000_0008
)

// Backend talks to NetworkManager over the system bus.
type Backend struct {
	conn *dbus.Conn

	mu   sync.Mutex
	conn2device map[string]dbus.ObjectPath // connection path -> device path, for teardown
}

// New connects to the D-Bus system bus. The connection is kept open for the
// life of the Backend.
func New() (*Backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.New", err)
	}
	return &Backend{conn: conn, conn2device: make(map[string]dbus.ObjectPath)}, nil
}

func (b *Backend) obj(p dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, p)
}

// ListInterfaces enumerates Wi-Fi-capable devices (NM_DEVICE_TYPE_WIFI == 2).
func (b *Backend) ListInterfaces(ctx context.Context) ([]wifitypes.Interface, error) {
	var devicePaths []dbus.ObjectPath
	if err := b.obj(path).Call("GetDevices", 0).Store(&devicePaths); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.ListInterfaces", err)
	}

	var out []wifitypes.Interface
	for _, dp := range devicePaths {
		deviceType, err := b.getProp(dp, ifaceDevice, "DeviceType")
		if err != nil {
			continue
		}
		if v, ok := deviceType.Value().(uint32); !ok || v != 2 {
			continue
		}
		name, err := b.getProp(dp, ifaceDevice, "Interface")
		if err != nil {
			continue
		}
		out = append(out, wifitypes.Interface{Name: name.Value().(string), Handle: dp})
	}
	if len(out) == 0 {
		return nil, wifitypes.New(wifitypes.ErrInterface, "nm.ListInterfaces", fmt.Errorf("no wifi-capable device found"))
	}
	return out, nil
}

func (b *Backend) devicePath(iface wifitypes.Interface) (dbus.ObjectPath, error) {
	dp, ok := iface.Handle.(dbus.ObjectPath)
	if !ok {
		return "", wifitypes.New(wifitypes.ErrInterface, "nm.devicePath", fmt.Errorf("interface handle is not a dbus object path"))
	}
	return dp, nil
}

// Scan triggers RequestScan and waits briefly for LastScan to advance.
func (b *Backend) Scan(ctx context.Context, iface wifitypes.Interface) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}
	before, beforeErr := b.getProp(dp, ifaceWireless, "LastScan")

	call := b.obj(dp).Call(ifaceWireless+".RequestScan", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrScanUnsupported, "nm.Scan", call.Err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		after, err := b.getProp(dp, ifaceWireless, "LastScan")
		if err == nil && beforeErr == nil && after.Value() != before.Value() {
			return nil
		}
	}
	return nil
}

// AccessPoints reads the device's cached AP list and materializes it into
// the shared wifitypes model.
func (b *Backend) AccessPoints(ctx context.Context, iface wifitypes.Interface) (wifitypes.AccessPoints, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return nil, err
	}

	var apPaths []dbus.ObjectPath
	if err := b.obj(dp).Call(ifaceWireless+".GetAllAccessPoints", 0).Store(&apPaths); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.AccessPoints", err)
	}

	out := make(wifitypes.AccessPoints, 0, len(apPaths))
	for _, apPath := range apPaths {
		ap, err := b.materializeAP(apPath)
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}

func (b *Backend) materializeAP(apPath dbus.ObjectPath) (wifitypes.AccessPoint, error) {
	props, err := b.getAllProps(apPath, ifaceAP)
	if err != nil {
		return wifitypes.AccessPoint{}, err
	}

	ssidRaw, _ := props["Ssid"].Value().([]byte)
	hw, _ := props["HwAddress"].Value().(string)
	strength, _ := props["Strength"].Value().(uint8)
	freq, _ := props["Frequency"].Value().(uint32)
	wpaFlags, _ := props["WpaFlags"].Value().(uint32)
	rsnFlags, _ := props["RsnFlags"].Value().(uint32)
	apFlags, _ := props["Flags"].Value().(uint32)

	return wifitypes.AccessPoint{
		SSID:      wifitypes.SSID(ssidRaw),
		HW:        hw,
		Strength:  int(strength),
		Frequency: int(freq),
		Security:  classifySecurity(apFlags, wpaFlags, rsnFlags),
	}, nil
}

// classifySecurity mirrors the original project's Security bitflag derivation:
// enterprise if 802.1X key management is advertised, wpa if WPA/RSN flags are
// set, wep if only the legacy privacy flag is set, open otherwise.
func classifySecurity(apFlags, wpaFlags, rsnFlags uint32) wifitypes.SecurityKind {
	if wpaFlags&apSecKeyMgmt8021X != 0 || rsnFlags&apSecKeyMgmt8021X != 0 {
		return wifitypes.SecurityEnterprise
	}
	if wpaFlags != 0 || rsnFlags != 0 {
		return wifitypes.SecurityWPA
	}
	const apFlagsPrivacy = 0x0000_0001
	if apFlags&apFlagsPrivacy != 0 {
		return wifitypes.SecurityWEP
	}
	return wifitypes.SecurityOpen
}

// ApChangeStream subscribes to AccessPointAdded/AccessPointRemoved signals
// on the device and translates each into a wifitypes.ApChangeEvent.
func (b *Backend) ApChangeStream(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.ApChangeEvent, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return nil, err
	}

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dp),
		dbus.WithMatchInterface(ifaceWireless),
	); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.ApChangeStream", err)
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
				case ifaceWireless + ".AccessPointAdded":
					if len(sig.Body) == 0 {
						continue
					}
					apPath, ok := sig.Body[0].(dbus.ObjectPath)
					if !ok {
						continue
					}
					ap, err := b.materializeAP(apPath)
					if err != nil {
						continue
					}
					out <- wifitypes.ApChangeEvent{Added: &ap}
				case ifaceWireless + ".AccessPointRemoved":
					if len(sig.Body) == 0 {
						continue
					}
					apPath, ok := sig.Body[0].(dbus.ObjectPath)
					if !ok {
						continue
					}
					out <- wifitypes.ApChangeEvent{Removed: string(apPath)}
				}
			}
		}
	}()
	return out, nil
}

// Connect builds an 802-11-wireless connection profile and activates it,
// following the original project's make_arguments_for_sta shape
// (ssid/mode=infrastructure on the wireless dict, wpa-psk or wpa-eap on the
// security dict, "auto" ipv4 so NM runs its own DHCP client against the AP).
func (b *Backend) Connect(ctx context.Context, iface wifitypes.Interface, creds wifitypes.Credentials) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}

	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant(creds.SSID.Display()),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"autoconnect":    dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(creds.SSID)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {
			"method": dbus.MakeVariant("auto"),
		},
	}

	switch {
	case creds.Identity != "":
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-eap"),
		}
		settings["802-1x"] = map[string]dbus.Variant{
			"eap":         dbus.MakeVariant([]string{"peap"}),
			"identity":    dbus.MakeVariant(creds.Identity),
			"password":    dbus.MakeVariant(creds.Passphrase),
			"phase2-auth": dbus.MakeVariant("mschapv2"),
		}
	case creds.Passphrase != "":
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Passphrase),
		}
	}

	var connPath, activePath dbus.ObjectPath
	call := b.obj(path).Call(ifaceNM+".AddAndActivateConnection", 0, settings, dp, dbus.ObjectPath("/"))
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrAuthFailed, "nm.Connect", call.Err)
	}
	if err := call.Store(&connPath, &activePath); err != nil {
		return wifitypes.New(wifitypes.ErrAuthFailed, "nm.Connect", err)
	}

	return b.waitForActivation(ctx, activePath)
}

func (b *Backend) waitForActivation(ctx context.Context, activePath dbus.ObjectPath) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		state, err := b.getProp(activePath, ifaceConn, "State")
		if err == nil {
			switch state.Value().(uint32) {
			case 2: // NM_ACTIVE_CONNECTION_STATE_ACTIVATED
				return nil
			case 4: // NM_ACTIVE_CONNECTION_STATE_DEACTIVATED
				return wifitypes.New(wifitypes.ErrAuthFailed, "nm.waitForActivation", fmt.Errorf("connection deactivated during activation"))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return wifitypes.New(wifitypes.ErrTimeout, "nm.waitForActivation", fmt.Errorf("timed out waiting for activation"))
}

// ConnectToAnyKnown calls ActivateConnection with no specific connection
// ("/") on the device, letting NetworkManager pick a saved profile for it,
// then waits for that activation to finish.
func (b *Backend) ConnectToAnyKnown(ctx context.Context, iface wifitypes.Interface) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}
	var connPath, activePath dbus.ObjectPath
	call := b.obj(path).Call(ifaceNM+".ActivateConnection", 0, dbus.ObjectPath("/"), dp, dbus.ObjectPath("/"))
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrNetworkUnavailable, "nm.ConnectToAnyKnown", call.Err)
	}
	if err := call.Store(&connPath, &activePath); err != nil {
		return wifitypes.New(wifitypes.ErrNetworkUnavailable, "nm.ConnectToAnyKnown", err)
	}
	return b.waitForActivation(ctx, activePath)
}

// HotspotStart brings the device up in AP mode using the shared-IPv4
// "band=bg,mode=ap" profile shape from the original project's
// make_arguments_for_sta with password set.
func (b *Backend) HotspotStart(ctx context.Context, iface wifitypes.Interface, ssid, passphrase string, gateway net.IP) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}

	wireless := map[string]dbus.Variant{
		"ssid":   dbus.MakeVariant([]byte(ssid)),
		"band":   dbus.MakeVariant("bg"),
		"hidden": dbus.MakeVariant(false),
		"mode":   dbus.MakeVariant("ap"),
	}

	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant(ssid),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"autoconnect":    dbus.MakeVariant(false),
		},
		"802-11-wireless": wireless,
		"ipv4": {
			"method": dbus.MakeVariant("shared"),
			"address-data": dbus.MakeVariant([]map[string]dbus.Variant{{
				"address": dbus.MakeVariant(gateway.String()),
				"prefix":  dbus.MakeVariant(uint32(24)),
			}}),
		},
	}

	if passphrase != "" {
		wireless["security"] = dbus.MakeVariant("802-11-wireless-security")
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(passphrase),
		}
	}

	var connPath, activePath dbus.ObjectPath
	call := b.obj(path).Call(ifaceNM+".AddAndActivateConnection", 0, settings, dp, dbus.ObjectPath("/"))
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrHotspotUnsupported, "nm.HotspotStart", call.Err)
	}
	if err := call.Store(&connPath, &activePath); err != nil {
		return wifitypes.New(wifitypes.ErrHotspotUnsupported, "nm.HotspotStart", err)
	}

	b.mu.Lock()
	b.conn2device[string(connPath)] = dp
	b.mu.Unlock()
	return b.waitForActivation(ctx, activePath)
}

// HotspotStop deactivates and deletes the volatile hotspot profile created
// by HotspotStart, rather than leaving it behind in NM's connection list.
func (b *Backend) HotspotStop(ctx context.Context, iface wifitypes.Interface) error {
	dp, err := b.devicePath(iface)
	if err != nil {
		return err
	}
	call := b.obj(dp).Call(ifaceDevice+".Disconnect", 0)
	if call.Err != nil {
		return wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.HotspotStop", call.Err)
	}

	b.mu.Lock()
	for connPath := range b.conn2device {
		if b.conn2device[connPath] == dp {
			delete(b.conn2device, connPath)
			go b.obj(dbus.ObjectPath(connPath)).Call("org.freedesktop.NetworkManager.Settings.Connection.Delete", 0)
		}
	}
	b.mu.Unlock()
	return nil
}

// Connectivity maps NetworkManager's global Connectivity property
// (NM_CONNECTIVITY_*) onto the shared enum.
func (b *Backend) Connectivity(ctx context.Context, iface wifitypes.Interface) (wifitypes.Connectivity, error) {
	v, err := b.getProp(path, ifaceNM, "Connectivity")
	if err != nil {
		return wifitypes.ConnectivityNone, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.Connectivity", err)
	}
	switch v.Value().(uint32) {
	case 4: // NM_CONNECTIVITY_FULL
		return wifitypes.ConnectivityFull, nil
	case 3: // NM_CONNECTIVITY_LIMITED
		return wifitypes.ConnectivityLimited, nil
	case 2: // NM_CONNECTIVITY_PORTAL
		return wifitypes.ConnectivityPortal, nil
	default:
		return wifitypes.ConnectivityNone, nil
	}
}

// SignalOnStateChange subscribes to the device StateChanged signal and
// re-derives connectivity on each transition.
func (b *Backend) SignalOnStateChange(ctx context.Context, iface wifitypes.Interface) (<-chan wifitypes.StateEvent, error) {
	dp, err := b.devicePath(iface)
	if err != nil {
		return nil, err
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dp),
		dbus.WithMatchInterface(ifaceDevice),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return nil, wifitypes.New(wifitypes.ErrBackendUnavailable, "nm.SignalOnStateChange", err)
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
				if sig.Name != ifaceDevice+".StateChanged" {
					continue
				}
				connectivity, err := b.Connectivity(ctx, iface)
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
