// Package config loads the daemon's configuration. Environment-variable
// twins are loaded first (teacher's envconfig pattern), then
// cmd/wifi-captive binds cobra flags on top with those values as defaults,
// so an explicit CLI flag always wins, a set environment variable is the
// next fallback, and the spec's literal default is last.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"wifi-captive/internal/wifitypes"
)

// EnvDefaults mirrors the environment-variable twin of every CLI flag that
// has one (--quit-after-connected and --internet-connectivity have none).
// Unlike the teacher's CUBEOS_-prefixed scheme, these use bare names
// (PORTAL_SSID, and so on).
type EnvDefaults struct {
	PortalSSID            string `envconfig:"PORTAL_SSID" default:"WiFi Connect"`
	PortalPassphrase      string `envconfig:"PORTAL_PASSPHRASE" default:""`
	PassphraseFile        string `envconfig:"PORTAL_PASSPHRASE_FILE" default:""`
	PortalGateway         string `envconfig:"PORTAL_GATEWAY" default:"192.168.42.1"`
	PortalDHCPRange       string `envconfig:"PORTAL_DHCP_RANGE" default:"192.168.42.2,192.168.42.254"`
	PortalListeningPort   int    `envconfig:"PORTAL_LISTENING_PORT" default:"80"`
	PortalInterface       string `envconfig:"PORTAL_INTERFACE" default:""`
	DNSPort               int    `envconfig:"DNS_PORT" default:"53"`
	DHCPPort              int    `envconfig:"DHCP_PORT" default:"67"`
	WaitBeforeReconfigure int    `envconfig:"PORTAL_WAIT" default:"20"`
	RetryIn               int    `envconfig:"PORTAL_RETRY_IN" default:"360"`
	UIDirectory           string `envconfig:"UI_DIRECTORY" default:""`
	LogFilter             string `envconfig:"RUST_LOG" default:"error"`
}

// Load reads the environment-variable twins into an EnvDefaults, used as
// cobra flag defaults by cmd/wifi-captive.
func Load() (*EnvDefaults, error) {
	var d EnvDefaults
	if err := envconfig.Process("", &d); err != nil {
		return nil, wifitypes.New(wifitypes.ErrConfig, "config.Load", err)
	}
	return &d, nil
}

// Flags is the set of raw flag values cobra populates; Build validates and
// converts them into the immutable wifitypes.PortalConfig the rest of the
// daemon runs with.
type Flags struct {
	SSID                  string
	Passphrase            string
	PassphraseFile        string
	Gateway               string
	DHCPRange             string
	ListeningPort         int
	Interface             string
	DNSPort               int
	DHCPPort              int
	WaitBeforeReconfigure int
	RetryIn               int
	QuitAfterConnected    bool
	InternetConnectivity  bool
	UIDirectory           string
}

// Build validates the parsed flags, returning an ErrConfig error (always
// fatal at startup) on any malformed input or inconsistent combination of
// flags.
func Build(f Flags) (wifitypes.PortalConfig, error) {
	var cfg wifitypes.PortalConfig

	passphrase := f.Passphrase
	if f.PassphraseFile != "" {
		data, err := readPassphraseFile(f.PassphraseFile)
		if err != nil {
			return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build", err)
		}
		passphrase = data
	}
	if passphrase != "" && len(passphrase) < 8 {
		return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build",
			fmt.Errorf("passphrase must be at least 8 characters, got %d", len(passphrase)))
	}

	gw := net.ParseIP(f.Gateway)
	if gw == nil || gw.To4() == nil {
		return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build", fmt.Errorf("invalid gateway %q", f.Gateway))
	}
	gw = gw.To4()

	start, end, err := parseDHCPRange(f.DHCPRange)
	if err != nil {
		return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build", err)
	}
	if err := validatePoolWithinSubnet(gw, start, end); err != nil {
		return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build", err)
	}

	if f.ListeningPort <= 0 || f.ListeningPort > 65535 {
		return cfg, wifitypes.New(wifitypes.ErrConfig, "config.Build", fmt.Errorf("invalid listening port %d", f.ListeningPort))
	}

	cfg = wifitypes.PortalConfig{
		Gateway:               gw,
		DHCPRangeStart:        start,
		DHCPRangeEnd:          end,
		SSID:                  f.SSID,
		Passphrase:            passphrase,
		ListenPort:            f.ListeningPort,
		DNSPort:               f.DNSPort,
		DHCPPort:              f.DHCPPort,
		WaitBeforeReconfigure: time.Duration(f.WaitBeforeReconfigure) * time.Second,
		RetryIn:               time.Duration(f.RetryIn) * time.Second,
		QuitAfterConnected:    f.QuitAfterConnected,
		RequireInternet:       f.InternetConnectivity,
		UIDirectory:           f.UIDirectory,
		Interface:             f.Interface,
	}
	return cfg, nil
}

func parseDHCPRange(raw string) (net.IP, net.IP, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("dhcp range must be \"start,end\", got %q", raw)
	}
	start := net.ParseIP(strings.TrimSpace(parts[0]))
	end := net.ParseIP(strings.TrimSpace(parts[1]))
	if start == nil || end == nil || start.To4() == nil || end.To4() == nil {
		return nil, nil, fmt.Errorf("invalid dhcp range %q", raw)
	}
	return start.To4(), end.To4(), nil
}

// validatePoolWithinSubnet requires the pool to be strictly contained in
// the gateway's /24 and to exclude the gateway itself.
func validatePoolWithinSubnet(gateway, start, end net.IP) error {
	mask := net.CIDRMask(24, 32)
	gwNet := gateway.Mask(mask)
	if !start.Mask(mask).Equal(gwNet) || !end.Mask(mask).Equal(gwNet) {
		return fmt.Errorf("dhcp range %s-%s is not within gateway %s's /24", start, end, gateway)
	}
	if ipToUint32(start) > ipToUint32(end) {
		return fmt.Errorf("dhcp range start %s is after end %s", start, end)
	}
	if ipToUint32(start) <= ipToUint32(gateway) && ipToUint32(gateway) <= ipToUint32(end) {
		return fmt.Errorf("dhcp range %s-%s must exclude gateway %s", start, end, gateway)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func readPassphraseFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
