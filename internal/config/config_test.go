package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"wifi-captive/internal/wifitypes"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("PORTAL_SSID")
	os.Unsetenv("PORTAL_GATEWAY")

	d, err := Load()
	require.NoError(t, err)
	require.Equal(t, "WiFi Connect", d.PortalSSID)
	require.Equal(t, "192.168.42.1", d.PortalGateway)
	require.Equal(t, 80, d.PortalListeningPort)
	require.Equal(t, "error", d.LogFilter)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("PORTAL_SSID", "cafe-wifi")
	os.Setenv("PORTAL_RETRY_IN", "42")
	defer os.Unsetenv("PORTAL_SSID")
	defer os.Unsetenv("PORTAL_RETRY_IN")

	d, err := Load()
	require.NoError(t, err)
	require.Equal(t, "cafe-wifi", d.PortalSSID)
	require.Equal(t, 42, d.RetryIn)
}

func validFlags() Flags {
	return Flags{
		SSID:                  "WiFi Connect",
		Gateway:               "192.168.42.1",
		DHCPRange:             "192.168.42.2,192.168.42.254",
		ListeningPort:         80,
		DNSPort:               53,
		DHCPPort:              67,
		WaitBeforeReconfigure: 20,
		RetryIn:               360,
	}
}

func TestBuildValid(t *testing.T) {
	cfg, err := Build(validFlags())
	require.NoError(t, err)
	require.Equal(t, "192.168.42.1", cfg.Gateway.String())
	require.Equal(t, 80, cfg.ListenPort)
}

func TestBuildRejectsShortPassphrase(t *testing.T) {
	f := validFlags()
	f.Passphrase = "short"
	_, err := Build(f)
	require.Error(t, err)
	kind, ok := wifitypes.KindOf(err)
	require.True(t, ok)
	require.Equal(t, wifitypes.ErrConfig, kind)
}

func TestBuildRejectsPoolOutsideSubnet(t *testing.T) {
	f := validFlags()
	f.DHCPRange = "10.0.0.2,10.0.0.10"
	_, err := Build(f)
	require.Error(t, err)
}

func TestBuildRejectsPoolContainingGateway(t *testing.T) {
	f := validFlags()
	f.DHCPRange = "192.168.42.1,192.168.42.10"
	_, err := Build(f)
	require.Error(t, err)
}
