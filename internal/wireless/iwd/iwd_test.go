package iwd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wifi-captive/internal/wifitypes"
)

// TestClassifySecurity covers every net.connman.iwd.Network "Type" string
// iwd reports, per the (RSN, WPA, Privacy, 802.1X)-equivalent mapping to
// SecurityKind described for the NM backend.
func TestClassifySecurity(t *testing.T) {
	tests := []struct {
		iwdType string
		want    wifitypes.SecurityKind
	}{
		{"open", wifitypes.SecurityOpen},
		{"wep", wifitypes.SecurityWEP},
		{"8021x", wifitypes.SecurityEnterprise},
		{"psk", wifitypes.SecurityWPA},
		{"wpa", wifitypes.SecurityWPA},
		{"wpa2", wifitypes.SecurityWPA},
		{"unknown-future-type", wifitypes.SecurityWPA},
		{"", wifitypes.SecurityWPA},
	}

	for _, tt := range tests {
		t.Run(tt.iwdType, func(t *testing.T) {
			got := classifySecurity(tt.iwdType)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRSSIToPercentClamps(t *testing.T) {
	tests := []struct {
		name     string
		centiDbm int16
		want     int
	}{
		{"very strong signal clamps to 100", -1000, 100},
		{"very weak signal clamps to 0", -30000, 0},
		{"mid-range -50dBm maps to exactly 100", -5000, 100},
		{"typical -70dBm maps to 60", -7000, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, rssiToPercent(tt.centiDbm))
		})
	}
}
