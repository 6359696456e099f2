//go:build nm || (!nm && !iwd)

// Package wireless selects the wireless backend implementation at compile
// time, mirroring the original project's Cargo feature flags ("nm"/"iwd")
// for the same choice. Building with -tags nm, or with no backend tag at
// all, links the NetworkManager backend; -tags iwd links iwd instead.
package wireless

import (
	"wifi-captive/internal/wifitypes"
	"wifi-captive/internal/wireless/nm"
)

// BackendName identifies which implementation this build links.
const BackendName = "networkmanager"

// New constructs the NetworkManager-backed wifitypes.Backend.
func New() (wifitypes.Backend, error) {
	return nm.New()
}
