//go:build iwd && !nm

package wireless

import (
	"wifi-captive/internal/wifitypes"
	"wifi-captive/internal/wireless/iwd"
)

// BackendName identifies which implementation this build links.
const BackendName = "iwd"

// New constructs the iwd-backed wifitypes.Backend.
func New() (wifitypes.Backend, error) {
	return iwd.New()
}
