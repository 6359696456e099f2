package portal

import (
	"encoding/json"

	"wifi-captive/internal/wifitypes"
)

// apWire is the JSON shape of an AccessPoint on the wire, as returned by
// GET /networks.
type apWire struct {
	SSID      string `json:"ssid"`
	HW        string `json:"hw"`
	Strength  int    `json:"strength"`
	Frequency int    `json:"frequency"`
	Security  string `json:"security"`
}

func toWire(ap wifitypes.AccessPoint) apWire {
	return apWire{
		SSID:      ap.SSID.Display(),
		HW:        ap.HW,
		Strength:  ap.Strength,
		Frequency: ap.Frequency,
		Security:  ap.Security.String(),
	}
}

func apJSON(ap wifitypes.AccessPoint) string {
	b, _ := json.Marshal(toWire(ap))
	return string(b)
}

func apsJSON(aps wifitypes.AccessPoints) string {
	wire := make([]apWire, len(aps))
	for i, ap := range aps {
		wire[i] = toWire(ap)
	}
	b, _ := json.Marshal(wire)
	return string(b)
}
