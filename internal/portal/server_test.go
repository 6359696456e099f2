package portal

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wifi-captive/internal/wifitypes"
)

func testConfig() wifitypes.PortalConfig {
	return wifitypes.PortalConfig{
		Gateway:     net.IPv4(192, 168, 42, 1),
		ListenPort:  80,
		SSID:        "WiFi Connect",
		UIDirectory: "",
	}
}

func newTestPortal(aps wifitypes.AccessPoints) *Portal {
	return New(testConfig(), zerolog.Nop(), func() wifitypes.AccessPoints { return aps }, func() error { return nil })
}

func TestHandleNetworksReturnsSortedByStrength(t *testing.T) {
	aps := wifitypes.AccessPoints{
		{SSID: wifitypes.SSID("weak"), HW: "aa:bb:cc:dd:ee:01", Strength: 10, Frequency: 2412, Security: wifitypes.SecurityWPA},
		{SSID: wifitypes.SSID("strong"), HW: "aa:bb:cc:dd:ee:02", Strength: 90, Frequency: 2412, Security: wifitypes.SecurityOpen},
	}
	p := newTestPortal(aps)

	req := httptest.NewRequest(http.MethodGet, "/networks", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []apWire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "strong", got[0].SSID)
	require.Equal(t, "weak", got[1].SSID)
}

func TestHandleConnectValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty body", `{}`, http.StatusBadRequest},
		{"missing ssid", `{"passphrase":"longenough"}`, http.StatusBadRequest},
		{"short passphrase", `{"ssid":"cafe","passphrase":"short"}`, http.StatusBadRequest},
		{"open network ok", `{"ssid":"cafe"}`, http.StatusOK},
		{"wpa network ok", `{"ssid":"cafe","passphrase":"longenough1"}`, http.StatusOK},
		{"malformed json", `{bad`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPortal(nil)
			req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			p.Router().ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleConnectOverwritesPendingSubmission(t *testing.T) {
	p := newTestPortal(nil)

	post := func(ssid string) {
		req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewBufferString(`{"ssid":"`+ssid+`"}`))
		rec := httptest.NewRecorder()
		p.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	post("first")
	post("second")

	got := <-p.Credentials()
	require.Equal(t, "second", got.SSID.Display())

	select {
	case <-p.Credentials():
		t.Fatal("expected no second pending submission")
	default:
	}
}

func TestHandleConnectSurfacesPreviousFailure(t *testing.T) {
	p := newTestPortal(nil)
	p.ReportConnectResult(wifitypes.New(wifitypes.ErrAuthFailed, "fake.Connect", nil))

	req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewBufferString(`{"ssid":"cafe"}`))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "submitted", body["status"])
	require.Equal(t, "auth_failed", body["error"])
}

func TestHandleConnectOmitsErrorWhenNoPreviousFailure(t *testing.T) {
	p := newTestPortal(nil)

	req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewBufferString(`{"ssid":"cafe"}`))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	_, hasError := body["error"]
	require.False(t, hasError)
}

func TestHandleConnectSurfacesFailureOnlyOnce(t *testing.T) {
	p := newTestPortal(nil)
	p.ReportConnectResult(wifitypes.New(wifitypes.ErrNetworkUnavailable, "fake.Connect", nil))

	post := func() map[string]string {
		req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewBufferString(`{"ssid":"cafe"}`))
		rec := httptest.NewRecorder()
		p.Router().ServeHTTP(rec, req)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	first := post()
	require.Equal(t, "network_unavailable", first["error"])

	second := post()
	_, hasError := second["error"]
	require.False(t, hasError, "a stale error must not be surfaced past the next /connect")
}

func TestHandleRefreshReturnsAccepted(t *testing.T) {
	p := newTestPortal(nil)
	req := httptest.NewRequest(http.MethodGet, "/refresh", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCaptiveProbeURLsRedirect(t *testing.T) {
	p := newTestPortal(nil)
	for _, path := range []string{"/generate_204", "/hotspot-detect.html", "/ncsi.txt", "/connecttest.txt", "/redirect"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		p.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusFound, rec.Code, path)
		require.Equal(t, "/", rec.Header().Get("Location"), path)
	}
}

func TestUnknownPathRedirectsToIndex(t *testing.T) {
	p := newTestPortal(nil)
	req := httptest.NewRequest(http.MethodGet, "/some/unknown/path", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestSSIDRoute(t *testing.T) {
	p := newTestPortal(nil)
	req := httptest.NewRequest(http.MethodGet, "/ssid", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "WiFi Connect", body["ssid"])
}
