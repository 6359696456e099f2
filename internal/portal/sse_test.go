package portal

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wifi-captive/internal/wifitypes"
)

func TestServeEventsSendsListSnapshotFirst(t *testing.T) {
	aps := wifitypes.AccessPoints{
		{SSID: wifitypes.SSID("cafe"), HW: "aa:bb:cc:dd:ee:01", Strength: 62, Frequency: 2412, Security: wifitypes.SecurityWPA},
	}
	p := newTestPortal(aps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		p.serveEvents(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	line, err := bufio.NewReader(rec.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: List\n", line)
}

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	hub := newSSEHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.broadcast(accessPointEvent(wifitypes.AccessPoint{SSID: wifitypes.SSID("cafe"), HW: "aa:bb:cc:dd:ee:01"}))

	select {
	case ev := <-ch:
		require.Equal(t, "Added", ev.name)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestBroadcastDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	hub := newSSEHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	for i := 0; i < 64; i++ {
		hub.broadcast(removedEvent("aa:bb:cc:dd:ee:01"))
	}
}
