package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wifi-captive/internal/wifitypes"
)

// withShortBackoff shrinks the module-level retry knobs for the duration of
// a test, restoring them afterward so other tests keep the real policy.
func withShortBackoff(t *testing.T, attempts int, base time.Duration) {
	t.Helper()
	origAttempts, origBase := backendRetryAttempts, backendRetryBase
	backendRetryAttempts, backendRetryBase = attempts, base
	t.Cleanup(func() { backendRetryAttempts, backendRetryBase = origAttempts, origBase })
}

func unavailable(op string) error {
	return wifitypes.New(wifitypes.ErrBackendUnavailable, op, errors.New("dbus: no reply"))
}

func TestCallBackendSucceedsWithoutRetry(t *testing.T) {
	sv := &Supervisor{log: zerolog.Nop()}
	calls := 0
	err := sv.callBackend(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestCallBackendNonUnavailableErrorNotRetried(t *testing.T) {
	sv := &Supervisor{log: zerolog.Nop()}
	wantErr := wifitypes.New(wifitypes.ErrAuthFailed, "fake.Connect", nil)
	calls := 0
	err := sv.callBackend(context.Background(), func() error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls, "a non-recoverable error kind must not trigger a retry")
}

func TestCallBackendRetriesThenSucceeds(t *testing.T) {
	withShortBackoff(t, 5, 5*time.Millisecond)
	sv := &Supervisor{log: zerolog.Nop()}

	calls := 0
	err := sv.callBackend(context.Background(), func() error {
		calls++
		if calls < 3 {
			return unavailable("fake.HotspotStart")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls, "should stop retrying as soon as fn succeeds")
}

func TestCallBackendExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	withShortBackoff(t, 4, 2*time.Millisecond)
	sv := &Supervisor{log: zerolog.Nop()}

	calls := 0
	var lastErr error
	err := sv.callBackend(context.Background(), func() error {
		calls++
		lastErr = unavailable("fake.ConnectToAnyKnown")
		return lastErr
	})
	require.Equal(t, backendRetryAttempts, calls, "must attempt exactly backendRetryAttempts times total")
	require.Equal(t, lastErr, err, "must surface the last attempt's error, not an earlier one")
}

func TestCallBackendBackoffGrowsExponentially(t *testing.T) {
	withShortBackoff(t, 4, 10*time.Millisecond)
	sv := &Supervisor{log: zerolog.Nop()}

	start := time.Now()
	calls := 0
	sv.callBackend(context.Background(), func() error {
		calls++
		return unavailable("fake.HotspotStart")
	})
	elapsed := time.Since(start)

	// Waits between the 4 attempts are base, 2*base, 4*base = 70ms total.
	require.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestCallBackendCancellationDuringBackoffReturnsCtxErr(t *testing.T) {
	withShortBackoff(t, 5, time.Second)
	sv := &Supervisor{log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- sv.callBackend(ctx, func() error {
			calls++
			return unavailable("fake.Connect")
		})
	}()

	require.Eventually(t, func() bool { return calls >= 1 }, time.Second, time.Millisecond,
		"fn should have been probed at least once before cancellation")
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("callBackend did not return promptly after ctx cancellation")
	}
	require.Equal(t, 1, calls, "cancellation during the backoff wait must not let another attempt through")
}
