package holter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardioguard/cardiolink/internal/simulator"
	"github.com/cardioguard/cardiolink/internal/testutils"
)

func TestWatchdogLeavesHealthyStreamAlone(t *testing.T) {
	h := testutils.NewTestHelper(t)
	tr := simulator.NewTransport(nil, h.Logger)
	cfg := testutils.FastConfig()
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.StaleAfter = time.Hour
	m := New(cfg, tr, h.Logger)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), simulator.DeviceID))
	require.Equal(t, 1, tr.EmitSamples(1))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State().State)
	assert.Equal(t, 1, tr.DialCount())
}

func TestWatchdogProbesStaleStream(t *testing.T) {
	h := testutils.NewTestHelper(t)
	tr := simulator.NewTransport(nil, h.Logger)
	cfg := testutils.FastConfig()
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.StaleAfter = 20 * time.Millisecond
	m := New(cfg, tr, h.Logger)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), simulator.DeviceID))

	// No samples arrive, but the probe finds the link alive; the watchdog
	// must not dial or tear anything down on its own.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State().State)
	assert.Equal(t, 1, tr.DialCount())
}

func TestWatchdogSupervisedReconnect(t *testing.T) {
	h := testutils.NewTestHelper(t)
	tr := simulator.NewTransport(nil, h.Logger)
	cfg := testutils.FastConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.WatchdogInterval = 20 * time.Millisecond
	m := New(cfg, tr, h.Logger)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), simulator.DeviceID))

	// Burn the whole reconnect budget while the device is unreachable.
	tr.FailNextConnects(int(cfg.MaxReconnectAttempts))
	tr.DropConnection()
	require.True(t, h.Eventually(2*time.Second, func() bool {
		return m.State().State == StateError
	}))
	dialsAtError := tr.DialCount()

	// The device comes back; the watchdog gets exactly one more try.
	require.True(t, h.Eventually(2*time.Second, func() bool {
		return m.State().State == StateConnected
	}))
	assert.Equal(t, dialsAtError+1, tr.DialCount())
}

func TestWatchdogSupervisedReconnectOnlyOnce(t *testing.T) {
	h := testutils.NewTestHelper(t)
	tr := simulator.NewTransport(nil, h.Logger)
	cfg := testutils.FastConfig()
	cfg.MaxReconnectAttempts = 1
	cfg.WatchdogInterval = 10 * time.Millisecond
	m := New(cfg, tr, h.Logger)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), simulator.DeviceID))

	// Device stays unreachable through the budget and the supervised try.
	tr.FailNextConnects(1000)
	tr.DropConnection()
	require.True(t, h.Eventually(2*time.Second, func() bool {
		return m.State().State == StateError && tr.DialCount() >= 3
	}))

	dials := tr.DialCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, tr.DialCount())
	assert.Equal(t, StateError, m.State().State)
}
