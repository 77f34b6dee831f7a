package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardioguard/cardiolink/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a suppressed logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// FastConfig returns a config with all delays shrunk so connection and
// reconnection cycles complete in milliseconds. The watchdog interval is
// left long so its supervised reconnect never interferes with a test that
// is asserting on the regular reconnect budget.
func FastConfig() *config.Config {
	cfg := config.Default()
	cfg.ScanTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.SubscribeRetryDelay = time.Millisecond
	cfg.BroadcastInterval = 10 * time.Millisecond
	cfg.BatteryPollDelay = time.Hour
	cfg.BatteryPollInterval = time.Hour
	cfg.WatchdogInterval = time.Hour
	cfg.StaleAfter = time.Hour
	return cfg
}

// Eventually polls cond until it returns true or the deadline passes.
func (h *TestHelper) Eventually(timeout time.Duration, cond func() bool) bool {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
