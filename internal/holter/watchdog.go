package holter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// watchdog periodically checks stream liveness. Some stacks keep the link
// nominally up while notifications have silently stopped; an RSSI probe
// against such a link forces the driver to notice and fire the disconnect
// event, which routes recovery through the normal drop handler.
type watchdog struct {
	m          *Manager
	interval   time.Duration
	staleAfter time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func newWatchdog(m *Manager, interval, staleAfter time.Duration) *watchdog {
	return &watchdog{
		m:          m,
		interval:   interval,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (w *watchdog) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *watchdog) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *watchdog) tick() {
	m := w.m
	m.mu.Lock()
	if m.closed || m.tearingDown {
		m.mu.Unlock()
		return
	}
	switch m.status.State {
	case StateConnected:
		conn := m.conn
		id := m.connID
		m.mu.Unlock()
		if conn == nil {
			return
		}
		age := time.Since(time.Unix(0, m.lastSampleNs.Load()))
		if age < w.staleAfter {
			return
		}
		m.logger.WithFields(logrus.Fields{
			"device":    id,
			"stale_for": age,
		}).Warn("ECG stream stale; probing link")
		if rssi, err := conn.ReadRSSI(); err != nil {
			// The probe surfaced a dead link. The driver's disconnect
			// event follows and the drop handler owns recovery.
			m.logger.WithError(err).Warn("Link probe failed")
		} else {
			m.logger.WithField("rssi", rssi).Info("Link alive but stream stale")
		}
	case StateError:
		// One supervised recovery attempt after a reconnect cycle gave up,
		// in case the device came back while nobody was dialing.
		if m.supervisedTried || m.lastDevice == "" || m.inflight != nil {
			m.mu.Unlock()
			return
		}
		m.supervisedTried = true
		id := m.lastDevice
		att := &connectAttempt{id: id, done: make(chan struct{})}
		m.inflight = att
		notify := m.transitionLocked(Status{State: StateConnecting, DeviceID: id})
		m.mu.Unlock()
		notify()
		m.logger.WithField("device", id).Info("Supervised reconnect attempt")
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		m.dial(ctx, att, false)
		cancel()
	default:
		m.mu.Unlock()
	}
}
