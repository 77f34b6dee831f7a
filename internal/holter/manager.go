package holter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/cardioguard/cardiolink/internal/ecg"
	"github.com/cardioguard/cardiolink/internal/signal"
	"github.com/cardioguard/cardiolink/internal/transport"
	"github.com/cardioguard/cardiolink/pkg/config"
)

// batteryValid tags the packed battery word so level 0 is distinguishable
// from "never read".
const batteryValid = uint32(1) << 8

// maxPlausibleGap separates transmission loss from duplicated or reordered
// delivery. A gap of a half cycle or more means the sequence went backwards
// (notifications are never half a u16 space apart in flight); that is a
// protocol violation to flag, not loss to count.
const maxPlausibleGap = 1 << 15

// connectAttempt is the single-flight token for an in-progress connect.
// Concurrent callers wait on done and share err instead of issuing a second
// transport dial.
type connectAttempt struct {
	id   string
	done chan struct{}
	err  error
}

type scanFlight struct {
	done    chan struct{}
	devices []transport.Peripheral
	err     error
}

// Manager is the connection state machine. It exclusively owns the
// transport handle, the reconnect state and the live stream buffers;
// everything else observes through Subscribe* callbacks.
//
// Construct with New at the composition root and pass by reference; there
// is no package-level instance.
type Manager struct {
	cfg    *config.Config
	tr     transport.Transport
	logger *logrus.Logger

	mu          sync.Mutex
	status      Status
	closed      bool
	tearingDown bool

	conn       transport.Conn
	connID     string
	connCancel context.CancelFunc
	connWg     *sync.WaitGroup
	lastDevice string

	inflight *connectAttempt
	scanning *scanFlight

	// Reconnect state. attempts counts dials in the current cycle and
	// resets to zero only on a successful connect.
	attempts        uint32
	reconnecting    bool
	reconnectTimer  *time.Timer
	supervisedTried bool

	devices *hashmap.Map[string, transport.Peripheral]

	// Stream state, guarded by streamMu. This is the notification hot
	// path: decode and ring write run at wire rate and must not allocate.
	streamMu     sync.Mutex
	streamDevice string
	ring         *signal.Ring
	bpm          *signal.BPMEstimator
	scratch      ecg.Packet
	mvBuf        []float64
	lastSeq      uint16
	haveSeq      bool
	seqGaps      uint64
	samplesTotal uint64

	lastSampleNs atomic.Int64
	battery      atomic.Uint32

	sampleSubs  *registry[SampleHandler]
	stateSubs   *registry[StateHandler]
	statsSubs   *registry[StatsHandler]
	batterySubs *registry[BatteryHandler]

	// Broadcast coalescing: stats fan-out is capped at BroadcastInterval,
	// with a trailing timer so the latest state still goes out after a
	// packet lands inside the throttle window.
	bmu            sync.Mutex
	lastBroadcast  time.Time
	broadcastTimer *time.Timer

	watchdog *watchdog
}

// New creates a Manager over the given transport. The watchdog starts
// immediately; Close stops it.
func New(cfg *config.Config, tr transport.Transport, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:        cfg,
		tr:         tr,
		logger:     logger,
		status:     Status{State: StateDisconnected},
		devices:    hashmap.New[string, transport.Peripheral](),
		ring:       signal.NewRing(cfg.RingCapacity()),
		bpm:        signal.NewBPMEstimator(cfg.SampleRate, cfg.PeakThresholdMV, cfg.Refractory),
		sampleSubs:  newRegistry[SampleHandler](),
		stateSubs:   newRegistry[StateHandler](),
		statsSubs:   newRegistry[StatsHandler](),
		batterySubs: newRegistry[BatteryHandler](),
	}
	if cfg.WatchdogInterval > 0 {
		m.watchdog = newWatchdog(m, cfg.WatchdogInterval, cfg.StaleAfter)
		go m.watchdog.run()
	}
	return m
}

// State returns the current connection status.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Devices returns the discovered peripherals, strongest signal first.
func (m *Manager) Devices() []transport.Peripheral {
	out := make([]transport.Peripheral, 0, m.devices.Len())
	m.devices.Range(func(_ string, p transport.Peripheral) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// SubscribeSamples registers a per-batch sample callback and returns its
// unsubscribe function. See Batch for the aliasing contract.
func (m *Manager) SubscribeSamples(fn SampleHandler) func() {
	return m.sampleSubs.add(fn)
}

// SubscribeState registers a state transition callback.
func (m *Manager) SubscribeState(fn StateHandler) func() {
	return m.stateSubs.add(fn)
}

// SubscribeStats registers a coalesced stream-statistics callback.
func (m *Manager) SubscribeStats(fn StatsHandler) func() {
	return m.statsSubs.add(fn)
}

// SubscribeBattery registers a battery level callback, invoked on change at
// the polling cadence.
func (m *Manager) SubscribeBattery(fn BatteryHandler) func() {
	return m.batterySubs.add(fn)
}

// transitionLocked records a state change and returns the deferred
// notification. Callers invoke it after releasing m.mu, so a handler that
// calls back into the manager cannot deadlock.
func (m *Manager) transitionLocked(st Status) func() {
	if m.status == st {
		return func() {}
	}
	m.logger.WithFields(logrus.Fields{
		"from":   m.status.State.String(),
		"to":     st.State.String(),
		"device": st.DeviceID,
		"reason": st.Reason,
	}).Info("Connection state changed")
	m.status = st
	subs := m.stateSubs.snapshot()
	return func() {
		for _, fn := range subs {
			fn(st)
		}
	}
}

// Scan discovers nearby holters matching the configured name prefix.
// Concurrent calls share one transport scan.
func (m *Manager) Scan(ctx context.Context) ([]transport.Peripheral, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if sf := m.scanning; sf != nil {
		m.mu.Unlock()
		<-sf.done
		return sf.devices, sf.err
	}
	sf := &scanFlight{done: make(chan struct{})}
	m.scanning = sf
	restore := m.status.State == StateDisconnected || m.status.State == StateError
	var notify func()
	if restore {
		notify = m.transitionLocked(Status{State: StateScanning})
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}

	var (
		foundMu sync.Mutex
		found   []transport.Peripheral
		seen    = map[string]int{}
	)
	err := m.tr.Scan(ctx, transport.ScanOptions{
		Timeout:    m.cfg.ScanTimeout,
		NamePrefix: m.cfg.DeviceNamePrefix,
	}, func(p transport.Peripheral) {
		m.devices.Set(p.ID, p)
		foundMu.Lock()
		if i, ok := seen[p.ID]; ok {
			found[i] = p
		} else {
			seen[p.ID] = len(found)
			found = append(found, p)
		}
		foundMu.Unlock()
	})

	sort.Slice(found, func(i, j int) bool { return found[i].RSSI > found[j].RSSI })

	m.mu.Lock()
	m.scanning = nil
	notify = nil
	if restore && m.status.State == StateScanning {
		notify = m.transitionLocked(Status{State: StateDisconnected})
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}

	m.logger.WithField("device_count", len(found)).Info("Scan completed")
	sf.devices, sf.err = found, err
	close(sf.done)
	return found, err
}

// Connect establishes the link and opens the ECG stream. It is idempotent
// when already connected to id, single-flight when a connect is in
// progress, and rejected while connected to a different device or while a
// disconnect is tearing down.
func (m *Manager) Connect(ctx context.Context, id string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.tearingDown {
			m.mu.Unlock()
			return ErrTearingDown
		}
		if m.status.State == StateConnected {
			if m.connID == id {
				// Already streaming from this device; rebuilding the
				// subscription would risk a use-after-free in the driver.
				m.mu.Unlock()
				return nil
			}
			m.mu.Unlock()
			return ErrBusy
		}
		if att := m.inflight; att != nil {
			m.mu.Unlock()
			<-att.done
			if att.id == id {
				return att.err
			}
			continue
		}

		att := &connectAttempt{id: id, done: make(chan struct{})}
		m.inflight = att
		notify := m.transitionLocked(Status{State: StateConnecting, DeviceID: id})
		m.mu.Unlock()
		notify()
		return m.dial(ctx, att, false)
	}
}

// dial runs one transport connect plus stream establishment and settles the
// attempt. Automatic reconnects keep the machine in Connecting between
// tries, so only manual dials surface failures as StateError here.
func (m *Manager) dial(ctx context.Context, att *connectAttempt, isReconnect bool) error {
	conn, err := m.tr.Connect(ctx, att.id, m.cfg.ConnectTimeout)
	if err == nil {
		err = m.establish(att.id, conn)
	}
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"device":    att.id,
			"reconnect": isReconnect,
		}).WithError(err).Warn("Connect attempt failed")
		if !isReconnect {
			m.mu.Lock()
			notify := m.transitionLocked(Status{State: StateError, DeviceID: att.id, Reason: err.Error()})
			m.mu.Unlock()
			notify()
		}
	}

	m.mu.Lock()
	if m.inflight == att {
		m.inflight = nil
	}
	m.mu.Unlock()
	att.err = err
	close(att.done)
	return err
}

// establish takes ownership of a freshly dialed connection: reset stream
// state, mark Connected, open the single ECG subscription, start the drop
// watcher and the slow polling loop.
func (m *Manager) establish(id string, conn transport.Conn) error {
	m.mu.Lock()
	if m.closed || m.tearingDown {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.connID = id
	m.lastDevice = id
	connCtx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	wg := &sync.WaitGroup{}
	m.connWg = wg
	m.resetStream(id)
	m.mu.Unlock()

	if err := m.openStream(conn); err != nil {
		cancel()
		conn.Close()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connID = ""
			m.connCancel = nil
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.attempts = 0
	m.reconnecting = false
	m.supervisedTried = false
	notify := m.transitionLocked(Status{State: StateConnected, DeviceID: id})
	m.mu.Unlock()
	notify()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-connCtx.Done():
		case <-conn.Disconnected():
			m.handleDrop(id, conn)
		}
	}()

	m.startPolling(connCtx, wg, conn, id)
	return nil
}

// openStream opens the ECG notification subscription with a bounded retry.
// Retrying forever here is a known source of resource exhaustion, so after
// the cap the error is terminal.
func (m *Manager) openStream(conn transport.Conn) error {
	var err error
	for attempt := 1; attempt <= m.cfg.SubscribeRetries; attempt++ {
		err = conn.SubscribeECG(m.handleNotification)
		if err == nil {
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     m.cfg.SubscribeRetries,
		}).WithError(err).Warn("Failed to open ECG subscription")
		if attempt < m.cfg.SubscribeRetries {
			time.Sleep(m.cfg.SubscribeRetryDelay)
		}
	}
	return fmt.Errorf("failed to open ECG stream after %d attempts: %w", m.cfg.SubscribeRetries, err)
}

// resetStream clears all per-session stream state so nothing bleeds across
// sessions. Callers hold m.mu.
func (m *Manager) resetStream(id string) {
	m.streamMu.Lock()
	m.streamDevice = id
	m.ring.Reset()
	m.bpm.Reset()
	m.haveSeq = false
	m.seqGaps = 0
	m.samplesTotal = 0
	m.streamMu.Unlock()
	m.lastSampleNs.Store(time.Now().UnixNano())
	m.battery.Store(0)
}

// handleNotification is the transport notification callback: decode, gap
// check, millivolt conversion, ring write, estimator update, then per-batch
// listener delivery. Packets arrive at ~30 Hz on a latency-sensitive
// dispatch path, so everything up to the fan-out is allocation-free.
func (m *Manager) handleNotification(data []byte) {
	m.streamMu.Lock()
	if err := ecg.DecodeInto(&m.scratch, data); err != nil {
		m.streamMu.Unlock()
		// A single bad notification must not kill a healthy stream.
		m.logger.WithError(err).Warn("Dropping malformed ECG packet")
		return
	}
	seq := m.scratch.Sequence
	if !m.haveSeq {
		m.lastSeq = seq
		m.haveSeq = true
	} else if gap := ecg.SequenceGap(m.lastSeq, seq); gap >= maxPlausibleGap {
		// Keep tracking from the highest sequence seen so the next
		// in-order packet is not misread as a huge gap.
		m.logger.WithFields(logrus.Fields{
			"last": m.lastSeq,
			"got":  seq,
		}).Warn("Duplicate or out-of-order ECG packet")
	} else {
		if gap > 0 {
			m.seqGaps += uint64(gap)
			m.logger.WithFields(logrus.Fields{
				"expected": m.lastSeq + 1,
				"got":      seq,
				"gap":      gap,
			}).Warn("ECG sequence gap detected")
		}
		m.lastSeq = seq
	}

	m.mvBuf = m.scratch.MillivoltsInto(m.mvBuf, m.cfg.CalibrationFactor)
	m.ring.Write(m.mvBuf)
	m.bpm.PushAll(m.mvBuf)
	m.samplesTotal += uint64(len(m.mvBuf))
	batch := Batch{
		DeviceID:  m.streamDevice,
		Samples:   m.mvBuf,
		Timestamp: time.Now(),
	}
	m.streamMu.Unlock()

	m.lastSampleNs.Store(batch.Timestamp.UnixNano())
	for _, fn := range m.sampleSubs.snapshot() {
		fn(batch)
	}
	m.maybeBroadcastStats()
}

// Stats recomputes the derived stream summary from the current window.
func (m *Manager) Stats() signal.Stats {
	m.streamMu.Lock()
	window := m.ring.Snapshot()
	total := m.samplesTotal
	gaps := m.seqGaps
	bpm, hasBPM := m.bpm.BPM()
	m.streamMu.Unlock()

	st := signal.Stats{
		BPM:          bpm,
		HasBPM:       hasBPM,
		Quality:      signal.Quality(window, signal.SaturationMV(m.cfg.CalibrationFactor)),
		SamplesTotal: total,
		SequenceGaps: gaps,
		LastSample:   time.Unix(0, m.lastSampleNs.Load()),
	}
	if b := m.battery.Load(); b&batteryValid != 0 {
		st.Battery = uint8(b)
		st.HasBattery = true
	}
	return st
}

// maybeBroadcastStats rate-limits stats fan-out, arming a trailing timer so
// the latest window is still delivered after a quiet period.
func (m *Manager) maybeBroadcastStats() {
	m.bmu.Lock()
	now := time.Now()
	elapsed := now.Sub(m.lastBroadcast)
	if elapsed >= m.cfg.BroadcastInterval {
		m.lastBroadcast = now
		m.bmu.Unlock()
		m.broadcastStats()
		return
	}
	if m.broadcastTimer == nil {
		m.broadcastTimer = time.AfterFunc(m.cfg.BroadcastInterval-elapsed, func() {
			m.bmu.Lock()
			m.broadcastTimer = nil
			m.lastBroadcast = time.Now()
			m.bmu.Unlock()
			m.broadcastStats()
		})
	}
	m.bmu.Unlock()
}

func (m *Manager) broadcastStats() {
	subs := m.statsSubs.snapshot()
	if len(subs) == 0 {
		return
	}
	st := m.Stats()
	for _, fn := range subs {
		fn(st)
	}
}

// startPolling reads firmware once and battery periodically, both
// deliberately delayed past stream start and spaced out: the GATT command
// queue is effectively single-threaded, and reads issued against the
// high-frequency notification stream collide with it.
func (m *Manager) startPolling(ctx context.Context, wg *sync.WaitGroup, conn transport.Conn, id string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.BatteryPollDelay):
		}

		if fw, err := conn.ReadFirmware(); err == nil {
			if p, ok := m.devices.Get(id); ok {
				p.Firmware = fw
				m.devices.Set(id, p)
			}
			m.logger.WithField("firmware", fw).Debug("Device firmware version")
		} else {
			m.logger.WithError(err).Debug("Firmware read failed")
		}
		m.pollBattery(conn, id)

		ticker := time.NewTicker(m.cfg.BatteryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollBattery(conn, id)
			}
		}
	}()
}

// pollBattery reads the battery level. Non-critical: failures are logged
// and ignored.
func (m *Manager) pollBattery(conn transport.Conn, id string) {
	level, err := conn.ReadBattery()
	if err != nil {
		m.logger.WithError(err).Debug("Battery read failed")
		return
	}
	prev := m.battery.Swap(uint32(level) | batteryValid)
	if p, ok := m.devices.Get(id); ok {
		p.Battery = level
		m.devices.Set(id, p)
	}
	m.logger.WithField("level", level).Debug("Battery level")
	if prev != uint32(level)|batteryValid {
		for _, fn := range m.batterySubs.snapshot() {
			fn(level)
		}
	}
}

// handleDrop reacts to a transport-level drop of the active link.
func (m *Manager) handleDrop(id string, dropped transport.Conn) {
	m.mu.Lock()
	if m.closed || m.tearingDown || m.conn != dropped {
		// Caller-initiated teardown or an old link; nothing to do.
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.connID = ""
	cancel := m.connCancel
	m.connCancel = nil

	var notify func()
	switch {
	case m.cfg.AutoReconnect && m.cfg.MaxReconnectAttempts > 0:
		m.reconnecting = true
		m.attempts = 1
		delay := m.cfg.ReconnectBaseDelay * time.Duration(m.attempts)
		m.logger.WithFields(logrus.Fields{
			"device":  id,
			"attempt": m.attempts,
			"max":     m.cfg.MaxReconnectAttempts,
			"delay":   delay,
		}).Warn("Connection dropped; scheduling reconnect")
		notify = m.transitionLocked(Status{State: StateConnecting, DeviceID: id})
		m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectOnce(id) })
	case m.cfg.AutoReconnect:
		notify = m.transitionLocked(Status{State: StateError, DeviceID: id, Reason: "reconnect budget exhausted"})
	default:
		m.logger.WithField("device", id).Warn("Connection dropped; auto-reconnect disabled")
		notify = m.transitionLocked(Status{State: StateDisconnected})
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Release our side. The link is already gone; Close must not try to
	// cancel the stale notification registration.
	conn.Close()
	notify()
}

// reconnectOnce performs one scheduled reconnect dial and either reschedules
// or gives up. Exceeding the budget is terminal: recovery from there needs a
// manual Connect or the watchdog's single supervised attempt.
func (m *Manager) reconnectOnce(id string) {
	m.mu.Lock()
	if m.closed || m.tearingDown || !m.reconnecting || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	att := &connectAttempt{id: id, done: make(chan struct{})}
	m.inflight = att
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":  id,
		"attempt": attempt,
		"max":     m.cfg.MaxReconnectAttempts,
	}).Info("Reconnecting")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.dial(ctx, att, true); err == nil {
		return
	}

	m.mu.Lock()
	if m.closed || m.tearingDown || !m.reconnecting {
		m.mu.Unlock()
		return
	}
	if m.attempts < m.cfg.MaxReconnectAttempts {
		m.attempts++
		delay := m.cfg.ReconnectBaseDelay * time.Duration(m.attempts)
		m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectOnce(id) })
		m.mu.Unlock()
		return
	}
	m.reconnecting = false
	notify := m.transitionLocked(Status{
		State:    StateError,
		DeviceID: id,
		Reason:   fmt.Sprintf("reconnect budget exhausted after %d attempts", m.attempts),
	})
	m.mu.Unlock()
	notify()
}

// Disconnect tears the link down. Safe to call from any state. Ordering is
// the crux of reconnection hygiene: clear pending timers, cancel the
// connection context, wait for the connection goroutines, only then release
// the transport handle. A Connect arriving mid-teardown is rejected rather
// than interleaved.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.tearingDown {
		m.mu.Unlock()
		return nil
	}
	m.tearingDown = true

	// Cancel any reconnect cycle first so no timer re-dials mid-teardown.
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnecting = false
	m.attempts = 0

	att := m.inflight
	m.mu.Unlock()
	if att != nil {
		<-att.done
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connID = ""
	cancel := m.connCancel
	m.connCancel = nil
	wg := m.connWg
	m.connWg = nil
	var notify func()
	if conn != nil {
		notify = m.transitionLocked(Status{State: StateDisconnecting, DeviceID: m.status.DeviceID})
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}

	m.bmu.Lock()
	if m.broadcastTimer != nil {
		m.broadcastTimer.Stop()
		m.broadcastTimer = nil
	}
	m.bmu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.mu.Lock()
	m.tearingDown = false
	notify = m.transitionLocked(Status{State: StateDisconnected})
	m.mu.Unlock()
	notify()
	return err
}

// Close tears down the link and stops the watchdog. The manager cannot be
// reused afterwards.
func (m *Manager) Close() error {
	if m.watchdog != nil {
		m.watchdog.halt()
	}
	err := m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return err
}
