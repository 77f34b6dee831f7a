package simulator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardioguard/cardiolink/internal/ecg"
	"github.com/cardioguard/cardiolink/internal/transport"
)

const (
	// DeviceID and DeviceName are what the simulated holter advertises.
	DeviceID   = "sim-1"
	DeviceName = "CardioGuard SIM"

	firmwareVersion = "SIM-ESP32-1.0.0"
	startBattery    = 95
)

// Transport implements transport.Transport against a synthetic holter.
// It encodes real wire packets, so the full decode path is exercised.
//
// Test hooks (FailNextConnects, DropConnection, SkipSequences, EmitSamples)
// script the failure modes the manager has to survive.
type Transport struct {
	logger *logrus.Logger
	wave   *Waveform

	// Stream enables self-paced packet emission on subscribe, at the
	// firmware cadence (SamplesPerPacket / SampleRate). Tests leave it off
	// and emit packets by hand.
	stream         bool
	packetInterval time.Duration
	calibration    float64

	mu           sync.Mutex
	conn         *simConn
	seq          uint16
	battery      uint8
	failConnects int
	dials        int
}

// NewTransport creates a simulated transport with firmware defaults.
func NewTransport(wave *Waveform, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if wave == nil {
		wave = NewWaveform(WaveformConfig{})
	}
	return &Transport{
		logger:         logger,
		wave:           wave,
		packetInterval: time.Second * ecg.SamplesPerPacket / ecg.DefaultSampleRate,
		calibration:    ecg.DefaultCalibration,
		battery:        startBattery,
	}
}

// EnableStreaming makes connections emit packets continuously, for live use
// behind the CLI's --simulate flag.
func (t *Transport) EnableStreaming() {
	t.mu.Lock()
	t.stream = true
	t.mu.Unlock()
}

// Scan reports the single simulated peripheral when it matches the prefix.
func (t *Transport) Scan(ctx context.Context, opts transport.ScanOptions, handler func(transport.Peripheral)) error {
	if opts.NamePrefix == "" || strings.HasPrefix(DeviceName, opts.NamePrefix) {
		handler(transport.Peripheral{
			ID:          DeviceID,
			Name:        DeviceName,
			RSSI:        -42,
			Connectable: true,
		})
	}
	return nil
}

// Connect dials the simulated device.
func (t *Transport) Connect(ctx context.Context, id string, timeout time.Duration) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if id != DeviceID {
		return nil, transport.ErrDeviceNotFound
	}
	if t.failConnects > 0 {
		t.failConnects--
		return nil, errors.New("simulated connect failure")
	}

	c := &simConn{
		t:       t,
		dropped: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	t.conn = c
	t.logger.WithField("device", id).Debug("Simulated device connected")
	return c, nil
}

// DialCount reports how many times Connect was called, successful or not.
func (t *Transport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// FailNextConnects makes the next n Connect calls fail.
func (t *Transport) FailNextConnects(n int) {
	t.mu.Lock()
	t.failConnects = n
	t.mu.Unlock()
}

// SkipSequences advances the packet sequence counter without emitting,
// fabricating transmission loss.
func (t *Transport) SkipSequences(n uint16) {
	t.mu.Lock()
	t.seq += n
	t.mu.Unlock()
}

// DropConnection simulates a transport-level drop of the active link.
func (t *Transport) DropConnection() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.drop()
	}
}

// DrainBattery lowers the simulated battery level.
func (t *Transport) DrainBattery(by uint8) {
	t.mu.Lock()
	if t.battery > by {
		t.battery -= by
	} else {
		t.battery = 0
	}
	t.mu.Unlock()
}

// EmitPacket delivers one wire packet with an explicit sequence number to
// the active subscription.
func (t *Transport) EmitPacket(seq uint16, raw []int16) bool {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return false
	}
	return c.deliver(ecg.Encode(ecg.Packet{Sequence: seq, Raw: raw}))
}

// EmitSamples generates n waveform packets with consecutive sequence
// numbers, as the firmware would. Returns the number delivered.
func (t *Transport) EmitSamples(packets int) int {
	delivered := 0
	for i := 0; i < packets; i++ {
		t.mu.Lock()
		c := t.conn
		seq := t.seq
		t.seq++
		raw := make([]int16, ecg.SamplesPerPacket)
		for j := range raw {
			raw[j] = t.wave.NextRaw(t.calibration)
		}
		t.mu.Unlock()
		if c == nil {
			return delivered
		}
		if c.deliver(ecg.Encode(ecg.Packet{Sequence: seq, Raw: raw})) {
			delivered++
		}
	}
	return delivered
}

type simConn struct {
	t *Transport

	mu      sync.Mutex
	handler func([]byte)
	closed  bool

	dropped  chan struct{}
	dropOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *simConn) SubscribeECG(handler func(data []byte)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.handler = handler
	stream := c.t.stream
	c.mu.Unlock()

	if stream {
		go c.streamLoop()
	}
	return nil
}

func (c *simConn) streamLoop() {
	ticker := time.NewTicker(c.t.packetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.dropped:
			return
		case <-ticker.C:
			c.t.EmitSamples(1)
		}
	}
}

func (c *simConn) deliver(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	closed := c.closed
	c.mu.Unlock()
	if closed || h == nil {
		return false
	}
	h(data)
	return true
}

func (c *simConn) ReadBattery() (uint8, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.battery, nil
}

func (c *simConn) ReadFirmware() (string, error) {
	return firmwareVersion, nil
}

func (c *simConn) ReadRSSI() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("connection closed")
	}
	select {
	case <-c.dropped:
		return 0, errors.New("link dropped")
	default:
	}
	return -42, nil
}

func (c *simConn) Disconnected() <-chan struct{} {
	return c.dropped
}

func (c *simConn) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *simConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.handler = nil
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })

	c.t.mu.Lock()
	if c.t.conn == c {
		c.t.conn = nil
	}
	c.t.mu.Unlock()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Conn = (*simConn)(nil)
