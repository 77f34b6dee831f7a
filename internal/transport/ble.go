package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	bledev "github.com/go-ble/ble/examples/lib/dev"
	"github.com/sirupsen/logrus"
)

// GATT identifiers used by the holter. The ECG stream rides the standard
// Heart Rate service.
var (
	ECGServiceUUID       = ble.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	ECGDataCharUUID      = ble.MustParse("00002a37-0000-1000-8000-00805f9b34fb")
	BatteryServiceUUID   = ble.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	BatteryLevelCharUUID = ble.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	DeviceInfoSvcUUID    = ble.MustParse("0000180a-0000-1000-8000-00805f9b34fb")
	FirmwareRevCharUUID  = ble.MustParse("00002a26-0000-1000-8000-00805f9b34fb")
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := bledev.DefaultDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// BLE is the production Transport backed by go-ble.
type BLE struct {
	logger *logrus.Logger

	mu          sync.Mutex
	initialized bool
}

// NewBLE creates the go-ble transport.
func NewBLE(logger *logrus.Logger) *BLE {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLE{logger: logger}
}

// ensureDevice initializes the platform BLE stack once. A failure here is
// terminal for the process: the transport is unavailable.
func (t *BLE) ensureDevice() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.initialized = true
	return nil
}

// Scan runs discovery, invoking handler for each matching advertisement.
func (t *BLE) Scan(ctx context.Context, opts ScanOptions, handler func(Peripheral)) error {
	if err := t.ensureDevice(); err != nil {
		return err
	}

	scanCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	t.logger.WithField("prefix", opts.NamePrefix).Info("Starting BLE scan...")

	filter := func(adv ble.Advertisement) bool {
		if opts.NamePrefix == "" {
			return true
		}
		return strings.HasPrefix(adv.LocalName(), opts.NamePrefix)
	}
	advHandler := func(adv ble.Advertisement) {
		handler(Peripheral{
			ID:          adv.Addr().String(),
			Name:        adv.LocalName(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
		})
	}

	err := ble.Scan(scanCtx, !opts.AllowDuplicates, advHandler, filter)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	t.logger.Info("BLE scan completed")
	return nil
}

// Connect dials the device and resolves the characteristics the app uses.
func (t *BLE) Connect(ctx context.Context, id string, timeout time.Duration) (Conn, error) {
	if err := t.ensureDevice(); err != nil {
		return nil, err
	}

	t.logger.WithField("address", id).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(id))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %q: %w", id, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	conn := &bleConn{client: client, logger: t.logger}
	// The Disconnected() channel is Darwin-specific; on stacks without it
	// drops only surface through failed operations.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		conn.disconnected = dc.Disconnected()
	} else {
		t.logger.Debug("Client does not support Disconnected() channel (non-Darwin platform?)")
		conn.disconnected = make(chan struct{})
	}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch {
			case svc.UUID.Equal(ECGServiceUUID) && char.UUID.Equal(ECGDataCharUUID):
				conn.ecgChar = char
			case svc.UUID.Equal(BatteryServiceUUID) && char.UUID.Equal(BatteryLevelCharUUID):
				conn.batteryChar = char
			case svc.UUID.Equal(DeviceInfoSvcUUID) && char.UUID.Equal(FirmwareRevCharUUID):
				conn.firmwareChar = char
			}
		}
	}
	if conn.ecgChar == nil {
		client.CancelConnection()
		return nil, fmt.Errorf("ECG characteristic %s not found on %q", ECGDataCharUUID, id)
	}

	t.logger.WithFields(logrus.Fields{
		"address":  id,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return conn, nil
}

type bleConn struct {
	client       ble.Client
	logger       *logrus.Logger
	ecgChar      *ble.Characteristic
	batteryChar  *ble.Characteristic
	firmwareChar *ble.Characteristic
	disconnected <-chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *bleConn) SubscribeECG(handler func(data []byte)) error {
	if err := c.client.Subscribe(c.ecgChar, false, handler); err != nil {
		return fmt.Errorf("failed to subscribe to ECG notifications: %w", err)
	}
	c.logger.WithField("char_uuid", c.ecgChar.UUID.String()).Info("Subscribed to ECG notifications")
	return nil
}

func (c *bleConn) ReadBattery() (uint8, error) {
	if c.batteryChar == nil {
		return 0, fmt.Errorf("battery characteristic not available")
	}
	data, err := c.client.ReadCharacteristic(c.batteryChar)
	if err != nil {
		return 0, fmt.Errorf("failed to read battery level: %w", err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("empty battery level read")
	}
	return data[0], nil
}

func (c *bleConn) ReadFirmware() (string, error) {
	if c.firmwareChar == nil {
		return "", fmt.Errorf("firmware revision characteristic not available")
	}
	data, err := c.client.ReadCharacteristic(c.firmwareChar)
	if err != nil {
		return "", fmt.Errorf("failed to read firmware revision: %w", err)
	}
	return string(data), nil
}

func (c *bleConn) ReadRSSI() (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("connection closed")
	}
	return c.client.ReadRSSI(), nil
}

func (c *bleConn) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Close tears down the link. It deliberately does not call Unsubscribe on
// the ECG characteristic: on a dropped link some stacks fault when
// cancelling a stale registration, and CancelConnection invalidates it
// either way.
func (c *bleConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
		return err
	}
	c.logger.Info("BLE device disconnected")
	return nil
}
