package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardioguard/cardiolink/internal/ecg"
	"github.com/cardioguard/cardiolink/internal/transport"
)

func TestScanAdvertisesDevice(t *testing.T) {
	tr := NewTransport(nil, nil)

	var got []transport.Peripheral
	err := tr.Scan(context.Background(), transport.ScanOptions{NamePrefix: "CardioGuard"},
		func(p transport.Peripheral) { got = append(got, p) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, DeviceID, got[0].ID)
	assert.Equal(t, DeviceName, got[0].Name)
}

func TestConnectRejectsUnknownID(t *testing.T) {
	tr := NewTransport(nil, nil)
	_, err := tr.Connect(context.Background(), "bogus", time.Second)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	assert.Equal(t, 1, tr.DialCount())
}

func TestFailNextConnects(t *testing.T) {
	tr := NewTransport(nil, nil)
	tr.FailNextConnects(2)

	_, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.Error(t, err)
	_, err = tr.Connect(context.Background(), DeviceID, time.Second)
	require.Error(t, err)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 3, tr.DialCount())
}

func TestEmitPacketsAreValidWireFormat(t *testing.T) {
	tr := NewTransport(nil, nil)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var packets []ecg.Packet
	require.NoError(t, conn.SubscribeECG(func(data []byte) {
		p, err := ecg.Decode(data)
		require.NoError(t, err)
		packets = append(packets, p)
	}))

	require.Equal(t, 3, tr.EmitSamples(3))
	require.Len(t, packets, 3)
	for i, p := range packets {
		assert.Equal(t, uint16(i), p.Sequence)
		assert.Len(t, p.Raw, ecg.SamplesPerPacket)
	}
}

func TestSkipSequencesFabricatesLoss(t *testing.T) {
	tr := NewTransport(nil, nil)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var seqs []uint16
	require.NoError(t, conn.SubscribeECG(func(data []byte) {
		p, err := ecg.Decode(data)
		require.NoError(t, err)
		seqs = append(seqs, p.Sequence)
	}))

	tr.EmitSamples(1)
	tr.SkipSequences(2)
	tr.EmitSamples(1)
	assert.Equal(t, []uint16{0, 3}, seqs)
}

func TestDropClosesDisconnectedChannel(t *testing.T) {
	tr := NewTransport(nil, nil)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)

	select {
	case <-conn.Disconnected():
		t.Fatal("link reported dropped while up")
	default:
	}

	tr.DropConnection()
	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("drop not signalled")
	}

	// A dropped link fails the liveness probe and stops delivering.
	_, err = conn.ReadRSSI()
	assert.Error(t, err)
	assert.Zero(t, tr.EmitSamples(1))
}

func TestDeviceInfoReads(t *testing.T) {
	tr := NewTransport(nil, nil)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fw, err := conn.ReadFirmware()
	require.NoError(t, err)
	assert.Equal(t, "SIM-ESP32-1.0.0", fw)

	level, err := conn.ReadBattery()
	require.NoError(t, err)
	assert.Equal(t, uint8(95), level)

	tr.DrainBattery(20)
	level, err = conn.ReadBattery()
	require.NoError(t, err)
	assert.Equal(t, uint8(75), level)

	tr.DrainBattery(200)
	level, err = conn.ReadBattery()
	require.NoError(t, err)
	assert.Zero(t, level)

	rssi, err := conn.ReadRSSI()
	require.NoError(t, err)
	assert.Negative(t, rssi)
}

func TestCloseDetachesHandler(t *testing.T) {
	tr := NewTransport(nil, nil)
	conn, err := tr.Connect(context.Background(), DeviceID, time.Second)
	require.NoError(t, err)

	delivered := 0
	require.NoError(t, conn.SubscribeECG(func([]byte) { delivered++ }))
	require.Equal(t, 1, tr.EmitSamples(1))

	require.NoError(t, conn.Close())
	assert.Zero(t, tr.EmitSamples(1))
	assert.Equal(t, 1, delivered)
}
