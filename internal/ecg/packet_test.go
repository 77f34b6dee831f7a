package ecg_test

import (
	"errors"
	"testing"

	"github.com/cardioguard/cardiolink/internal/ecg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  ecg.Packet
	}{
		{
			name: "firmware sized packet",
			pkt:  ecg.Packet{Sequence: 42, Raw: []int16{0, 100, -100, 32767, -32768, 7, -7, 419}},
		},
		{
			name: "single sample",
			pkt:  ecg.Packet{Sequence: 0, Raw: []int16{-1}},
		},
		{
			name: "max count",
			pkt:  ecg.Packet{Sequence: 65535, Raw: make([]int16, 100)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := ecg.Encode(tt.pkt)
			assert.Len(t, buf, ecg.PacketBytes(len(tt.pkt.Raw)))

			got, err := ecg.Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.pkt.Sequence, got.Sequence)
			assert.Equal(t, tt.pkt.Raw, got.Raw)
		})
	}
}

func TestDecode_Bounds(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{name: "empty buffer", buf: nil, want: ecg.ErrTooShort},
		{name: "three bytes", buf: []byte{1, 0, 1}, want: ecg.ErrTooShort},
		{name: "zero count", buf: []byte{0, 0, 0, 0}, want: ecg.ErrInvalidCount},
		// count 101 little-endian is 0x65, 0x00
		{name: "count above bound", buf: append([]byte{0, 0, 101, 0}, make([]byte, 202)...), want: ecg.ErrInvalidCount},
		// declares 8 samples but carries 2
		{name: "truncated payload", buf: []byte{5, 0, 8, 0, 1, 2, 3, 4}, want: ecg.ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ecg.Decode(tt.buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeInto_ReusesBuffer(t *testing.T) {
	var p ecg.Packet
	first := ecg.Encode(ecg.Packet{Sequence: 1, Raw: []int16{10, 20, 30, 40, 50, 60, 70, 80}})
	require.NoError(t, ecg.DecodeInto(&p, first))
	ptr := &p.Raw[0]

	second := ecg.Encode(ecg.Packet{Sequence: 2, Raw: []int16{-1, -2, -3}})
	require.NoError(t, ecg.DecodeInto(&p, second))
	assert.Equal(t, []int16{-1, -2, -3}, p.Raw)
	assert.Same(t, ptr, &p.Raw[0], "decode should reuse the existing backing array")
}

func TestSequenceGap(t *testing.T) {
	tests := []struct {
		prev, curr uint16
		want       uint32
	}{
		{10, 11, 0},
		{10, 13, 2},
		{65535, 0, 0},
		{65535, 2, 2},
		{0, 0, 65535}, // duplicate looks like a near-full-cycle gap; flagged upstream
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ecg.SequenceGap(tt.prev, tt.curr),
			"SequenceGap(%d, %d)", tt.prev, tt.curr)
	}
}

func TestMillivolts(t *testing.T) {
	p := ecg.Packet{Sequence: 7, Raw: []int16{0, 1000, -1000}}
	mv := p.Millivolts(ecg.DefaultCalibration)
	require.Len(t, mv, 3)
	assert.InDelta(t, 0.0, mv[0], 1e-9)
	assert.InDelta(t, 2.86, mv[1], 1e-9)
	assert.InDelta(t, -2.86, mv[2], 1e-9)
}

func BenchmarkDecodeInto(b *testing.B) {
	buf := ecg.Encode(ecg.Packet{Sequence: 9, Raw: make([]int16, ecg.SamplesPerPacket)})
	var p ecg.Packet

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ecg.DecodeInto(&p, buf); err != nil {
			b.Fatal(err)
		}
	}
}
