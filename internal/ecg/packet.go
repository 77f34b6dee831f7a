// Package ecg implements the binary notification format of the CardioGuard
// holter: a 4-byte little-endian header (sequence, sample count) followed by
// raw int16 ADC samples. All functions are pure; transport and buffering
// live elsewhere.
package ecg

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderBytes is the fixed packet header size: u16 sequence + u16 count.
	HeaderBytes = 4

	// MaxSamplesPerPacket is the protocol sanity bound on the declared
	// sample count. Anything above this is a malformed packet, not a big one.
	MaxSamplesPerPacket = 100

	// SamplesPerPacket is what the firmware actually sends: 4+8*2 = 20 bytes,
	// which fits the default BLE MTU.
	SamplesPerPacket = 8

	// DefaultSampleRate is the device sampling frequency in Hz.
	DefaultSampleRate = 250

	// DefaultCalibration converts a raw ADC value to millivolts.
	DefaultCalibration = 0.00286
)

// Packet is one decoded ECG notification payload.
type Packet struct {
	Sequence uint16
	Raw      []int16
}

// DecodeErrorKind classifies why a payload failed to decode.
type DecodeErrorKind int

const (
	KindTooShort DecodeErrorKind = iota
	KindInvalidCount
	KindTruncated
)

// DecodeError reports a malformed notification payload.
type DecodeError struct {
	Kind  DecodeErrorKind
	Len   int
	Count int
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KindTooShort:
		return fmt.Sprintf("packet too short: %d bytes, need at least %d", e.Len, HeaderBytes)
	case KindInvalidCount:
		return fmt.Sprintf("invalid sample count %d (valid range 1..%d)", e.Count, MaxSamplesPerPacket)
	case KindTruncated:
		return fmt.Sprintf("truncated packet: %d bytes for %d declared samples", e.Len, e.Count)
	default:
		return fmt.Sprintf("decode error kind %d", e.Kind)
	}
}

// Is allows errors.Is to compare DecodeError values by Kind.
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is checks.
var (
	ErrTooShort     = &DecodeError{Kind: KindTooShort}
	ErrInvalidCount = &DecodeError{Kind: KindInvalidCount}
	ErrTruncated    = &DecodeError{Kind: KindTruncated}
)

// PacketBytes returns the encoded size of a packet carrying n samples.
func PacketBytes(n int) int {
	return HeaderBytes + 2*n
}

// Decode parses a notification payload into a freshly allocated Packet.
func Decode(buf []byte) (Packet, error) {
	var p Packet
	err := DecodeInto(&p, buf)
	return p, err
}

// DecodeInto parses a notification payload, reusing p.Raw's capacity when
// possible. The decode path runs inside the notification callback at wire
// rate, so the manager calls this with a scratch packet to keep the hot
// path allocation-free.
func DecodeInto(p *Packet, buf []byte) error {
	if len(buf) < HeaderBytes {
		return &DecodeError{Kind: KindTooShort, Len: len(buf)}
	}
	seq := binary.LittleEndian.Uint16(buf[0:2])
	count := int(binary.LittleEndian.Uint16(buf[2:4]))
	if count == 0 || count > MaxSamplesPerPacket {
		return &DecodeError{Kind: KindInvalidCount, Len: len(buf), Count: count}
	}
	if len(buf)-HeaderBytes < 2*count {
		return &DecodeError{Kind: KindTruncated, Len: len(buf), Count: count}
	}

	if cap(p.Raw) < count {
		p.Raw = make([]int16, count)
	}
	p.Raw = p.Raw[:count]
	for i := 0; i < count; i++ {
		off := HeaderBytes + 2*i
		p.Raw[i] = int16(binary.LittleEndian.Uint16(buf[off : off+2]))
	}
	p.Sequence = seq
	return nil
}

// Encode serializes a packet into the wire format. Used by the device
// simulator and by round-trip tests; the app itself never writes ECG frames.
func Encode(p Packet) []byte {
	buf := make([]byte, PacketBytes(len(p.Raw)))
	binary.LittleEndian.PutUint16(buf[0:2], p.Sequence)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.Raw)))
	for i, v := range p.Raw {
		off := HeaderBytes + 2*i
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(v))
	}
	return buf
}

// Millivolts converts the raw trace to millivolts.
func (p Packet) Millivolts(factor float64) []float64 {
	return p.MillivoltsInto(nil, factor)
}

// MillivoltsInto converts the raw trace to millivolts, appending into dst's
// capacity when it suffices.
func (p Packet) MillivoltsInto(dst []float64, factor float64) []float64 {
	if cap(dst) < len(p.Raw) {
		dst = make([]float64, len(p.Raw))
	}
	dst = dst[:len(p.Raw)]
	for i, v := range p.Raw {
		dst[i] = float64(v) * factor
	}
	return dst
}

// SequenceGap returns how many packets were lost between prev and curr,
// accounting for u16 wraparound. Zero means curr directly follows prev.
// Notifications are not retransmitted, so a positive gap is telemetry,
// never a retry trigger.
func SequenceGap(prev, curr uint16) uint32 {
	expected := prev + 1 // wraps at 65535 by u16 arithmetic
	return uint32(curr - expected)
}
