package holter

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnecting", StateDisconnecting.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestOpErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", ErrBusy)
	assert.ErrorIs(t, wrapped, ErrBusy)

	// Same op compares equal even with different message text.
	assert.ErrorIs(t, &OpError{Op: "connect", Msg: "other"}, ErrBusy)
	assert.NotErrorIs(t, ErrClosed, ErrBusy)
	assert.NotErrorIs(t, errors.New("connect"), ErrBusy)
}

func TestRegistryOrderAndUnsubscribe(t *testing.T) {
	r := newRegistry[func()]()
	var order []int
	unsub1 := r.add(func() { order = append(order, 1) })
	r.add(func() { order = append(order, 2) })
	r.add(func() { order = append(order, 3) })

	for _, fn := range r.snapshot() {
		fn()
	}
	assert.Equal(t, []int{1, 2, 3}, order)

	unsub1()
	order = nil
	for _, fn := range r.snapshot() {
		fn()
	}
	assert.Equal(t, []int{2, 3}, order)
}

func TestRegistryUnsubscribeDuringBroadcast(t *testing.T) {
	r := newRegistry[func()]()
	calls := 0
	var unsub func()
	unsub = r.add(func() {
		calls++
		unsub() // self-removal mid-broadcast must not break iteration
	})
	r.add(func() { calls++ })

	for _, fn := range r.snapshot() {
		fn()
	}
	assert.Equal(t, 2, calls)
	assert.Len(t, r.snapshot(), 1)
}
