package event

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestEmitter_SubscriptionOrder(t *testing.T) {
	e := NewEmitter[int]("test")
	var got []string

	e.Subscribe(func(v int) { got = append(got, "a") })
	unsubB := e.Subscribe(func(v int) { got = append(got, "b") })
	e.Subscribe(func(v int) { got = append(got, "c") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got = nil
	unsubB()
	unsubB()
	e.Emit(2)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Equal(t, 2, e.Len())
}

func TestEmitter_PanicDoesNotAbortEmission(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	e := NewEmitter[string]("onBoom", WithLogger(logger))
	var received []string
	e.Subscribe(func(v string) { panic("listener bug") })
	e.Subscribe(func(v string) { received = append(received, v) })

	assert.NotPanics(t, func() { e.Emit("hello") })
	assert.Equal(t, []string{"hello"}, received)
	assert.Contains(t, buf.String(), "onBoom")
	assert.Contains(t, buf.String(), "listener bug")
}

func TestEmitter_Hooks(t *testing.T) {
	var first, last int
	e := NewEmitter[int]("hooks", WithHooks(func() { first++ }, func() { last++ }))

	u1 := e.Subscribe(func(int) {})
	u2 := e.Subscribe(func(int) {})
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, last)

	u1()
	assert.Equal(t, 0, last)
	u2()
	u2()
	assert.Equal(t, 1, last)

	e.Subscribe(func(int) {})
	assert.Equal(t, 2, first)
}

func TestEmitter_UnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter[int]("self-removal")
	calls := 0
	var unsub func()
	unsub = e.Subscribe(func(int) {
		calls++
		unsub()
	})

	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, 1, calls)
	assert.Zero(t, e.Len())
}
