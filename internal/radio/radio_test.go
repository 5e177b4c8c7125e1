package radio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/pixels/internal/radio"
)

func TestStatic_NotifiesChangesOnly(t *testing.T) {
	w := radio.NewStatic(false, logrus.New())
	defer func() { require.NoError(t, w.Close()) }()

	var mu sync.Mutex
	var got []bool
	w.Subscribe(func(ready bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ready)
	})

	w.Set(false)
	w.Set(true)
	w.Set(true)
	w.Set(false)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true, false}, got)
	mu.Unlock()
	assert.False(t, w.IsReady())
}

func TestStatic_SubscribeIsNotSynchronous(t *testing.T) {
	w := radio.NewStatic(true, logrus.New())
	defer w.Close()

	called := make(chan struct{}, 1)
	unsub := w.Subscribe(func(bool) { called <- struct{}{} })
	unsub()
	w.Set(false)

	select {
	case <-called:
		t.Fatal("listener called after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}
