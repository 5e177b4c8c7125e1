package event

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_RunsInOrder(t *testing.T) {
	d := NewDispatcher("test", logrus.New())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
	d.Close()
}

func TestDispatcher_SurvivesPanicAndCloses(t *testing.T) {
	d := NewDispatcher("panicky", logrus.New())
	ran := make(chan struct{})

	d.Post(func() { panic("bad listener") })
	d.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("dispatcher stopped after a panic")
	}

	d.Close()
	d.Close()
	assert.NotPanics(t, func() { d.Post(func() {}) })
}
