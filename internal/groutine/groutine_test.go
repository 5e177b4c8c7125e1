package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	done := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) {
		done <- GetName(ctx)
	})
	assert.Equal(t, "worker-42", <-done)
}

func TestGroup_WaitsAndSurvivesPanics(t *testing.T) {
	var g Group
	var ran atomic.Int32

	g.Go(context.Background(), "ok", func(context.Context) { ran.Add(1) })
	g.Go(context.Background(), "boom", func(context.Context) {
		ran.Add(1)
		panic("boom")
	})
	g.Wait()

	assert.Equal(t, int32(2), ran.Load())
}

func TestGetName_Empty(t *testing.T) {
	assert.Empty(t, GetName(nil))
	assert.Empty(t, GetName(context.Background()))
	assert.NotZero(t, GetGID())
}
