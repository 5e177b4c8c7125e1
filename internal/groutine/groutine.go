package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a named goroutine labelled for pprof.
//
//	groutine.Go(ctx, "scheduler-1234", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used. A panic inside fn is
// logged with its stack and does not take the process down.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		defer Recover(name)
		fn(ctx)
	})
}

// Group tracks named goroutines so the owner can wait for them to exit.
type Group struct {
	wg sync.WaitGroup
}

// Go is the tracked form of the package level Go.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started through the group returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Recover logs a recovered panic. It must be called directly by defer.
func Recover(name string) {
	if r := recover(); r != nil {
		logrus.WithFields(logrus.Fields{
			"goroutine": name,
			"panic":     r,
		}).Errorf("goroutine panicked\n%s", debug.Stack())
	}
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
