package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	out    *syncBuffer
}

// NewTestHelper creates a test helper whose logger writes to a buffer.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(out)
	return &TestHelper{
		T:      t,
		Logger: logger,
		out:    out,
	}
}

// LogOutput returns everything logged so far.
func (h *TestHelper) LogOutput() string {
	return h.out.String()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
