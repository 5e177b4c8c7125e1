package scan_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/pixels/internal/scan"
	"github.com/srg/pixels/internal/testutils"
)

const eventually = time.Second

type RequesterSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	clock   *clock.Mock
	scanner *testutils.FakeScanner
	req     *scan.Requester

	mu        sync.Mutex
	errs      []error
	requested []bool
	released  int
}

func (s *RequesterSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = clock.NewMock()
	s.scanner = testutils.NewFakeScanner(true)
	s.errs = nil
	s.requested = nil
	s.released = 0
	s.req = scan.NewRequester(s.scanner, scan.RequesterOptions{
		StopDelay: 7 * time.Second,
		Clock:     s.clock,
		Logger:    s.helper.Logger,
		ReleaseConnection: func(ctx context.Context) bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.released++
			return true
		},
	})
	s.req.OnScanRequested.Subscribe(func(v bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requested = append(s.requested, v)
	})
}

func (s *RequesterSuite) TearDownTest() {
	s.req.Close()
}

func (s *RequesterSuite) collectErrors() func() {
	return s.req.OnScanError.Subscribe(func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.errs = append(s.errs, err)
	})
}

func (s *RequesterSuite) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *RequesterSuite) requestedEvents() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.requested...)
}

func (s *RequesterSuite) TestEveryRequestStartsScanner() {
	r1 := s.req.RequestScan()
	r2 := s.req.RequestScan()

	s.Equal(2, s.scanner.Starts())
	s.True(s.req.IsScanRequested())
	s.True(s.req.IsTaken())
	r1()
	r2()
}

func (s *RequesterSuite) TestStopIsDeferredUntilLastRelease() {
	r1 := s.req.RequestScan()
	r2 := s.req.RequestScan()

	r1()
	r1()
	s.clock.Add(10 * time.Second)
	s.Zero(s.scanner.Stops(), "a token is still held")

	r2()
	s.clock.Add(6 * time.Second)
	s.Zero(s.scanner.Stops())

	s.clock.Add(2 * time.Second)
	s.Eventually(func() bool { return s.scanner.Stops() == 1 }, eventually, time.Millisecond)
	s.False(s.req.IsScanRequested())
	s.Eventually(func() bool {
		return len(s.requestedEvents()) == 2
	}, eventually, time.Millisecond)
	s.Equal([]bool{true, false}, s.requestedEvents())
}

func (s *RequesterSuite) TestRetakeDuringDelayDropsStop() {
	release := s.req.RequestScan()
	release()
	s.clock.Add(3 * time.Second)

	again := s.req.RequestScan()
	s.clock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)

	s.Zero(s.scanner.Stops())
	s.True(s.req.IsScanRequested())
	again()
}

func (s *RequesterSuite) TestReadyRestartsScanWhileTaken() {
	release := s.req.RequestScan()
	s.Equal(1, s.scanner.Starts())

	s.scanner.SetReady(false)
	s.scanner.SetReady(true)
	s.Equal(2, s.scanner.Starts())
	release()
}

func (s *RequesterSuite) TestNotReadyDuringStopDelayEndsSession() {
	release := s.req.RequestScan()
	release()
	s.True(s.req.IsScanRequested())

	s.scanner.SetReady(false)
	s.False(s.req.IsScanRequested())

	s.clock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	s.Zero(s.scanner.Stops(), "pending stop was cancelled")
}

func (s *RequesterSuite) TestStopReasonsAreTranslated() {
	unsub := s.collectErrors()
	defer unsub()

	s.scanner.StopWith(scan.StopSuccess, "")
	s.scanner.StopWith(scan.StopFailedToStart, scan.StartErrorInternal)
	s.scanner.StopWith(scan.StopUnauthorized, "")
	s.scanner.StopWith(scan.StopPoweredOff, "")

	s.Eventually(func() bool { return len(s.errors()) == 3 }, eventually, time.Millisecond)
	errs := s.errors()

	var startErr *scan.StartFailedError
	s.Require().True(errors.As(errs[0], &startErr))
	s.Equal(scan.StartErrorInternal, startErr.StartError)
	s.Equal(scan.BluetoothReady, startErr.BluetoothState)

	s.ErrorIs(errs[1], scan.ErrNotAuthorized)

	var unavailable *scan.UnavailableError
	s.Require().True(errors.As(errs[2], &unavailable))
	s.Equal(scan.StopPoweredOff, unavailable.Reason)
}

func (s *RequesterSuite) TestStatusIgnoredWithoutErrorListeners() {
	unsub := s.collectErrors()
	unsub()

	s.scanner.StopWith(scan.StopUnauthorized, "")
	time.Sleep(10 * time.Millisecond)
	s.Empty(s.errors())
}

func (s *RequesterSuite) TestStartErrorIsReported() {
	unsub := s.collectErrors()
	defer unsub()
	s.scanner.SetStartError(errors.New("radio busy"))

	release := s.req.RequestScan()
	defer release()

	s.Eventually(func() bool { return len(s.errors()) == 1 }, eventually, time.Millisecond)
	s.EqualError(s.errors()[0], "radio busy")
	s.True(s.req.IsTaken(), "bookkeeping is unaffected")
}

func (s *RequesterSuite) TestRegistrationFailureReleasesConnectionAndRestarts() {
	unsub := s.collectErrors()
	defer unsub()
	release := s.req.RequestScan()
	defer release()
	starts := s.scanner.Starts()

	s.scanner.StopWith(scan.StopFailedToStart, scan.StartErrorRegistrationFailed)

	s.Eventually(func() bool { return s.scanner.Starts() == starts+1 }, eventually, time.Millisecond)
	s.mu.Lock()
	s.Equal(1, s.released)
	s.mu.Unlock()
	s.Empty(s.errors())
}

func TestRequesterSuite(t *testing.T) {
	suite.Run(t, new(RequesterSuite))
}
