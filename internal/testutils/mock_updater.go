package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/srg/pixels/internal/dfu"
)

// MockUpdater is a testify mock of dfu.Updater. Use Run on the expectation
// to drive the callbacks:
//
//	u.On("Update", mock.Anything, mock.Anything, mock.Anything).
//	    Run(func(args mock.Arguments) {
//	        cb := args.Get(2).(dfu.Callbacks)
//	        cb.OnState(dfu.StateUploading)
//	    }).Return(nil).Once()
type MockUpdater struct {
	mock.Mock
}

func (m *MockUpdater) Update(ctx context.Context, req dfu.Request, cb dfu.Callbacks) error {
	args := m.Called(ctx, req, cb)
	return args.Error(0)
}
