package trigger

import "context"

// Instance is a single-use sandbox handle. It owns its execution context and
// is closed by the scheduler right after the handler returns.
type Instance interface {
	Component() string
	Close(ctx context.Context) error
}

// Adapter is the sandbox engine seen by the scheduler. Implementations must be
// safe for concurrent use by every component loop.
type Adapter interface {
	// PrepareInstance builds a fresh instance of component. Unknown components
	// should wrap ErrUnknownComponent.
	PrepareInstance(ctx context.Context, component string) (Instance, error)
	// InvokeTimerHandler runs the component's timer handler once and returns
	// its output.
	InvokeTimerHandler(ctx context.Context, inst Instance) (string, error)
}
