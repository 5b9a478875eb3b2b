package core

import "context"

// Executor runs a function with exclusive access to a controller
type Executor interface {
	Do(ctx context.Context, fn func(*Controller)) error
}

// Direct runs functions in the caller's goroutine. It serves replays and
// tests that step the controller themselves; it must not be mixed with Run.
type Direct struct {
	C *Controller
}

// Do implements Executor
func (d Direct) Do(ctx context.Context, fn func(*Controller)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn(d.C)
	return nil
}
