package viewupdate

import "context"

// AbortSource is a one-way cancellation flag shared by the generator, the
// row readers it opens and the relocations it runs
type AbortSource struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAbortSource creates an abort source. Cancelling parent also aborts.
func NewAbortSource(parent context.Context) *AbortSource {
	ctx, cancel := context.WithCancel(parent)
	return &AbortSource{ctx: ctx, cancel: cancel}
}

// Request requests abort. Calling it more than once has no further effect.
func (a *AbortSource) Request() {
	a.cancel()
}

// Requested reports whether abort has been requested
func (a *AbortSource) Requested() bool {
	return a.ctx.Err() != nil
}

// Context returns a context that is cancelled when abort is requested
func (a *AbortSource) Context() context.Context {
	return a.ctx
}

// Done is closed when abort is requested
func (a *AbortSource) Done() <-chan struct{} {
	return a.ctx.Done()
}
