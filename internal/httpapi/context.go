package httpapi

import "context"

// serverBaseCtx is cancelled on shutdown; streamed generations derive from it
// as well as from the request.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level context. nil resets to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context derived from b that is also cancelled, with
// a's cause, when a is done. The returned func releases the link.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(b)
	stop := context.AfterFunc(a, func() { cancel(context.Cause(a)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
