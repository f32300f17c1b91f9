package worker

import "context"

// Handler processes one decoded push event.
type Handler func(ctx context.Context, evt *Event) error

// Middleware wraps a Handler. The first middleware passed to the worker is
// the outermost.
type Middleware func(Handler) Handler

func chain(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Listener observes the worker. Any hook may be nil.
type Listener struct {
	OnStart func(ctx context.Context)
	OnExit  func(ctx context.Context)
	// OnMessageStart runs before the handler, OnMessageFinish after it with
	// the handler error.
	OnMessageStart  func(ctx context.Context, evt *Event)
	OnMessageFinish func(ctx context.Context, evt *Event, err error)
	// OnError receives decode and handler failures. evt is nil when the
	// message could not be decoded.
	OnError func(ctx context.Context, evt *Event, err error)
}

type listeners []Listener

func (ls listeners) start(ctx context.Context) {
	for _, l := range ls {
		if l.OnStart != nil {
			l.OnStart(ctx)
		}
	}
}

func (ls listeners) exit(ctx context.Context) {
	for _, l := range ls {
		if l.OnExit != nil {
			l.OnExit(ctx)
		}
	}
}

func (ls listeners) messageStart(ctx context.Context, evt *Event) {
	for _, l := range ls {
		if l.OnMessageStart != nil {
			l.OnMessageStart(ctx, evt)
		}
	}
}

func (ls listeners) messageFinish(ctx context.Context, evt *Event, err error) {
	for _, l := range ls {
		if l.OnMessageFinish != nil {
			l.OnMessageFinish(ctx, evt, err)
		}
	}
}

func (ls listeners) failed(ctx context.Context, evt *Event, err error) {
	for _, l := range ls {
		if l.OnError != nil {
			l.OnError(ctx, evt, err)
		}
	}
}
