package reason

import "context"

// Sink receives incremental reasoning events for a single run. Callers
// that stream responses attach one to the context; batch callers leave it
// unset and the loop behaves synchronously.
type Sink interface {
	// OnToken is called for each content fragment as the model emits it.
	OnToken(delta string)
	// OnToolStart is called when a tool begins executing.
	OnToolStart(name string)
}

type sinkKey struct{}

// WithSink returns a context carrying the streaming sink.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

func sinkFrom(ctx context.Context) Sink {
	sink, _ := ctx.Value(sinkKey{}).(Sink)
	return sink
}
