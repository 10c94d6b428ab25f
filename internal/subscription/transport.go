package subscription

import "context"

// Stream is one upstream subscription on a physical connection.
//
// Err delivers at most one value when the subscription fails and is closed by
// Unsubscribe, matching go-ethereum subscription semantics.
type Stream interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}

// Conn is a physical streaming connection able to carry many streams.
type Conn interface {
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
	Close()
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
