package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

type fakeStream struct {
	topic  Topic
	events chan Event
	errs   chan error

	mu           sync.Mutex
	unsubscribed bool
}

func newFakeStream(topic Topic) *fakeStream {
	return &fakeStream{
		topic:  topic,
		events: make(chan Event, 16),
		errs:   make(chan error, 1),
	}
}

func (s *fakeStream) Events() <-chan Event { return s.events }
func (s *fakeStream) Err() <-chan error    { return s.errs }

func (s *fakeStream) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
}

func (s *fakeStream) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type fakeConn struct {
	mu        sync.Mutex
	streams   []*fakeStream
	closed    bool
	subscribe error
	// gate, when set, holds every Subscribe call until it is closed.
	gate chan struct{}
}

func (c *fakeConn) Subscribe(_ context.Context, topic Topic) (Stream, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribe != nil {
		return nil, c.subscribe
	}
	s := newFakeStream(topic)
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

// active returns streams for key that have not been unsubscribed.
func (c *fakeConn) active(key string) []*fakeStream {
	var out []*fakeStream
	for _, s := range c.all() {
		if s.topic.Key() == key && !s.isUnsubscribed() {
			out = append(out, s)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("dial tcp 127.0.0.1:8546: connection refused")
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
