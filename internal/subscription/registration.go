package subscription

type listenerEntry struct {
	handle   Handle
	listener Listener
}

// registration is one upstream subscription and the listeners sharing it.
// All fields are guarded by Manager.mu.
type registration struct {
	key       string
	topic     Topic
	listeners []listenerEntry

	stream Stream
	stop   chan struct{}
	gen    uint64

	// pending is set while the first upstream subscribe is in flight.
	pending *attachResult
}

type attachResult struct {
	done chan struct{}
	err  error
}

func newRegistration(key string, topic Topic) *registration {
	return &registration{key: key, topic: topic}
}

func (r *registration) add(handle Handle, listener Listener) {
	r.listeners = append(r.listeners, listenerEntry{handle: handle, listener: listener})
}

func (r *registration) remove(handle Handle) {
	for i, entry := range r.listeners {
		if entry.handle == handle {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *registration) empty() bool {
	return len(r.listeners) == 0
}

// snapshot returns the listeners in registration order.
func (r *registration) snapshot() []listenerEntry {
	return append([]listenerEntry(nil), r.listeners...)
}

func (r *registration) attach(stream Stream, gen uint64) <-chan struct{} {
	r.stream = stream
	r.gen = gen
	r.stop = make(chan struct{})
	return r.stop
}

// detach stops the reader and hands back the stream for the caller to
// unsubscribe outside the lock.
func (r *registration) detach() Stream {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	stream := r.stream
	r.stream = nil
	return stream
}
