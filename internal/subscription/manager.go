package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/internal/resilience"
	"ChainMCP/pkg/logger"
)

// Handle identifies one listener registration.
type Handle string

// Listener receives events for a subscription. Errors and panics are logged
// and do not affect other listeners.
type Listener func(Event) error

// Config controls the physical connection and reconnect policy.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	return c
}

// Manager multiplexes logical subscriptions over a single physical
// connection and re-establishes all of them after every reconnect.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	sleep  resilience.Sleeper
	now    func() time.Time

	mu             sync.Mutex
	phase          Phase
	attempt        int
	lastErr        error
	conn           Conn
	generation     uint64
	runCtx         context.Context
	cancel         context.CancelFunc
	registrations  map[string]*registration
	handles        map[Handle]string
	stateListeners []func(StateEvent)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithSleeper replaces the reconnect delay implementation.
func WithSleeper(s resilience.Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleep = s
		}
	}
}

// WithClock replaces the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager in the disconnected phase.
func NewManager(cfg Config, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg.withDefaults(),
		dialer:        dialer,
		sleep:         resilience.SleepContext,
		now:           time.Now,
		phase:         PhaseDisconnected,
		registrations: make(map[string]*registration),
		handles:       make(map[Handle]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("subscription")
	}
	metrics.SetConnectionPhase(string(PhaseDisconnected), allPhases)
	return m
}

// OnStateChange registers fn to receive state events. fn runs synchronously
// on the goroutine that changed the state and must not block.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, fn)
	m.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	listeners := 0
	for _, reg := range m.registrations {
		listeners += len(reg.listeners)
	}
	state := State{
		Phase:                m.phase,
		ReconnectAttempt:     m.attempt,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
		Subscriptions:        len(m.registrations),
		Listeners:            listeners,
	}
	if m.lastErr != nil {
		state.LastError = m.lastErr.Error()
	}
	return state
}

// Start dials the endpoint. The first dial happens synchronously; if it fails
// the manager keeps retrying in the background and Start still returns nil.
// Calling Start while running is a no-op; calling it after the failed phase
// starts a fresh reconnect budget.
func (m *Manager) Start(ctx context.Context) error {
	if m.dialer == nil || strings.TrimSpace(m.cfg.URL) == "" {
		return ErrNotConfigured
	}

	m.mu.Lock()
	if m.cancel != nil && m.phase != PhaseFailed {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx = runCtx
	m.cancel = cancel
	m.attempt = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.setPhase(PhaseConnecting, StateEvent{})

	dialCtx, stop := mergeCancel(ctx, runCtx)
	defer stop()
	if err := m.connect(dialCtx, runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		m.logger.Warn("首次连接失败，转入重连", slog.String("url", m.cfg.URL), slog.Any("error", xerrors.Classify(err)))
		m.beginReconnect(runCtx, err)
	}
	return nil
}

// Stop closes every upstream subscription and the physical connection and
// drops all registrations. In-flight deliveries are not awaited.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	streams := make([]Stream, 0, len(m.registrations))
	for _, reg := range m.registrations {
		if s := reg.detach(); s != nil {
			streams = append(streams, s)
		}
	}
	m.registrations = make(map[string]*registration)
	m.handles = make(map[Handle]string)
	conn := m.conn
	m.conn = nil
	m.generation++
	m.attempt = 0
	m.mu.Unlock()

	for _, s := range streams {
		s.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	m.setPhase(PhaseDisconnected, StateEvent{})
}

// Subscribe registers listener for topic. Topics with the same key share one
// upstream registration. If the connection is up the upstream subscription
// is created before Subscribe returns; otherwise it is created on the next
// successful connect.
func (m *Manager) Subscribe(ctx context.Context, topic Topic, listener Listener) (Handle, error) {
	if listener == nil {
		return "", xerrors.New(xerrors.KindValidation, "listener 不能为空")
	}
	if err := topic.Validate(); err != nil {
		return "", xerrors.Wrap(xerrors.KindValidation, err, err.Error())
	}

	key := topic.Key()
	handle := Handle(uuid.NewString())

	m.mu.Lock()
	m.handles[handle] = key
	reg, exists := m.registrations[key]
	if exists {
		reg.add(handle, listener)
		pending := reg.pending
		m.mu.Unlock()
		if pending == nil {
			return handle, nil
		}
		return m.awaitAttach(ctx, reg, handle, pending)
	}
	reg = newRegistration(key, topic)
	reg.add(handle, listener)
	m.registrations[key] = reg
	conn, gen, phase := m.conn, m.generation, m.phase
	if phase != PhaseConnected || conn == nil {
		m.mu.Unlock()
		return handle, nil
	}
	pending := &attachResult{done: make(chan struct{})}
	reg.pending = pending
	m.mu.Unlock()

	err := m.attach(ctx, reg, conn, gen)

	m.mu.Lock()
	reg.pending = nil
	pending.err = err
	close(pending.done)
	if err != nil {
		// Listeners that joined while the attach was in flight fail with it.
		delete(m.handles, handle)
		reg.remove(handle)
		if m.registrations[key] == reg {
			delete(m.registrations, key)
		}
	}
	m.mu.Unlock()

	if err != nil {
		classified := xerrors.Classify(err)
		m.logger.Warn("创建上游订阅失败", slog.String("key", key), slog.Any("error", classified))
		return "", classified
	}
	return handle, nil
}

// awaitAttach blocks a listener that joined a registration whose first
// upstream subscribe is still in flight and reports that subscribe's result.
func (m *Manager) awaitAttach(ctx context.Context, reg *registration, handle Handle, pending *attachResult) (Handle, error) {
	var err error
	select {
	case <-pending.done:
		err = pending.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return handle, nil
	}

	m.mu.Lock()
	if _, ok := m.handles[handle]; ok {
		delete(m.handles, handle)
		reg.remove(handle)
		if reg.empty() && m.registrations[reg.key] == reg {
			delete(m.registrations, reg.key)
			if s := reg.detach(); s != nil {
				defer s.Unsubscribe()
			}
		}
	}
	m.mu.Unlock()
	return "", xerrors.Classify(err)
}

// Unsubscribe removes a listener. When the last listener of a registration
// goes away its upstream subscription is torn down; the physical connection
// stays open.
func (m *Manager) Unsubscribe(handle Handle) error {
	m.mu.Lock()
	key, ok := m.handles[handle]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(m.handles, handle)
	var stream Stream
	if reg, ok := m.registrations[key]; ok {
		reg.remove(handle)
		if reg.empty() {
			delete(m.registrations, key)
			stream = reg.detach()
		}
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Unsubscribe()
		m.logger.Debug("上游订阅已注销", slog.String("key", key))
	}
	return nil
}

func (m *Manager) connect(ctx, runCtx context.Context) error {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return runCtx.Err()
	}
	// Subscribe attaches directly once the phase is connected, so anything
	// registered after the snapshot below is not missed.
	m.conn = conn
	m.generation++
	gen := m.generation
	m.phase = PhaseConnected
	regs := make([]*registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		if err := m.attach(ctx, reg, conn, gen); err != nil {
			var streams []Stream
			m.mu.Lock()
			if m.generation == gen {
				m.conn = nil
				m.generation++
				m.phase = PhaseReconnecting
				for _, r := range m.registrations {
					if s := r.detach(); s != nil {
						streams = append(streams, s)
					}
				}
			}
			m.mu.Unlock()
			for _, s := range streams {
				s.Unsubscribe()
			}
			conn.Close()
			return fmt.Errorf("重新订阅 %s 失败: %w", reg.key, err)
		}
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return nil
	}
	m.attempt = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.announce(StateEvent{Phase: PhaseConnected})
	m.logger.Info("流式连接已建立", slog.String("url", m.cfg.URL), slog.Int("subscriptions", len(regs)))
	return nil
}

func (m *Manager) attach(ctx context.Context, reg *registration, conn Conn, gen uint64) error {
	stream, err := conn.Subscribe(ctx, reg.topic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	stale := m.generation != gen || m.registrations[reg.key] != reg || (reg.stream != nil && reg.gen == gen)
	if stale {
		m.mu.Unlock()
		stream.Unsubscribe()
		return nil
	}
	stop := reg.attach(stream, gen)
	m.mu.Unlock()

	go m.read(reg, stream, gen, stop)
	return nil
}

func (m *Manager) read(reg *registration, stream Stream, gen uint64, stop <-chan struct{}) {
	events := stream.Events()
	errs := stream.Err()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				m.handleDrop(gen, stop, fmt.Errorf("订阅 %s 的事件通道已关闭", reg.key))
				return
			}
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = m.now()
			}
			metrics.ObserveSubscriptionEvent(string(ev.Kind))
			m.dispatch(reg, ev)
		case err := <-errs:
			if err == nil {
				err = fmt.Errorf("订阅 %s 已被上游关闭", reg.key)
			}
			m.handleDrop(gen, stop, err)
			return
		}
	}
}

func (m *Manager) dispatch(reg *registration, ev Event) {
	m.mu.Lock()
	listeners := reg.snapshot()
	m.mu.Unlock()
	for _, entry := range listeners {
		m.invoke(reg.key, entry, ev)
	}
}

func (m *Manager) invoke(key string, entry listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveListenerFailure(string(ev.Kind))
			m.logger.Error("订阅回调发生 panic",
				slog.String("key", key),
				slog.String("handle", string(entry.handle)),
				slog.Any("panic", r))
		}
	}()
	if err := entry.listener(ev); err != nil {
		metrics.ObserveListenerFailure(string(ev.Kind))
		m.logger.Warn("订阅回调返回错误",
			slog.String("key", key),
			slog.String("handle", string(entry.handle)),
			slog.Any("error", err))
	}
}

// handleDrop moves a live connection into the reconnecting phase. Drops
// reported by streams of an older generation are ignored.
func (m *Manager) handleDrop(gen uint64, stop <-chan struct{}, cause error) {
	select {
	case <-stop:
		return
	default:
	}

	m.mu.Lock()
	if m.cancel == nil || gen != m.generation || m.phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	runCtx := m.runCtx
	conn := m.conn
	m.conn = nil
	m.generation++
	streams := make([]Stream, 0, len(m.registrations))
	for _, reg := range m.registrations {
		if s := reg.detach(); s != nil {
			streams = append(streams, s)
		}
	}
	m.mu.Unlock()

	m.logger.Warn("流式连接中断", slog.String("url", m.cfg.URL), slog.Any("error", xerrors.Classify(cause)))
	for _, s := range streams {
		s.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	m.beginReconnect(runCtx, cause)
}

func (m *Manager) beginReconnect(runCtx context.Context, cause error) {
	m.mu.Lock()
	m.lastErr = cause
	m.mu.Unlock()
	m.setPhase(PhaseReconnecting, StateEvent{Err: cause})
	go m.reconnectLoop(runCtx, cause)
}

func (m *Manager) reconnectLoop(runCtx context.Context, cause error) {
	lastErr := cause
	for {
		m.mu.Lock()
		if runCtx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		if attempt > m.cfg.MaxReconnectAttempts {
			m.fail(runCtx, lastErr)
			return
		}

		delay := m.reconnectDelay(attempt)
		m.emit(StateEvent{Phase: PhaseReconnecting, Attempt: attempt, Delay: delay, Err: lastErr})
		m.logger.Info("准备重连",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			slog.Duration("delay", delay))

		if err := m.sleep(runCtx, delay); err != nil {
			return
		}
		metrics.ObserveReconnectAttempt()
		err := m.connect(runCtx, runCtx)
		if err == nil {
			return
		}
		if runCtx.Err() != nil {
			return
		}
		lastErr = err
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("重连失败", slog.Int("attempt", attempt), slog.Any("error", xerrors.Classify(err)))
	}
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	return delay
}

func (m *Manager) fail(runCtx context.Context, cause error) {
	// Checked and set under one lock: a concurrent Stop wins.
	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.lastErr = cause
	m.phase = PhaseFailed
	m.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
	m.logger.Error("重连次数耗尽，停止重连",
		slog.String("url", m.cfg.URL),
		slog.Int("max_attempts", m.cfg.MaxReconnectAttempts),
		slog.Any("error", cause))
	m.announce(StateEvent{Phase: PhaseFailed, Err: err, Terminal: true})
}

func (m *Manager) setPhase(phase Phase, ev StateEvent) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
	ev.Phase = phase
	m.announce(ev)
}

func (m *Manager) announce(ev StateEvent) {
	metrics.SetConnectionPhase(string(ev.Phase), allPhases)
	m.emit(ev)
}

func (m *Manager) emit(ev StateEvent) {
	m.mu.Lock()
	listeners := slices.Clone(m.stateListeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// mergeCancel returns a context cancelled when either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
