package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to broker")
)

// Frame is one inbound message from a topic subscription.
type Frame struct {
	Destination string
	Body        []byte
}

// Subscription streams frames for one topic. Unsubscribe is safe to call
// any number of times, including after the underlying connection closed.
type Subscription struct {
	C      <-chan Frame
	cancel func() error
	once   sync.Once
	err    error
}

// NewSubscription wraps a frame stream and its cancel function. Exposed so
// fakes in other packages' tests can satisfy the same shape the Manager
// returns.
func NewSubscription(frames <-chan Frame, cancel func() error) *Subscription {
	return &Subscription{C: frames, cancel: cancel}
}

// Unsubscribe stops the stream. Repeated calls return the first result.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.err = s.cancel()
		}
	})
	return s.err
}

// Callbacks are the observable hooks of the Manager. All are optional and
// invoked from the manager's supervisor goroutine. The manager never
// mutates application state itself; reacting to a lost link (clearing the
// session, navigating home) is the owner's responsibility.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(error)
}

// Config holds the connection parameters.
type Config struct {
	BrokerURL   string
	AccessToken string // optional; sent as Authorization: Bearer <token>
	UserID      int64  // optional; sent as userId header when non-zero

	ConnectTimeout time.Duration
	// ReconnectDelay is the fixed wait between reconnection attempts.
	// There is intentionally no exponential backoff here; the broker's
	// admission guarantees are lost on disconnect either way.
	ReconnectDelay time.Duration

	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
}

// Manager owns one broker connection and supervises its lifecycle:
// dial, STOMP handshake, failure detection, fixed-delay reconnect.
type Manager struct {
	cfg       Config
	dial      DialFunc
	cbs       Callbacks
	log       *slog.Logger
	reconnect backoff.BackOff

	mu     sync.RWMutex
	state  State
	conn   *stomp.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithDialFunc replaces the transport dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithCallbacks sets the observable hooks.
func WithCallbacks(cbs Callbacks) Option {
	return func(m *Manager) { m.cbs = cbs }
}

// NewManager creates a manager. It does not connect.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		reconnect: backoff.NewConstantBackOff(cfg.ReconnectDelay),
		dial:      WebSocketDialer(cfg.ConnectTimeout),
		log:       slog.Default(),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether a broker session is established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect starts the connection supervisor. Calling Connect while a
// supervisor is already running is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateConnecting
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Disconnect stops the supervisor and closes the broker session. Safe to
// call when never connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Subscribe attaches to a destination on the current session. Fails with
// ErrNotConnected when no session is established; readiness polling lives
// one layer up, in the subscription package.
func (m *Manager) Subscribe(destination string) (*Subscription, error) {
	m.mu.RLock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.RUnlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		for msg := range sub.C {
			if msg == nil {
				return
			}
			if msg.Err != nil {
				m.log.Warn("subscription closed by transport", "destination", destination, "error", msg.Err)
				return
			}
			frames <- Frame{Destination: msg.Destination, Body: msg.Body}
		}
	}()

	return NewSubscription(frames, func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, stomp.ErrCompletedSubscription) {
			// The session may already be gone; unsubscribing then is a no-op.
			m.log.Debug("unsubscribe after connection loss", "destination", destination, "error", err)
		}
		return nil
	}), nil
}

// run is the supervisor loop: establish, watch, reconnect at a fixed delay.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.setState(StateConnecting)
		conn, stream, err := m.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			m.setState(StateFailed)
			m.log.Warn("broker connect failed", "url", m.cfg.BrokerURL, "error", err)
			m.notifyError(err)
			if !m.sleep(ctx) {
				m.setState(StateDisconnected)
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.mu.Unlock()
		m.reconnect.Reset()
		m.log.Info("broker connected", "url", m.cfg.BrokerURL)
		m.notifyConnect()

		select {
		case <-stream.Closed():
			m.mu.Lock()
			m.conn = nil
			m.state = StateFailed
			m.mu.Unlock()
			m.log.Warn("broker connection lost", "error", stream.Err())
			m.notifyDisconnect()
			if err := stream.Err(); err != nil {
				m.notifyError(err)
			}
			if !m.sleep(ctx) {
				m.setState(StateDisconnected)
				return
			}

		case <-ctx.Done():
			// Local teardown: best-effort DISCONNECT, then close.
			_ = conn.MustDisconnect()
			stream.Close()
			m.mu.Lock()
			m.conn = nil
			m.state = StateDisconnected
			m.mu.Unlock()
			m.notifyDisconnect()
			return
		}
	}
}

func (m *Manager) establish(ctx context.Context) (*stomp.Conn, *notifyStream, error) {
	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	rwc, err := m.dial(dialCtx, m.cfg.BrokerURL)
	if err != nil {
		return nil, nil, err
	}
	stream := newNotifyStream(rwc)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(m.cfg.HeartbeatOutgoing, m.cfg.HeartbeatIncoming),
	}
	for _, h := range connectHeaders(m.cfg.AccessToken, m.cfg.UserID) {
		opts = append(opts, stomp.ConnOpt.Header(h[0], h[1]))
	}

	conn, err := stomp.Connect(stream, opts...)
	if err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("stomp connect: %w", err)
	}
	return conn, stream, nil
}

// connectHeaders builds the identity headers for the CONNECT frame. Either
// may be absent; an anonymous connection is still attempted.
func connectHeaders(token string, userID int64) [][2]string {
	var headers [][2]string
	if token != "" {
		headers = append(headers, [2]string{"Authorization", "Bearer " + token})
	}
	if userID != 0 {
		headers = append(headers, [2]string{"userId", strconv.FormatInt(userID, 10)})
	}
	return headers
}

// sleep waits out the next reconnect delay from the backoff schedule.
// Returns false when the supervisor context ended first.
func (m *Manager) sleep(ctx context.Context) bool {
	delay := m.reconnect.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) notifyConnect() {
	if m.cbs.OnConnect != nil {
		m.cbs.OnConnect()
	}
}

func (m *Manager) notifyDisconnect() {
	if m.cbs.OnDisconnect != nil {
		m.cbs.OnDisconnect()
	}
}

func (m *Manager) notifyError(err error) {
	if m.cbs.OnError != nil {
		m.cbs.OnError(err)
	}
}
