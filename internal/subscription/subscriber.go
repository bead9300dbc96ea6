// Package subscription attaches to a broker topic, waiting out the window
// between "subscribe requested" and "connection handshake finished".
// Subscribing is frequently requested before the asynchronous handshake
// completes; an early request must fail loudly after a bounded wait, never
// be silently lost.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tickget/queue-bridge/internal/connection"
)

// Common errors
var (
	ErrNilConnection    = errors.New("nil connection")
	ErrReadinessTimeout = errors.New("connection readiness timeout")
)

// TopicName returns the broker destination carrying a room's queue events.
func TopicName(roomID int64) string {
	return fmt.Sprintf("/topic/rooms/%d", roomID)
}

// Conn is the slice of the connection manager the subscriber needs.
type Conn interface {
	IsConnected() bool
	Subscribe(destination string) (*connection.Subscription, error)
}

// Policy bounds the wait for connection readiness: MaxAttempts checks of
// IsConnected spaced Interval apart, then a terminal failure.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the broker handshake budget: 20 × 500ms ≈ 10s.
func DefaultPolicy() Policy {
	return Policy{Interval: 500 * time.Millisecond, MaxAttempts: 20}
}

// Handle is an active topic subscription. Unsubscribe is idempotent and
// tolerates the underlying connection having already closed.
type Handle struct {
	destination string
	sub         *connection.Subscription
	once        sync.Once
	done        chan struct{}
}

// Destination returns the subscribed destination.
func (h *Handle) Destination() string { return h.destination }

// Unsubscribe detaches from the topic and stops frame delivery. Safe to
// call repeatedly and after connection loss.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		_ = h.sub.Unsubscribe()
		<-h.done
	})
}

// Option configures Subscribe.
type Option func(*settings)

type settings struct {
	policy Policy
	log    *slog.Logger
}

// WithPolicy overrides the readiness retry policy.
func WithPolicy(p Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// Subscribe attaches onFrame to destination once conn is ready. It returns
// an error for a nil connection immediately, and ErrReadinessTimeout after
// the retry budget is exhausted. Frames are delivered one at a time from a
// single goroutine; onFrame failures are the callback's own concern.
func Subscribe(ctx context.Context, conn Conn, destination string, onFrame func([]byte), opts ...Option) (*Handle, error) {
	s := settings{policy: DefaultPolicy(), log: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	if conn == nil {
		s.log.Error("subscribe with nil connection", "destination", destination)
		return nil, ErrNilConnection
	}

	if err := waitReady(ctx, conn, s.policy, s.log, destination); err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(destination)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	h := &Handle{destination: destination, sub: sub, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for frame := range sub.C {
			onFrame(frame.Body)
		}
	}()

	s.log.Info("subscribed", "destination", destination)
	return h, nil
}

// waitReady polls the connection until it reports ready, at a constant
// interval with a hard attempt cap.
func waitReady(ctx context.Context, conn Conn, policy Policy, log *slog.Logger, destination string) error {
	attempt := 0
	check := func() error {
		attempt++
		if conn.IsConnected() {
			return nil
		}
		log.Debug("waiting for connection", "destination", destination,
			"attempt", attempt, "max_attempts", policy.MaxAttempts)
		return ErrReadinessTimeout
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), uint64(policy.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(check, bo); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("connection readiness timeout", "destination", destination,
			"attempts", attempt)
		return fmt.Errorf("%w: %s after %d attempts", ErrReadinessTimeout, destination, attempt)
	}
	return nil
}
