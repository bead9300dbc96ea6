package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickget/queue-bridge/internal/connection"
)

// fakeConn implements Conn with a scriptable readiness flag and an
// in-memory frame stream.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	checkCount int
	frames     chan connection.Frame
	subscribed []string
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{connected: connected, frames: make(chan connection.Frame, 16)}
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCount++
	return f.connected
}

func (f *fakeConn) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeConn) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCount
}

func (f *fakeConn) Subscribe(destination string) (*connection.Subscription, error) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, destination)
	f.mu.Unlock()
	return connection.NewSubscription(f.frames, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.frames != nil {
			close(f.frames)
			f.frames = nil
		}
		return nil
	}), nil
}

func (f *fakeConn) push(body string) {
	f.frames <- connection.Frame{Destination: "/topic/rooms/1", Body: []byte(body)}
}

func fastPolicy(attempts int) Policy {
	return Policy{Interval: time.Millisecond, MaxAttempts: attempts}
}

func TestSubscribe_NilConnection(t *testing.T) {
	h, err := Subscribe(context.Background(), nil, "/topic/rooms/1", func([]byte) {})
	assert.ErrorIs(t, err, ErrNilConnection)
	assert.Nil(t, h)
}

func TestSubscribe_ImmediatelyReady(t *testing.T) {
	conn := newFakeConn(true)

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(fastPolicy(20)))
	require.NoError(t, err)
	defer h.Unsubscribe()

	assert.Equal(t, 1, conn.Checks())
	assert.Equal(t, []string{"/topic/rooms/1"}, conn.subscribed)
	assert.Equal(t, "/topic/rooms/1", h.Destination())
}

func TestSubscribe_ReadyAfterRetries(t *testing.T) {
	conn := newFakeConn(false)

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.SetConnected(true)
	}()

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(fastPolicy(100)))
	require.NoError(t, err)
	defer h.Unsubscribe()

	assert.Greater(t, conn.Checks(), 1)
}

func TestSubscribe_ExhaustsRetryBudget(t *testing.T) {
	conn := newFakeConn(false)

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(fastPolicy(20)))
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Nil(t, h)

	// Exactly the configured budget: not fewer, not forever.
	assert.Equal(t, 20, conn.Checks())
	assert.Empty(t, conn.subscribed)
}

func TestSubscribe_ContextCanceled(t *testing.T) {
	conn := newFakeConn(false)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(3 * time.Millisecond)
		cancel()
	}()

	_, err := Subscribe(ctx, conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(Policy{Interval: time.Minute, MaxAttempts: 20}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe_DeliversFrames(t *testing.T) {
	conn := newFakeConn(true)
	received := make(chan string, 4)

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func(body []byte) {
		received <- string(body)
	}, WithPolicy(fastPolicy(20)))
	require.NoError(t, err)
	defer h.Unsubscribe()

	conn.push(`{"eventType":"QUEUE_STATUS_UPDATE"}`)
	conn.push(`{"eventType":"USER_DEQUEUED"}`)

	assert.Equal(t, `{"eventType":"QUEUE_STATUS_UPDATE"}`, <-received)
	assert.Equal(t, `{"eventType":"USER_DEQUEUED"}`, <-received)
}

func TestHandle_UnsubscribeIdempotent(t *testing.T) {
	conn := newFakeConn(true)

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(fastPolicy(20)))
	require.NoError(t, err)

	// Multiple unsubscribes, including after the stream is gone, are no-ops.
	h.Unsubscribe()
	h.Unsubscribe()
	h.Unsubscribe()
}

func TestHandle_UnsubscribeAfterConnectionClosed(t *testing.T) {
	conn := newFakeConn(true)

	h, err := Subscribe(context.Background(), conn, "/topic/rooms/1", func([]byte) {},
		WithPolicy(fastPolicy(20)))
	require.NoError(t, err)

	// Simulate the transport dying: the frame channel closes underneath.
	conn.mu.Lock()
	close(conn.frames)
	conn.frames = nil
	conn.mu.Unlock()

	// Unsubscribe on a dead subscription must not panic or block.
	done := make(chan struct{})
	go func() {
		h.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe blocked after connection loss")
	}
}
