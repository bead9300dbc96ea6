package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickget/queue-bridge/internal/bridge"
	"github.com/tickget/queue-bridge/internal/session"
	"github.com/tickget/queue-bridge/internal/stage"
)

type fakeNavigator struct {
	mu      sync.Mutex
	targets []stage.NavTarget
}

func (f *fakeNavigator) Navigate(target stage.NavTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
}

func (f *fakeNavigator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func (f *fakeNavigator) last() (stage.NavTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.targets) == 0 {
		return stage.NavTarget{}, false
	}
	return f.targets[len(f.targets)-1], true
}

type fakeRecorder struct {
	received    atomic.Int64
	bridged     atomic.Int64
	routeErrors atomic.Int64
}

func (f *fakeRecorder) RecordMessageReceived() { f.received.Add(1) }
func (f *fakeRecorder) RecordBridgeEvent()     { f.bridged.Add(1) }
func (f *fakeRecorder) RecordRouteError()      { f.routeErrors.Add(1) }

// window bundles one window's controller, navigator and pipeline wired to
// a shared exchange, the way main assembles them.
type window struct {
	sess *session.Context
	ctrl *stage.Controller
	nav  *fakeNavigator
	pipe *Pipeline
}

func newWindow(t *testing.T, ex *bridge.Exchange, userID, roomID int64, opts ...Option) *window {
	t.Helper()
	w := &window{sess: session.New(userID, "", roomID), nav: &fakeNavigator{}}
	w.ctrl = stage.NewController(w.sess, w.nav)

	handle := ex.Open(roomID)
	t.Cleanup(handle.Close)

	w.pipe = New(w.sess, w.ctrl, append([]Option{WithBridge(handle)}, opts...)...)
	handle.OnMessage(func(body []byte) {
		w.pipe.HandleBridgeFrame(context.Background(), body)
	})
	return w
}

func TestPipelineRoutesBrokerFrame(t *testing.T) {
	rec := &fakeRecorder{}
	sess := session.New(7, "", 1)
	nav := &fakeNavigator{}
	ctrl := stage.NewController(sess, nav)
	pipe := New(sess, ctrl, WithRecorder(rec))

	frame := []byte(`{"eventType":"QUEUE_STATUS_UPDATE","payload":{"queueStatuses":{"7":{"ahead":3,"behind":10}}}}`)
	pipe.HandleBrokerFrame(context.Background(), frame)

	rank, total, ok := ctrl.Position()
	require.True(t, ok)
	assert.Equal(t, 4, rank)
	assert.Equal(t, 14, total)
	assert.Equal(t, int64(1), rec.received.Load())
	assert.Equal(t, int64(0), rec.routeErrors.Load())
}

func TestPipelineDropsUnroutableFrame(t *testing.T) {
	rec := &fakeRecorder{}
	sess := session.New(7, "", 1)
	ctrl := stage.NewController(sess, &fakeNavigator{})
	pipe := New(sess, ctrl, WithRecorder(rec))

	pipe.HandleBrokerFrame(context.Background(), []byte(`{not json`))
	assert.Equal(t, int64(1), rec.routeErrors.Load())

	// A bad frame must not poison later ones.
	pipe.HandleBrokerFrame(context.Background(), []byte(`{"eventType":"QUEUE_STATUS_UPDATE","payload":{"queueStatuses":{"7":{"ahead":0,"behind":0}}}}`))
	assert.Equal(t, stage.StateInQueue, ctrl.State())
}

func TestPipelineUnknownTypeInert(t *testing.T) {
	rec := &fakeRecorder{}
	sess := session.New(7, "", 1)
	ctrl := stage.NewController(sess, &fakeNavigator{})
	pipe := New(sess, ctrl, WithRecorder(rec))

	pipe.HandleBrokerFrame(context.Background(), []byte(`{"eventType":"SOMETHING_NEW","payload":{}}`))

	assert.Equal(t, stage.StateLoading, ctrl.State())
	assert.Equal(t, int64(0), rec.routeErrors.Load())
}

func TestPipelineBridgesBrokerFrames(t *testing.T) {
	ex := bridge.NewExchange()
	recA := &fakeRecorder{}
	recB := &fakeRecorder{}
	a := newWindow(t, ex, 7, 1, WithRecorder(recA))
	b := newWindow(t, ex, 7, 1, WithRecorder(recB))

	frame := []byte(`{"eventType":"QUEUE_STATUS_UPDATE","payload":{"queueStatuses":{"7":{"ahead":3,"behind":10}}}}`)
	a.pipe.HandleBrokerFrame(context.Background(), frame)

	// The sibling sees the frame via the bridge.
	require.Eventually(t, func() bool {
		_, _, ok := b.ctrl.Position()
		return ok
	}, time.Second, 5*time.Millisecond)

	rank, total, _ := b.ctrl.Position()
	assert.Equal(t, 4, rank)
	assert.Equal(t, 14, total)
	assert.Equal(t, int64(1), recB.bridged.Load())
	assert.Equal(t, int64(0), recB.received.Load())

	// No echo back to the publisher.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), recA.bridged.Load())
}

func TestPipelineBridgeFrameNotRebroadcast(t *testing.T) {
	ex := bridge.NewExchange()
	a := newWindow(t, ex, 7, 1)
	b := newWindow(t, ex, 7, 1)
	c := newWindow(t, ex, 7, 1)

	frame := []byte(`{"eventType":"QUEUE_STATUS_UPDATE","payload":{"queueStatuses":{"7":{"ahead":1,"behind":0}}}}`)
	a.pipe.HandleBridgeFrame(context.Background(), frame)

	_, _, ok := a.ctrl.Position()
	assert.True(t, ok)

	// Bridge-received frames stay local: b and c never see them from a.
	time.Sleep(20 * time.Millisecond)
	_, _, ok = b.ctrl.Position()
	assert.False(t, ok)
	_, _, ok = c.ctrl.Position()
	assert.False(t, ok)
}

func TestPipelinePromotionAcrossWindows(t *testing.T) {
	ex := bridge.NewExchange()
	a := newWindow(t, ex, 7, 1)
	b := newWindow(t, ex, 7, 1)

	position := []byte(`{"eventType":"QUEUE_STATUS_UPDATE","payload":{"queueStatuses":{"7":{"ahead":3,"behind":10}}}}`)
	promotion := []byte(`{"eventType":"USER_DEQUEUED","payload":{"userId":7,"matchId":99}}`)

	ctx := context.Background()
	a.pipe.HandleBrokerFrame(ctx, position)
	a.pipe.HandleBrokerFrame(ctx, promotion)
	// Redelivery after reconnect.
	a.pipe.HandleBrokerFrame(ctx, promotion)

	// Each window navigates exactly once, with the promoted match id.
	require.Eventually(t, func() bool { return b.nav.count() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, a.nav.count())
	assert.Equal(t, 1, b.nav.count())

	target, ok := a.nav.last()
	require.True(t, ok)
	assert.Equal(t, stage.SeatSelectionPath, target.Path)
	assert.Equal(t, "99", target.Query.Get("matchId"))

	target, ok = b.nav.last()
	require.True(t, ok)
	assert.Equal(t, "99", target.Query.Get("matchId"))
	assert.Equal(t, stage.StatePromotedNavigating, b.ctrl.State())
}

func TestPipelineOtherUsersPromotionIgnored(t *testing.T) {
	ex := bridge.NewExchange()
	a := newWindow(t, ex, 7, 1)

	a.pipe.HandleBrokerFrame(context.Background(), []byte(`{"eventType":"USER_DEQUEUED","payload":{"userId":8,"matchId":99}}`))

	assert.Equal(t, 0, a.nav.count())
	assert.Equal(t, stage.StateLoading, a.ctrl.State())
}
