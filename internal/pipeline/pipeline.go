// Package pipeline joins the two event delivery paths, the broker
// subscription and the cross-window bridge, into the stage controller.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/tickget/queue-bridge/internal/bridge"
	"github.com/tickget/queue-bridge/internal/router"
	"github.com/tickget/queue-bridge/internal/session"
	"github.com/tickget/queue-bridge/internal/stage"
)

// Recorder receives delivery counters. *health.Monitor satisfies it.
type Recorder interface {
	RecordMessageReceived()
	RecordBridgeEvent()
	RecordRouteError()
}

// Pipeline routes raw event frames to the controller. Frames received from
// the broker are re-broadcast on the bridge so sibling windows see them;
// frames received from the bridge are not, which keeps the event flow
// one-directional and loop-free.
type Pipeline struct {
	sess    *session.Context
	ctrl    *stage.Controller
	bridge  *bridge.Handle
	monitor Recorder
	log     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBridge sets the cross-window bridge handle. Without one, broker
// frames are still routed but never re-broadcast.
func WithBridge(h *bridge.Handle) Option {
	return func(p *Pipeline) { p.bridge = h }
}

// WithRecorder sets the delivery counter sink.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.monitor = r }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New creates a pipeline feeding the given controller.
func New(sess *session.Context, ctrl *stage.Controller, opts ...Option) *Pipeline {
	p := &Pipeline{
		sess: sess,
		ctrl: ctrl,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleBrokerFrame processes one frame delivered by the topic
// subscription. The raw frame is forwarded to sibling windows verbatim,
// before classification, so they can apply their own user filtering.
func (p *Pipeline) HandleBrokerFrame(ctx context.Context, body []byte) {
	if p.monitor != nil {
		p.monitor.RecordMessageReceived()
	}
	if p.bridge != nil {
		p.bridge.Publish(body)
	}
	p.route(ctx, body)
}

// HandleBridgeFrame processes one frame delivered by the cross-window
// bridge.
func (p *Pipeline) HandleBridgeFrame(ctx context.Context, body []byte) {
	if p.monitor != nil {
		p.monitor.RecordBridgeEvent()
	}
	p.route(ctx, body)
}

// route classifies the frame and hands the result to the controller.
// Malformed frames are logged and dropped; one bad frame must never take
// down the delivery loop.
func (p *Pipeline) route(ctx context.Context, body []byte) {
	ev, err := router.Route(body, p.sess.UserID)
	if err != nil {
		if p.monitor != nil {
			p.monitor.RecordRouteError()
		}
		p.log.Warn("dropping unroutable frame", "error", err)
		return
	}
	if ev == nil {
		return
	}
	p.ctrl.Handle(ctx, ev)
}
