// Package bridge mirrors broker events between windows of the same booking
// session. Seat-selection flows are often opened as a secondary window that
// holds no authenticated broker session of its own; the primary window
// republishes every broker envelope on a channel named after the room so
// the secondary window reacts identically. The bridge carries the envelope
// bytes verbatim so both delivery paths share one parser downstream.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ChannelName derives the deterministic channel name for a room, so any
// window that knows the room id can attach without a central registry.
func ChannelName(resourceID int64) string {
	return fmt.Sprintf("room-%d-events", resourceID)
}

// Exchange is the in-process broadcast fabric. A nil *Exchange models a
// runtime without cross-window messaging support: Open still returns a
// handle, and every operation on it is a no-op, so callers need no
// conditional logic.
type Exchange struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string][]*Handle
}

// NewExchange creates an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{
		log:      slog.Default(),
		channels: make(map[string][]*Handle),
	}
}

// WithLogger sets the logger and returns the exchange.
func (e *Exchange) WithLogger(log *slog.Logger) *Exchange {
	if e != nil {
		e.log = log
	}
	return e
}

// Open attaches a new handle to the room's channel. Safe on a nil exchange.
func (e *Exchange) Open(resourceID int64) *Handle {
	if e == nil {
		return &Handle{}
	}

	h := &Handle{
		exchange: e,
		channel:  ChannelName(resourceID),
		id:       uuid.NewString(),
		inbox:    make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.channels[h.channel] = append(e.channels[h.channel], h)
	e.mu.Unlock()

	go h.dispatch()
	e.log.Debug("bridge channel opened", "channel", h.channel, "window", h.id)
	return h
}

// broadcast delivers payload to every handle on the channel except the
// originator. A window never receives its own publishes.
func (e *Exchange) broadcast(channel, originID string, payload []byte) {
	e.mu.RLock()
	handles := make([]*Handle, 0, len(e.channels[channel]))
	for _, h := range e.channels[channel] {
		if h.id != originID {
			handles = append(handles, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range handles {
		select {
		case h.inbox <- payload:
		case <-h.done:
		default:
			e.log.Warn("bridge inbox full, dropping event", "channel", channel, "window", h.id)
		}
	}
}

// remove detaches a handle from its channel.
func (e *Exchange) remove(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handles := e.channels[h.channel]
	for i, other := range handles {
		if other == h {
			e.channels[h.channel] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(e.channels[h.channel]) == 0 {
		delete(e.channels, h.channel)
	}
}

// Handle is one window's attachment to a room channel. The zero value is a
// detached no-op handle.
type Handle struct {
	exchange *Exchange
	channel  string
	id       string
	inbox    chan []byte
	done     chan struct{}

	mu        sync.RWMutex
	callbacks []func([]byte)
	closeOnce sync.Once
}

// Publish mirrors an envelope to the other windows on the channel.
func (h *Handle) Publish(payload []byte) {
	if h.exchange == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	h.exchange.broadcast(h.channel, h.id, payload)
}

// OnMessage registers a callback for envelopes published by other windows.
// Callbacks run sequentially on the handle's dispatch goroutine.
func (h *Handle) OnMessage(callback func([]byte)) {
	if h.exchange == nil {
		return
	}
	h.mu.Lock()
	h.callbacks = append(h.callbacks, callback)
	h.mu.Unlock()
}

// Close detaches the handle. Idempotent, and safe even if the runtime tore
// the channel down first (page unload races).
func (h *Handle) Close() {
	if h.exchange == nil {
		return
	}
	h.closeOnce.Do(func() {
		h.exchange.remove(h)
		close(h.done)
	})
}

func (h *Handle) dispatch() {
	for {
		select {
		case payload := <-h.inbox:
			h.mu.RLock()
			callbacks := make([]func([]byte), len(h.callbacks))
			copy(callbacks, h.callbacks)
			h.mu.RUnlock()
			for _, cb := range callbacks {
				cb(payload)
			}
		case <-h.done:
			return
		}
	}
}
