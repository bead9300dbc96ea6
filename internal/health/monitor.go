// Package health tracks counters and liveness for the queue bridge.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tickget/queue-bridge/internal/connection"
	"github.com/tickget/queue-bridge/internal/stage"
)

// Status is a point-in-time snapshot of the bridge's health.
type Status struct {
	Stage            string    `json:"stage"`
	Connection       string    `json:"connection"`
	Connected        bool      `json:"connected"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LastMessage      time.Time `json:"last_message"`
	ReconnectCount   int       `json:"reconnect_count"`
	MessagesReceived int64     `json:"messages_received"`
	BridgeEvents     int64     `json:"bridge_events"`
	RouteErrors      int64     `json:"route_errors"`
}

// Monitor accumulates health counters. All methods are safe for
// concurrent use.
type Monitor struct {
	machine *stage.Machine
	conn    *connection.Manager

	startTime        time.Time
	messagesReceived atomic.Int64
	bridgeEvents     atomic.Int64
	routeErrors      atomic.Int64

	mu             sync.RWMutex
	lastMessage    time.Time
	connects       int
	reconnectCount int
}

// NewMonitor creates a monitor observing the given stage machine and
// connection manager. Either may be nil; the corresponding Status fields
// then stay zero-valued.
func NewMonitor(machine *stage.Machine, conn *connection.Manager) *Monitor {
	return &Monitor{
		machine:   machine,
		conn:      conn,
		startTime: time.Now(),
	}
}

// RecordMessageReceived records an incoming broker frame.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordBridgeEvent records a frame received via the cross-window bridge.
func (m *Monitor) RecordBridgeEvent() {
	m.bridgeEvents.Add(1)
}

// RecordRouteError records a frame the router could not classify.
func (m *Monitor) RecordRouteError() {
	m.routeErrors.Add(1)
}

// RecordConnect records an established broker session. Every session
// after the first counts as a reconnection; a clean local teardown never
// touches the counter.
func (m *Monitor) RecordConnect() {
	m.mu.Lock()
	if m.connects > 0 {
		m.reconnectCount++
	}
	m.connects++
	m.mu.Unlock()
}

// LastMessageTime returns the arrival time of the newest broker frame.
func (m *Monitor) LastMessageTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMessage
}

// ReconnectCount returns the total number of reconnections so far.
func (m *Monitor) ReconnectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectCount
}

// Status returns the current health snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		LastMessage:      m.lastMessage,
		ReconnectCount:   m.reconnectCount,
		MessagesReceived: m.messagesReceived.Load(),
		BridgeEvents:     m.bridgeEvents.Load(),
		RouteErrors:      m.routeErrors.Load(),
	}
	if m.machine != nil {
		s.Stage = m.machine.MustState().String()
	}
	if m.conn != nil {
		state := m.conn.State()
		s.Connection = state.String()
		s.Connected = state == connection.StateConnected
	}
	return s
}
