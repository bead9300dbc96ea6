// Package session holds the identity and booking context shared by the
// components of one window instance. It replaces process-wide singletons:
// the owner constructs one Context and passes it to whatever needs it.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Metrics are the booking-funnel measurements carried from the previous
// stage and forwarded into the seat-selection stage untouched.
type Metrics struct {
	ReserveSeconds int    // rtSec
	ClickMisses    int    // nrClicks
	StartedAt      string // tStart, optional
	HallID         string // optional
	Date           string // optional
	Round          string // optional
}

// Context is the per-window session context. UserID and AccessToken may be
// zero-valued; components must tolerate an anonymous session.
type Context struct {
	UserID      int64
	AccessToken string
	Nickname    string
	RoomID      int64
	WindowID    string
	Metrics     Metrics

	mu      sync.RWMutex
	matchID int64
}

// New creates a session context with a fresh window instance id.
func New(userID int64, accessToken string, roomID int64) *Context {
	return &Context{
		UserID:      userID,
		AccessToken: accessToken,
		RoomID:      roomID,
		WindowID:    uuid.NewString(),
	}
}

// MatchID returns the stored match id and whether one has been set.
func (c *Context) MatchID() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchID, c.matchID != 0
}

// SetMatchID stores the match id carried by an enqueue response or a
// promotion event, for later stages to fall back on.
func (c *Context) SetMatchID(id int64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	c.matchID = id
	c.mu.Unlock()
}

// HasUser reports whether the session carries a known user identity.
func (c *Context) HasUser() bool {
	return c.UserID != 0
}
